package messages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultCooldown is the minimum gap between accepted sends.
	DefaultCooldown = time.Second
	// DefaultQueuePause spaces out queued writes so a burst of sends does
	// not saturate the store's write path.
	DefaultQueuePause = 100 * time.Millisecond
	// DefaultHistoryLimit bounds room history replay. Direct history is
	// unbounded: it is a private two-party view.
	DefaultHistoryLimit = 50
	// DefaultRetentionHorizon is the age past which messages are purged.
	DefaultRetentionHorizon = 24 * time.Hour
	// DefaultSweepInterval is how often the retention sweep runs.
	DefaultSweepInterval = 5 * time.Minute

	queueWriteTimeout = 5 * time.Second
)

var (
	errMissingStore = errors.New("messages: store is required")
	errMissingIDs   = errors.New("messages: id provider is required")
)

// StoreConfig carries the dependencies for the message store.
type StoreConfig struct {
	Store  store.Store
	Signer identity.Signer // optional; SetSigner binds one once the wallet is known
	IDs    IDProvider
	Clock  func() time.Time
	Logger *zap.Logger

	Cooldown         time.Duration
	QueuePause       time.Duration
	HistoryLimit     int
	RetentionHorizon time.Duration
	SweepInterval    time.Duration
}

// Store runs the outbound send queue and the inbound
// validate/dedupe/deliver pipeline for one session.
type Store struct {
	store  store.Store
	signer identity.Signer
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger

	cooldown         time.Duration
	queuePause       time.Duration
	historyLimit     int
	retentionHorizon time.Duration
	sweepInterval    time.Duration

	mu         sync.Mutex
	queue      []queuedMessage
	draining   bool
	drained    *sync.Cond
	lastSendAt time.Time
	seen       map[string]struct{}
}

type queuedMessage struct {
	message Message
	path    string
}

// NewStore validates configuration and constructs the message store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.IDs == nil {
		return nil, errMissingIDs
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	messageStore := &Store{
		store:            cfg.Store,
		signer:           cfg.Signer,
		ids:              cfg.IDs,
		clock:            clock,
		logger:           logger,
		cooldown:         cfg.Cooldown,
		queuePause:       cfg.QueuePause,
		historyLimit:     cfg.HistoryLimit,
		retentionHorizon: cfg.RetentionHorizon,
		sweepInterval:    cfg.SweepInterval,
		seen:             make(map[string]struct{}),
	}
	if messageStore.cooldown <= 0 {
		messageStore.cooldown = DefaultCooldown
	}
	if messageStore.queuePause <= 0 {
		messageStore.queuePause = DefaultQueuePause
	}
	if messageStore.historyLimit <= 0 {
		messageStore.historyLimit = DefaultHistoryLimit
	}
	if messageStore.retentionHorizon <= 0 {
		messageStore.retentionHorizon = DefaultRetentionHorizon
	}
	if messageStore.sweepInterval <= 0 {
		messageStore.sweepInterval = DefaultSweepInterval
	}
	messageStore.drained = sync.NewCond(&messageStore.mu)
	return messageStore, nil
}

// Send validates and rate-limits the text, builds the message, signs it
// best-effort, and enqueues it for the serialized drain loop. The returned
// message is what the caller renders optimistically.
func (s *Store) Send(ctx context.Context, text string, user identity.User, target Target) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, ErrEmptyMessage
	}
	if len(trimmed) > maxMessageLength {
		return Message{}, fmt.Errorf("%w: %d characters", ErrMessageTooLong, len(trimmed))
	}
	path, err := target.Path()
	if err != nil {
		return Message{}, err
	}

	now := s.clock()

	s.mu.Lock()
	if !s.lastSendAt.IsZero() && now.Sub(s.lastSendAt) < s.cooldown {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: wait %s between messages", ErrRateLimited, s.cooldown)
	}
	s.mu.Unlock()

	id, err := s.ids.NewID()
	if err != nil {
		return Message{}, fmt.Errorf("messages: id generation: %w", err)
	}

	message := Message{
		ID:             id,
		Text:           trimmed,
		Sender:         user.Address.String(),
		SenderNickname: user.Nickname,
		Timestamp:      now.UnixMilli(),
		ChatType:       target.Type,
		Recipient:      target.Recipient,
	}
	s.sign(ctx, &message)

	s.mu.Lock()
	// The cooldown only starts once the message is accepted; a failed build
	// above must not cost the sender the window.
	s.lastSendAt = now
	// The sender renders its own message at enqueue time; marking it seen
	// keeps the live subscription from delivering it a second time.
	s.seen[message.DedupKey()] = struct{}{}
	s.queue = append(s.queue, queuedMessage{message: message, path: path})
	s.startDrainLocked()
	s.mu.Unlock()

	return message, nil
}

// SetSigner binds the signer used for outbound messages. The session calls
// this once the wallet identity is established, so the store starts unsigned
// and upgrades at login.
func (s *Store) SetSigner(signer identity.Signer) {
	s.mu.Lock()
	s.signer = signer
	s.mu.Unlock()
}

// sign attaches a signature when a signer is available. Failure only costs
// the verified indicator downstream, so it is logged and absorbed.
func (s *Store) sign(ctx context.Context, message *Message) {
	s.mu.Lock()
	signer := s.signer
	s.mu.Unlock()
	if signer == nil {
		return
	}
	payload := fmt.Sprintf("%s|%d|%s", message.Text, message.Timestamp, message.Sender)
	signature, err := signer.SignMessage(ctx, []byte(payload))
	if err != nil {
		s.logger.Warn("message signing failed", zap.Error(err))
		return
	}
	message.Signature = signature
	message.SignedPayload = payload
}

// startDrainLocked launches the single drain goroutine when none is
// running. Only one store write is ever in flight; queued messages persist
// in enqueue order with a pause between writes.
func (s *Store) startDrainLocked() {
	if s.draining {
		return
	}
	s.draining = true
	go s.drain()
}

func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.drained.Broadcast()
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), queueWriteTimeout)
		err := s.store.Put(ctx, store.Join(next.path, next.message.Key()), encodeMessage(next.message))
		cancel()
		if err != nil {
			s.logger.Error("message write failed",
				zap.String("message_id", next.message.ID),
				zap.Error(err))
		}

		time.Sleep(s.queuePause)
	}
}

// Flush blocks until the send queue is fully drained. Used by teardown and
// by tests.
func (s *Store) Flush() {
	s.mu.Lock()
	for s.draining || len(s.queue) > 0 {
		s.drained.Wait()
	}
	s.mu.Unlock()
}

// Attach subscribes the delivery callback to the target's live message
// stream. Arrivals are validated, deduplicated against every message this
// session has seen, and suppressed when authored locally. The returned
// cancel must run before attaching to another target.
func (s *Store) Attach(target Target, local identity.Address, deliver func(Message)) (store.CancelFunc, error) {
	path, err := target.Path()
	if err != nil {
		return nil, err
	}
	cancel := s.store.Subscribe(path, func(key string, value store.Value) {
		if store.IsMetaKey(key) || value == nil {
			return
		}
		message := decodeMessage(value)
		if !message.Valid() {
			return
		}

		s.mu.Lock()
		dedupKey := message.DedupKey()
		if _, duplicate := s.seen[dedupKey]; duplicate {
			s.mu.Unlock()
			return
		}
		s.seen[dedupKey] = struct{}{}
		s.mu.Unlock()

		if message.Sender == local.String() {
			return // already rendered optimistically at enqueue time
		}
		deliver(message)
	})
	return cancel, nil
}

// History loads the target's persisted messages: a one-shot read, client-
// side sort by timestamp, truncated to the most recent window for rooms.
// Replayed messages count as seen for deduplication.
func (s *Store) History(ctx context.Context, target Target) ([]Message, error) {
	path, err := target.Path()
	if err != nil {
		return nil, err
	}
	children, err := s.store.Children(ctx, path)
	if err != nil {
		return nil, err
	}

	history := make([]Message, 0, len(children))
	for key, value := range children {
		if store.IsMetaKey(key) || value == nil {
			continue
		}
		message := decodeMessage(value)
		if !message.Valid() {
			continue
		}
		history = append(history, message)
	}
	sort.Slice(history, func(i, j int) bool {
		if history[i].Timestamp != history[j].Timestamp {
			return history[i].Timestamp < history[j].Timestamp
		}
		return history[i].ID < history[j].ID
	})

	if target.Type == ChatTypeRoom && len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}

	s.mu.Lock()
	for _, message := range history {
		s.seen[message.DedupKey()] = struct{}{}
	}
	s.mu.Unlock()
	return history, nil
}

// Announce persists a system message into the room stream, bypassing the
// send queue and the rate limiter.
func (s *Store) Announce(ctx context.Context, roomID, text string) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("messages: id generation: %w", err)
	}
	message := Message{
		ID:        id,
		Text:      text,
		Sender:    SystemSender,
		Timestamp: s.clock().UnixMilli(),
		ChatType:  ChatTypeRoom,
	}
	target := RoomTarget(roomID)
	path, err := target.Path()
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, store.Join(path, message.Key()), encodeMessage(message)); err != nil {
		return fmt.Errorf("%w: announce: %v", store.ErrWriteFailed, err)
	}
	return nil
}

// Clear tombstones every message under the target. Permission checks live
// with the session façade; the asymmetry between room and direct clearing
// is enforced there.
func (s *Store) Clear(ctx context.Context, target Target) error {
	path, err := target.Path()
	if err != nil {
		return err
	}
	children, err := s.store.Children(ctx, path)
	if err != nil {
		return err
	}
	for key := range children {
		if store.IsMetaKey(key) {
			continue
		}
		if err := s.store.Put(ctx, store.Join(path, key), nil); err != nil {
			return fmt.Errorf("%w: clear %s: %v", store.ErrWriteFailed, key, err)
		}
	}
	return nil
}

// Sweep tombstones messages older than the retention horizon under the
// target. Each peer sweeps its own view; this is cooperative, at-least-once
// cleanup, not a coordinated global deletion.
func (s *Store) Sweep(ctx context.Context, target Target) (int, error) {
	path, err := target.Path()
	if err != nil {
		return 0, err
	}
	children, err := s.store.Children(ctx, path)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock().Add(-s.retentionHorizon).UnixMilli()
	purged := 0
	for key, value := range children {
		if store.IsMetaKey(key) || value == nil {
			continue
		}
		timestamp, ok := value.Int64("timestamp")
		if !ok || timestamp >= cutoff {
			continue
		}
		if err := s.store.Put(ctx, store.Join(path, key), nil); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// StartSweeper runs the periodic retention sweep against whatever target
// current reports until ctx is done or the returned cancel runs. Sweep
// failures are background noise: logged and absorbed.
func (s *Store) StartSweeper(ctx context.Context, current func() (Target, bool)) store.CancelFunc {
	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				target, ok := current()
				if !ok {
					continue
				}
				purged, err := s.Sweep(sweepCtx, target)
				if err != nil {
					s.logger.Warn("retention sweep failed", zap.Error(err))
					continue
				}
				if purged > 0 {
					s.logger.Info("retention sweep purged messages",
						zap.Int("purged", purged))
				}
			}
		}
	}()
	return store.CancelFunc(cancel)
}
