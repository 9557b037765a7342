package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decentralchat/engine/internal/contacts"
	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/invites"
	"github.com/decentralchat/engine/internal/messages"
	"github.com/decentralchat/engine/internal/presence"
	"github.com/decentralchat/engine/internal/rooms"
	"github.com/decentralchat/engine/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotInitialized indicates a façade call before Initialize.
	ErrNotInitialized = errors.New("session: not initialized")
	// ErrAlreadyInitialized indicates a second Initialize on a live session.
	ErrAlreadyInitialized = errors.New("session: already initialized")

	errMissingStore      = errors.New("session: store is required")
	errMissingRegistry   = errors.New("session: room registry is required")
	errMissingModeration = errors.New("session: moderation is required")
	errMissingInvites    = errors.New("session: invite service is required")
	errMissingMessages   = errors.New("session: message store is required")
	errMissingPresence   = errors.New("session: presence tracker is required")
	errMissingContacts   = errors.New("session: contact book is required")
)

// ManagerConfig carries every collaborator the session drives. All
// references are explicit: the presentation layer holds the manager, not a
// process-wide global.
type ManagerConfig struct {
	Store      store.Store
	Registry   *rooms.Registry
	Moderation *rooms.Moderation
	Invites    *invites.Service
	Messages   *messages.Store
	Presence   *presence.Tracker
	Contacts   *contacts.Book
	Signer     identity.Signer // optional; defaults to a wallet-derived signer at Initialize
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Manager orchestrates room, message, invite, presence and contact state
// for one connected identity, and is the single surface the presentation
// layer observes.
type Manager struct {
	store      store.Store
	registry   *rooms.Registry
	moderation *rooms.Moderation
	invites    *invites.Service
	messages   *messages.Store
	presence   *presence.Tracker
	contacts   *contacts.Book
	signer     identity.Signer
	clock      func() time.Time
	logger     *zap.Logger
	events     *EventDispatcher

	mu            sync.Mutex
	user          identity.User
	initialized   bool
	target        messages.Target
	subscriptions []store.CancelFunc
	sweeperCancel store.CancelFunc
	runCancel     context.CancelFunc
}

// NewManager validates configuration and constructs the session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Moderation == nil {
		return nil, errMissingModeration
	}
	if cfg.Invites == nil {
		return nil, errMissingInvites
	}
	if cfg.Messages == nil {
		return nil, errMissingMessages
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Contacts == nil {
		return nil, errMissingContacts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      cfg.Store,
		registry:   cfg.Registry,
		moderation: cfg.Moderation,
		invites:    cfg.Invites,
		messages:   cfg.Messages,
		presence:   cfg.Presence,
		contacts:   cfg.Contacts,
		signer:     cfg.Signer,
		clock:      clock,
		logger:     logger,
		events:     NewEventDispatcher(),
	}, nil
}

// Events exposes the presentation event stream.
func (m *Manager) Events() *EventDispatcher {
	return m.events
}

// User returns the connected identity.
func (m *Manager) User() identity.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// CurrentTarget returns the active message target.
func (m *Manager) CurrentTarget() messages.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Initialize binds the session to a connected identity: publishes the
// nickname, signs the welcome attestation best-effort, joins the home
// room, goes online, and starts the retention sweeper.
func (m *Manager) Initialize(ctx context.Context, user identity.User) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.user = user
	m.initialized = true
	signer := m.signer
	if signer == nil {
		// Without an injected signer, derive one from the connected wallet so
		// outbound messages and the welcome attestation are still signed.
		signer = identity.NewKeccakSigner(user.Address)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.mu.Unlock()

	m.messages.SetSigner(signer)
	m.attest(ctx, user, signer)
	m.publishNickname(ctx, user)

	if err := m.JoinRoom(ctx, m.registry.HomeRoom()); err != nil {
		return err
	}

	sweeperCancel := m.messages.StartSweeper(runCtx, func() (messages.Target, bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.initialized {
			return messages.Target{}, false
		}
		return m.target, true
	})
	m.mu.Lock()
	m.sweeperCancel = sweeperCancel
	m.mu.Unlock()

	m.logger.Info("session initialized", zap.String("address", user.Address.Short()))
	return nil
}

// JoinRoom switches the active context to roomID: the ban/capacity gate
// runs first, every prior subscription is detached, then membership,
// history, live messages and presence re-attach against the new room.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	user, err := m.requireUser()
	if err != nil {
		return err
	}
	if err := m.registry.CheckRoomSecurity(ctx, roomID, user.Address); err != nil {
		return err
	}

	m.detachAll()

	target := messages.RoomTarget(roomID)
	m.mu.Lock()
	m.target = target
	m.mu.Unlock()

	if _, err := m.registry.EnsureMember(ctx, roomID, user, ""); err != nil {
		return err
	}

	m.events.Publish(Event{Type: EventChatSwitched, RoomID: roomID, Timestamp: m.clock()})
	if err := m.replayAndAttach(ctx, target, user); err != nil {
		return err
	}

	presenceCancel := m.presence.WatchRoom(roomID, func(records []presence.Record) {
		m.events.Publish(Event{
			Type:      EventPresence,
			RoomID:    roomID,
			Presence:  records,
			Timestamp: m.clock(),
		})
	})
	m.track(presenceCancel)

	m.presence.SetOnlineStatus(ctx, user, roomID, true)
	return nil
}

// CreateRoom creates the room and immediately joins it.
func (m *Manager) CreateRoom(ctx context.Context, name string, isPrivate bool) (string, error) {
	user, err := m.requireUser()
	if err != nil {
		return "", err
	}
	roomID, err := m.registry.CreateRoom(ctx, name, isPrivate, user)
	if err != nil {
		return "", err
	}
	if err := m.JoinRoom(ctx, roomID); err != nil {
		return "", err
	}
	return roomID, nil
}

// LeaveRoom abandons membership of roomID and, when it was the active
// room, falls back to the home room.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	user, err := m.requireUser()
	if err != nil {
		return err
	}
	if err := m.registry.LeaveRoom(ctx, roomID, user.Address); err != nil {
		return err
	}
	if current := m.CurrentTarget(); current.Type == messages.ChatTypeRoom && current.RoomID == roomID {
		return m.JoinRoom(ctx, m.registry.HomeRoom())
	}
	return nil
}

// SendMessage sends text to the active target and publishes the optimistic
// local render.
func (m *Manager) SendMessage(ctx context.Context, text string) (messages.Message, error) {
	user, err := m.requireUser()
	if err != nil {
		return messages.Message{}, err
	}
	target := m.CurrentTarget()

	message, err := m.messages.Send(ctx, text, user, target)
	if err != nil {
		return messages.Message{}, err
	}

	if target.Type == messages.ChatTypeDirect && target.Recipient != "" {
		m.contacts.Touch(user.Address, target.Recipient)
	}
	m.events.Publish(Event{
		Type:      EventMessage,
		RoomID:    target.RoomID,
		ChannelID: target.ChannelID,
		Own:       true,
		Message:   &message,
		Timestamp: m.clock(),
	})
	return message, nil
}

// History returns the persisted, ordered messages of the active chat
// stream. Callers that attach to the event stream after a room switch use
// this to backfill what replay already delivered.
func (m *Manager) History(ctx context.Context) ([]messages.Message, error) {
	if _, err := m.requireUser(); err != nil {
		return nil, err
	}
	return m.messages.History(ctx, m.CurrentTarget())
}

// StartDirectChat switches the active context to the direct channel with
// the peer address.
func (m *Manager) StartDirectChat(ctx context.Context, rawPeer string) (string, error) {
	user, err := m.requireUser()
	if err != nil {
		return "", err
	}
	channelID, peer, err := m.contacts.StartDirectChat(ctx, user, rawPeer)
	if err != nil {
		return "", err
	}

	m.detachAll()

	target := messages.DirectTarget(channelID, peer)
	m.mu.Lock()
	m.target = target
	m.mu.Unlock()

	m.events.Publish(Event{Type: EventChatSwitched, ChannelID: channelID, Timestamp: m.clock()})
	if err := m.replayAndAttach(ctx, target, user); err != nil {
		return "", err
	}
	return channelID, nil
}

// GenerateInvite issues an invite for roomID. The caller must hold the
// invite permission in that room.
func (m *Manager) GenerateInvite(ctx context.Context, roomID string) (string, error) {
	user, err := m.requireUser()
	if err != nil {
		return "", err
	}
	member, err := m.registry.GetMember(ctx, roomID, user.Address)
	if err != nil {
		return "", err
	}
	if !member.Permissions.Invite {
		return "", fmt.Errorf("%w: %s in %s", rooms.ErrPermissionDenied, user.Address.Short(), roomID)
	}
	return m.invites.Generate(ctx, roomID, user.Address)
}

// RedeemInvite redeems the code and joins the resulting room.
func (m *Manager) RedeemInvite(ctx context.Context, code string) (string, error) {
	user, err := m.requireUser()
	if err != nil {
		return "", err
	}
	roomID, err := m.invites.Redeem(ctx, code, user)
	if err != nil {
		return "", err
	}
	if err := m.JoinRoom(ctx, roomID); err != nil {
		return "", err
	}
	return roomID, nil
}

// Kick removes a member from the room on the session user's authority.
func (m *Manager) Kick(ctx context.Context, roomID string, rawTarget string) error {
	return m.moderate(ctx, roomID, rawTarget, m.moderation.Kick)
}

// Ban bars an address from the room on the session user's authority.
func (m *Manager) Ban(ctx context.Context, roomID string, rawTarget string) error {
	return m.moderate(ctx, roomID, rawTarget, m.moderation.Ban)
}

// Promote raises a member to moderator on the session user's authority.
func (m *Manager) Promote(ctx context.Context, roomID string, rawTarget string) error {
	return m.moderate(ctx, roomID, rawTarget, m.moderation.Promote)
}

func (m *Manager) moderate(ctx context.Context, roomID, rawTarget string, action func(context.Context, string, identity.Address, identity.Address) error) error {
	user, err := m.requireUser()
	if err != nil {
		return err
	}
	target, err := identity.NewAddress(rawTarget)
	if err != nil {
		return err
	}
	return action(ctx, roomID, user.Address, target)
}

// ClearChat erases the active stream's history. Room history is shared
// community state, so only the room creator may clear it; a direct chat is
// a private two-party view that either participant may clear freely.
func (m *Manager) ClearChat(ctx context.Context) error {
	user, err := m.requireUser()
	if err != nil {
		return err
	}
	target := m.CurrentTarget()

	if target.Type == messages.ChatTypeRoom {
		room, err := m.registry.GetRoomInfo(ctx, target.RoomID)
		if err != nil {
			return err
		}
		if room.Creator != user.Address {
			return fmt.Errorf("%w: only the room creator may clear %s", rooms.ErrPermissionDenied, target.RoomID)
		}
	}
	return m.messages.Clear(ctx, target)
}

// ToggleOnlineStatus flips visibility and returns the new flag.
func (m *Manager) ToggleOnlineStatus(ctx context.Context) (bool, error) {
	user, err := m.requireUser()
	if err != nil {
		return false, err
	}
	target := m.CurrentTarget()
	roomID := ""
	if target.Type == messages.ChatTypeRoom {
		roomID = target.RoomID
	}
	return m.presence.Toggle(ctx, user, roomID), nil
}

// RoomList resolves the locally remembered room list to room metadata,
// skipping rooms whose metadata has not replicated yet.
func (m *Manager) RoomList(ctx context.Context) ([]rooms.Room, error) {
	user, err := m.requireUser()
	if err != nil {
		return nil, err
	}
	roomIDs := m.registry.CachedRooms(user.Address)
	list := make([]rooms.Room, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		room, err := m.registry.GetRoomInfo(ctx, roomID)
		if err != nil {
			if errors.Is(err, rooms.ErrRoomNotFound) {
				continue
			}
			return nil, err
		}
		list = append(list, room)
	}
	return list, nil
}

// OnlineMembers returns the aggregated presence view of the active room.
func (m *Manager) OnlineMembers() []presence.Record {
	return m.presence.OnlineMembers()
}

// Contacts returns the session user's direct-chat contacts.
func (m *Manager) Contacts() []contacts.Contact {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	return m.contacts.Contacts(user.Address)
}

// Close tears the session down: publishes offline, drains the send queue,
// detaches every subscription, and discards in-memory state. Persisted
// store state remains; it is shared across peers.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	user := m.user
	target := m.target
	cancel := m.runCancel
	sweeperCancel := m.sweeperCancel
	m.mu.Unlock()

	roomID := ""
	if target.Type == messages.ChatTypeRoom {
		roomID = target.RoomID
	}
	m.presence.Publish(ctx, user, roomID, false)

	m.messages.Flush()
	m.detachAll()
	if sweeperCancel != nil {
		sweeperCancel()
	}
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	m.initialized = false
	m.user = identity.User{}
	m.target = messages.Target{}
	m.sweeperCancel = nil
	m.runCancel = nil
	m.mu.Unlock()

	m.logger.Info("session closed", zap.String("address", user.Address.Short()))
}

// replayAndAttach loads history into the event stream, then attaches the
// live subscription for the target.
func (m *Manager) replayAndAttach(ctx context.Context, target messages.Target, user identity.User) error {
	history, err := m.messages.History(ctx, target)
	if err != nil {
		return err
	}
	for i := range history {
		message := history[i]
		m.events.Publish(Event{
			Type:      EventMessage,
			RoomID:    target.RoomID,
			ChannelID: target.ChannelID,
			Own:       message.Sender == user.Address.String(),
			Message:   &message,
			Timestamp: m.clock(),
		})
	}

	liveCancel, err := m.messages.Attach(target, user.Address, func(message messages.Message) {
		if target.Type == messages.ChatTypeDirect && target.Recipient != "" {
			m.contacts.Touch(user.Address, target.Recipient)
		}
		m.events.Publish(Event{
			Type:      EventMessage,
			RoomID:    target.RoomID,
			ChannelID: target.ChannelID,
			Message:   &message,
			Timestamp: m.clock(),
		})
	})
	if err != nil {
		return err
	}
	m.track(liveCancel)
	return nil
}

// attest signs the welcome payload. Absence of the attestation only means
// the session starts unverified.
func (m *Manager) attest(ctx context.Context, user identity.User, signer identity.Signer) {
	payload := identity.WelcomePayload(user.Address, m.clock())
	if _, err := signer.SignMessage(ctx, payload); err != nil {
		m.logger.Warn("welcome attestation failed", zap.Error(err))
	}
}

// publishNickname makes the session nickname resolvable by peers.
// Best-effort.
func (m *Manager) publishNickname(ctx context.Context, user identity.User) {
	if user.Nickname == "" {
		return
	}
	value := store.Value{"nickname": user.Nickname, "updatedAt": m.clock().UnixMilli()}
	if err := m.store.Put(ctx, store.Join("nicknames", user.Address.String()), value); err != nil {
		m.logger.Warn("nickname publish failed", zap.Error(err))
	}
}

func (m *Manager) requireUser() (identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return identity.User{}, ErrNotInitialized
	}
	return m.user, nil
}

// track records a subscription handle for teardown on the next context
// switch.
func (m *Manager) track(cancel store.CancelFunc) {
	if cancel == nil {
		return
	}
	m.mu.Lock()
	m.subscriptions = append(m.subscriptions, cancel)
	m.mu.Unlock()
}

// detachAll cancels every tracked subscription. Idempotent: cancels are
// safe to run twice and the table is cleared under the lock.
func (m *Manager) detachAll() {
	m.mu.Lock()
	handles := m.subscriptions
	m.subscriptions = nil
	m.mu.Unlock()
	for _, cancel := range handles {
		cancel()
	}
}
