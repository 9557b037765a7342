package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/rooms"
	"github.com/decentralchat/engine/internal/store"
	"go.uber.org/zap"
)

const pathRoot = "allusers"

var errMissingStore = errors.New("presence: store is required")

// Record is one observed presence state. It is advisory: absence or
// staleness is not proof of disconnection, and there is no heartbeat
// eviction beyond last-write-wins.
type Record struct {
	Address  identity.Address
	Nickname string
	IsOnline bool
	LastSeen int64 // ms
}

// TrackerConfig carries the dependencies for presence tracking.
type TrackerConfig struct {
	Store  store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Tracker publishes the local user's online state and aggregates per-room
// presence into an online-members view.
type Tracker struct {
	store  store.Store
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	visible bool
	online  map[identity.Address]Record
}

// NewTracker validates configuration and constructs the tracker. Visibility
// starts enabled.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   cfg.Store,
		clock:   clock,
		logger:  logger,
		visible: true,
		online:  make(map[identity.Address]Record),
	}, nil
}

// GlobalPath addresses a user's global presence record.
func GlobalPath(address identity.Address) string {
	return store.Join(pathRoot, address.String())
}

// Visible reports the local visibility flag.
func (t *Tracker) Visible() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.visible
}

// Publish writes the caller's global presence record and, when inside a
// room, refreshes the online flag on that room's member entry. Presence
// writes are best-effort: failures are logged and absorbed.
func (t *Tracker) Publish(ctx context.Context, user identity.User, roomID string, isOnline bool) {
	now := t.clock().UnixMilli()
	record := store.Value{
		"address":  user.Address.String(),
		"nickname": user.Nickname,
		"isOnline": isOnline,
		"lastSeen": now,
	}
	if err := t.store.Put(ctx, GlobalPath(user.Address), record); err != nil {
		t.logger.Warn("global presence write failed",
			zap.String("address", user.Address.String()), zap.Error(err))
	}

	if roomID == "" {
		return
	}
	memberUpdate := store.Value{"isOnline": isOnline, "lastSeen": now}
	if err := t.store.Put(ctx, rooms.MemberPath(roomID, user.Address), memberUpdate); err != nil {
		t.logger.Warn("room presence write failed",
			zap.String("room_id", roomID),
			zap.String("address", user.Address.String()),
			zap.Error(err))
	}
}

// Toggle flips the local visibility flag, republishes, and returns the new
// flag.
func (t *Tracker) Toggle(ctx context.Context, user identity.User, roomID string) bool {
	t.mu.Lock()
	t.visible = !t.visible
	visible := t.visible
	t.mu.Unlock()

	t.Publish(ctx, user, roomID, visible)
	return visible
}

// SetOnlineStatus publishes the caller's state respecting the visibility
// flag: an invisible user always publishes offline.
func (t *Tracker) SetOnlineStatus(ctx context.Context, user identity.User, roomID string, isOnline bool) {
	if isOnline && !t.Visible() {
		isOnline = false
	}
	t.Publish(ctx, user, roomID, isOnline)
}

// WatchRoom subscribes to the room's member entries and folds them into
// the online-members view. onChange fires after every aggregate update.
// The returned cancel detaches the subscription; attaching to a new room
// requires cancelling the previous watch first.
func (t *Tracker) WatchRoom(roomID string, onChange func([]Record)) store.CancelFunc {
	t.mu.Lock()
	t.online = make(map[identity.Address]Record)
	t.mu.Unlock()

	return t.store.Subscribe(rooms.MembersPath(roomID), func(key string, value store.Value) {
		if store.IsMetaKey(key) {
			return
		}
		address, err := identity.NewAddress(key)
		if err != nil {
			return
		}

		t.mu.Lock()
		if value == nil {
			delete(t.online, address)
		} else {
			record := Record{Address: address}
			record.Nickname, _ = value.String("nickname")
			record.IsOnline, _ = value.Bool("isOnline")
			record.LastSeen, _ = value.Int64("lastSeen")
			if record.IsOnline {
				t.online[address] = record
			} else {
				delete(t.online, address)
			}
		}
		snapshot := t.snapshotLocked()
		t.mu.Unlock()

		if onChange != nil {
			onChange(snapshot)
		}
	})
}

// OnlineMembers returns the current aggregated view of the watched room.
func (t *Tracker) OnlineMembers() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []Record {
	records := make([]Record, 0, len(t.online))
	for _, record := range t.online {
		records = append(records, record)
	}
	return records
}
