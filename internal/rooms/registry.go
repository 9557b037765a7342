package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/localdata"
	"github.com/decentralchat/engine/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultHomeRoom is the room every session lands in and can never leave.
	DefaultHomeRoom = "general"
	// DefaultMaxMembers caps rooms whose metadata predates capacity tracking.
	DefaultMaxMembers = 100

	cacheKeyRooms = "rooms"
)

var errMissingStore = errors.New("rooms: store is required")

// RegistryConfig carries the dependencies for the room registry.
type RegistryConfig struct {
	Store      store.Store
	Cache      *localdata.Cache
	Clock      func() time.Time
	Logger     *zap.Logger
	HomeRoom   string
	MaxMembers int
}

// Registry owns room lifecycle and membership records in the shared store,
// plus the per-user cached room list in local storage.
type Registry struct {
	store      store.Store
	cache      *localdata.Cache
	clock      func() time.Time
	logger     *zap.Logger
	homeRoom   string
	maxMembers int
}

// NewRegistry validates configuration and constructs the registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
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
	homeRoom := cfg.HomeRoom
	if homeRoom == "" {
		homeRoom = DefaultHomeRoom
	}
	maxMembers := cfg.MaxMembers
	if maxMembers <= 0 {
		maxMembers = DefaultMaxMembers
	}
	return &Registry{
		store:      cfg.Store,
		cache:      cfg.Cache,
		clock:      clock,
		logger:     logger,
		homeRoom:   homeRoom,
		maxMembers: maxMembers,
	}, nil
}

// HomeRoom returns the designated default room id.
func (r *Registry) HomeRoom() string {
	return r.homeRoom
}

// CreateRoom derives the room id from name, rejects collisions, and writes
// the room metadata plus the creator's admin membership. Metadata fields are
// committed one by one: the store offers no multi-field atomicity, so a
// reader may observe the room mid-convergence.
func (r *Registry) CreateRoom(ctx context.Context, name string, isPrivate bool, creator identity.User) (string, error) {
	roomID, err := DeriveRoomID(name)
	if err != nil {
		return "", err
	}

	existing, err := r.store.Once(ctx, InfoPath(roomID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrWriteFailed, err)
	}
	if existing != nil {
		if _, ok := existing.String("name"); ok {
			return "", fmt.Errorf("%w: %s", ErrRoomExists, roomID)
		}
	}

	now := r.clock().UnixMilli()
	fields := []struct {
		name  string
		value any
	}{
		{"id", roomID},
		{"name", name},
		{"creator", creator.Address.String()},
		{"created", now},
		{"isPrivate", isPrivate},
		{"maxMembers", r.maxMembers},
		{"memberCount", 1},
	}
	for _, field := range fields {
		if err := r.store.Put(ctx, InfoPath(roomID), store.Value{field.name: field.value}); err != nil {
			return "", fmt.Errorf("%w: room %s field %s: %v", store.ErrWriteFailed, roomID, field.name, err)
		}
	}

	admin := Member{
		RoomID:      roomID,
		Address:     creator.Address,
		Nickname:    creator.Nickname,
		JoinedAt:    now,
		Role:        RoleAdmin,
		Permissions: PermissionsForRole(RoleAdmin),
		IsOnline:    true,
	}
	if err := r.store.Put(ctx, MemberPath(roomID, creator.Address), encodeMember(admin)); err != nil {
		return "", fmt.Errorf("%w: creator membership: %v", store.ErrWriteFailed, err)
	}

	r.rememberRoom(creator.Address, roomID)
	r.logger.Info("room created",
		zap.String("room_id", roomID),
		zap.String("creator", creator.Address.String()),
		zap.Bool("private", isPrivate))
	return roomID, nil
}

// GetRoomInfo reads the room metadata, tolerating fields that have not yet
// converged. Callers needing identity fields should check Room.Complete.
func (r *Registry) GetRoomInfo(ctx context.Context, roomID string) (Room, error) {
	ctx, cancel := store.ReadContext(ctx)
	defer cancel()
	value, err := r.store.Once(ctx, InfoPath(roomID))
	if err != nil {
		return Room{}, err
	}
	if value == nil {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return decodeRoom(roomID, value, r.maxMembers), nil
}

// CheckRoomSecurity is the gate run before any join or invite redemption:
// banned addresses are rejected outright, and rooms at capacity reject
// addresses that are not already members.
func (r *Registry) CheckRoomSecurity(ctx context.Context, roomID string, address identity.Address) error {
	ctx, cancel := store.ReadContext(ctx)
	defer cancel()
	banned, err := r.store.Once(ctx, BannedPath(roomID, address))
	if err != nil {
		return err
	}
	if banned != nil {
		return fmt.Errorf("%w: %s in %s", ErrBanned, address.Short(), roomID)
	}

	member, err := r.store.Once(ctx, MemberPath(roomID, address))
	if err != nil {
		return err
	}
	if member != nil {
		return nil // rejoining members do not consume capacity
	}

	room, err := r.GetRoomInfo(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil // metadata still converging; admit rather than strand
		}
		return err
	}
	if room.MemberCount >= room.MaxMembers {
		return fmt.Errorf("%w: %s (%d/%d)", ErrRoomFull, roomID, room.MemberCount, room.MaxMembers)
	}
	return nil
}

// EnsureMember writes the caller's membership record for roomID. A first
// join creates a member-role record and bumps the room's member count; a
// rejoin refreshes nickname and presence while preserving role, joined time
// and cached permissions.
func (r *Registry) EnsureMember(ctx context.Context, roomID string, user identity.User, invitedBy identity.Address) (Member, error) {
	existing, err := r.store.Once(ctx, MemberPath(roomID, user.Address))
	if err != nil {
		return Member{}, err
	}

	now := r.clock().UnixMilli()
	var member Member
	created := false
	if existing != nil {
		decoded, ok := decodeMember(roomID, existing)
		if !ok {
			decoded = Member{RoomID: roomID, Address: user.Address, JoinedAt: now, Role: RoleMember}
		}
		member = decoded
		member.Nickname = user.Nickname
		member.IsOnline = true
	} else {
		created = true
		member = Member{
			RoomID:      roomID,
			Address:     user.Address,
			Nickname:    user.Nickname,
			JoinedAt:    now,
			Role:        RoleMember,
			Permissions: PermissionsForRole(RoleMember),
			InvitedBy:   invitedBy,
			IsOnline:    true,
		}
	}

	if err := r.store.Put(ctx, MemberPath(roomID, user.Address), encodeMember(member)); err != nil {
		return Member{}, fmt.Errorf("%w: member %s: %v", store.ErrWriteFailed, user.Address.Short(), err)
	}
	if created {
		if err := r.adjustMemberCount(ctx, roomID, 1); err != nil {
			r.logger.Warn("member count increment failed",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}

	r.rememberRoom(user.Address, roomID)
	return member, nil
}

// LeaveRoom removes the caller's membership record. The home room cannot be
// left; other members' data and the room itself are untouched.
func (r *Registry) LeaveRoom(ctx context.Context, roomID string, address identity.Address) error {
	if roomID == r.homeRoom {
		return ErrHomeRoom
	}
	existing, err := r.store.Once(ctx, MemberPath(roomID, address))
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s in %s", ErrMemberNotFound, address.Short(), roomID)
	}
	if err := r.store.Put(ctx, MemberPath(roomID, address), nil); err != nil {
		return fmt.Errorf("%w: leave %s: %v", store.ErrWriteFailed, roomID, err)
	}
	if err := r.adjustMemberCount(ctx, roomID, -1); err != nil {
		r.logger.Warn("member count decrement failed",
			zap.String("room_id", roomID), zap.Error(err))
	}
	r.forgetRoom(address, roomID)
	return nil
}

// GetMember reads one membership record.
func (r *Registry) GetMember(ctx context.Context, roomID string, address identity.Address) (Member, error) {
	ctx, cancel := store.ReadContext(ctx)
	defer cancel()
	value, err := r.store.Once(ctx, MemberPath(roomID, address))
	if err != nil {
		return Member{}, err
	}
	if value == nil {
		return Member{}, fmt.Errorf("%w: %s in %s", ErrMemberNotFound, address.Short(), roomID)
	}
	member, ok := decodeMember(roomID, value)
	if !ok {
		return Member{}, fmt.Errorf("%w: %s in %s", ErrMemberNotFound, address.Short(), roomID)
	}
	return member, nil
}

// Members reads all membership records in the room, skipping records whose
// identifying fields have not converged yet.
func (r *Registry) Members(ctx context.Context, roomID string) ([]Member, error) {
	children, err := r.store.Children(ctx, MembersPath(roomID))
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(children))
	for key, value := range children {
		if store.IsMetaKey(key) || value == nil {
			continue
		}
		if member, ok := decodeMember(roomID, value); ok {
			members = append(members, member)
		}
	}
	return members, nil
}

// CachedRooms returns the locally remembered room list for an address.
func (r *Registry) CachedRooms(address identity.Address) []string {
	if r.cache == nil {
		return []string{r.homeRoom}
	}
	var roomIDs []string
	found, err := r.cache.Get(address.String(), cacheKeyRooms, &roomIDs)
	if err != nil {
		r.logger.Warn("room list cache read failed", zap.Error(err))
	}
	if !found || len(roomIDs) == 0 {
		return []string{r.homeRoom}
	}
	return roomIDs
}

// adjustMemberCount applies a field-level read-modify-write to the room's
// member count. Two concurrent writers can both read the same stale count;
// the store offers no compare-and-swap, so the drift is accepted.
func (r *Registry) adjustMemberCount(ctx context.Context, roomID string, delta int) error {
	value, err := r.store.Once(ctx, InfoPath(roomID))
	if err != nil {
		return err
	}
	count := int64(0)
	if value != nil {
		count, _ = value.Int64("memberCount")
	}
	count += int64(delta)
	if count < 0 {
		count = 0
	}
	return r.store.Put(ctx, InfoPath(roomID), store.Value{"memberCount": count})
}

func (r *Registry) rememberRoom(address identity.Address, roomID string) {
	if r.cache == nil {
		return
	}
	roomIDs := r.CachedRooms(address)
	for _, known := range roomIDs {
		if known == roomID {
			return
		}
	}
	roomIDs = append(roomIDs, roomID)
	if err := r.cache.Set(address.String(), cacheKeyRooms, roomIDs); err != nil {
		r.logger.Warn("room list cache write failed", zap.Error(err))
	}
}

func (r *Registry) forgetRoom(address identity.Address, roomID string) {
	if r.cache == nil {
		return
	}
	roomIDs := r.CachedRooms(address)
	remaining := make([]string, 0, len(roomIDs))
	for _, known := range roomIDs {
		if known != roomID {
			remaining = append(remaining, known)
		}
	}
	if err := r.cache.Set(address.String(), cacheKeyRooms, remaining); err != nil {
		r.logger.Warn("room list cache write failed", zap.Error(err))
	}
}
