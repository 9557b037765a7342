package invites

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/rooms"
	"github.com/decentralchat/engine/internal/store"
	"go.uber.org/zap"
)

const (
	// CodeLength is the fixed length of generated invite codes.
	CodeLength = 8
	// DefaultTTL is the validity window of a fresh invite.
	DefaultTTL = 24 * time.Hour

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	pathRoot     = "invites"
)

var (
	// ErrInviteInvalid indicates the code is unknown.
	ErrInviteInvalid = errors.New("invites: invalid invite code")
	// ErrInviteExpired indicates the code is past its expiry.
	ErrInviteExpired = errors.New("invites: invite code has expired")
	// ErrInviteAlreadyUsed indicates the code was redeemed by someone else.
	ErrInviteAlreadyUsed = errors.New("invites: invite code has already been used")

	errMissingStore    = errors.New("invites: store is required")
	errMissingSecurity = errors.New("invites: room security is required")
)

// Invite is one issued room invite code.
type Invite struct {
	Code      string
	RoomID    string
	CreatedBy identity.Address
	CreatedAt int64 // ms
	ExpiresAt int64 // ms
	Used      bool
	UsedBy    identity.Address
	UsedAt    int64 // ms
}

// RoomSecurity gates redemption on the target room's ban and capacity
// rules and registers the redeemer. The room registry satisfies this.
type RoomSecurity interface {
	CheckRoomSecurity(ctx context.Context, roomID string, address identity.Address) error
	EnsureMember(ctx context.Context, roomID string, user identity.User, invitedBy identity.Address) (rooms.Member, error)
}

// ServiceConfig carries the dependencies for invite issuing and redemption.
type ServiceConfig struct {
	Store    store.Store
	Security RoomSecurity
	Clock    func() time.Time
	Logger   *zap.Logger
	TTL      time.Duration
}

// Service issues and redeems time-boxed, single-use room invites.
type Service struct {
	store    store.Store
	security RoomSecurity
	clock    func() time.Time
	logger   *zap.Logger
	ttl      time.Duration
}

// NewService validates configuration and constructs the invite service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Security == nil {
		return nil, errMissingSecurity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:    cfg.Store,
		security: cfg.Security,
		clock:    clock,
		logger:   logger,
		ttl:      ttl,
	}, nil
}

// Generate issues a fresh single-use invite for the room.
func (s *Service) Generate(ctx context.Context, roomID string, createdBy identity.Address) (string, error) {
	code, err := randomCode(CodeLength)
	if err != nil {
		return "", fmt.Errorf("invites: code generation: %w", err)
	}

	now := s.clock()
	value := store.Value{
		"roomId":    roomID,
		"createdBy": createdBy.String(),
		"createdAt": now.UnixMilli(),
		"expiresAt": now.Add(s.ttl).UnixMilli(),
		"used":      false,
	}
	if err := s.store.Put(ctx, codePath(code), value); err != nil {
		return "", fmt.Errorf("%w: invite %s: %v", store.ErrWriteFailed, code, err)
	}

	s.logger.Info("invite generated",
		zap.String("room_id", roomID),
		zap.String("created_by", createdBy.String()))
	return code, nil
}

// Redeem validates the code's lifecycle, runs the room's ban and capacity
// gate, marks the invite used, and registers the redeemer as a member.
// Redemption by the original redeemer is idempotent. The used check and the
// used write are separate store operations: two racing redeemers can both
// pass the check, which is an accepted over-admission risk of the
// non-transactional store.
func (s *Service) Redeem(ctx context.Context, code string, user identity.User) (string, error) {
	readCtx, cancel := store.ReadContext(ctx)
	value, err := s.store.Once(readCtx, codePath(code))
	cancel()
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", fmt.Errorf("%w: %s", ErrInviteInvalid, code)
	}
	invite := decodeInvite(code, value)

	now := s.clock().UnixMilli()
	if invite.ExpiresAt > 0 && now >= invite.ExpiresAt {
		return "", fmt.Errorf("%w: %s", ErrInviteExpired, code)
	}
	if invite.Used && invite.UsedBy != user.Address {
		return "", fmt.Errorf("%w: %s", ErrInviteAlreadyUsed, code)
	}

	if err := s.security.CheckRoomSecurity(ctx, invite.RoomID, user.Address); err != nil {
		return "", err
	}

	marked := store.Value{
		"used":   true,
		"usedBy": user.Address.String(),
		"usedAt": now,
	}
	if err := s.store.Put(ctx, codePath(code), marked); err != nil {
		return "", fmt.Errorf("%w: invite %s: %v", store.ErrWriteFailed, code, err)
	}

	if _, err := s.security.EnsureMember(ctx, invite.RoomID, user, invite.CreatedBy); err != nil {
		return "", err
	}

	s.logger.Info("invite redeemed",
		zap.String("room_id", invite.RoomID),
		zap.String("redeemer", user.Address.String()))
	return invite.RoomID, nil
}

// Get reads an invite's current state.
func (s *Service) Get(ctx context.Context, code string) (Invite, error) {
	ctx, cancel := store.ReadContext(ctx)
	defer cancel()
	value, err := s.store.Once(ctx, codePath(code))
	if err != nil {
		return Invite{}, err
	}
	if value == nil {
		return Invite{}, fmt.Errorf("%w: %s", ErrInviteInvalid, code)
	}
	return decodeInvite(code, value), nil
}

func codePath(code string) string {
	return store.Join(pathRoot, code)
}

func decodeInvite(code string, value store.Value) Invite {
	invite := Invite{Code: code}
	invite.RoomID, _ = value.String("roomId")
	if createdBy, ok := value.String("createdBy"); ok {
		if address, err := identity.NewAddress(createdBy); err == nil {
			invite.CreatedBy = address
		}
	}
	invite.CreatedAt, _ = value.Int64("createdAt")
	invite.ExpiresAt, _ = value.Int64("expiresAt")
	invite.Used, _ = value.Bool("used")
	if usedBy, ok := value.String("usedBy"); ok {
		if address, err := identity.NewAddress(usedBy); err == nil {
			invite.UsedBy = address
		}
	}
	invite.UsedAt, _ = value.Int64("usedAt")
	return invite
}

func randomCode(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	for i, b := range buffer {
		buffer[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buffer), nil
}
