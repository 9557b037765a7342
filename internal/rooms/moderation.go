package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/store"
	"go.uber.org/zap"
)

var errMissingRegistry = errors.New("rooms: registry is required")

// Announcer posts a system message into a room's message stream. The
// message store satisfies this.
type Announcer interface {
	Announce(ctx context.Context, roomID, text string) error
}

// ModerationConfig carries the dependencies for member lifecycle actions.
type ModerationConfig struct {
	Registry  *Registry
	Announcer Announcer
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Moderation performs kick/ban/promote against a room's member records,
// gated on the acting member's cached permission set.
type Moderation struct {
	registry  *Registry
	announcer Announcer
	clock     func() time.Time
	logger    *zap.Logger
}

// NewModeration validates configuration and constructs the service.
func NewModeration(cfg ModerationConfig) (*Moderation, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Moderation{
		registry:  cfg.Registry,
		announcer: cfg.Announcer,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Kick removes the target's membership record and decrements the member
// count. Requires the actor's kick permission.
func (m *Moderation) Kick(ctx context.Context, roomID string, actor, target identity.Address) error {
	actingMember, err := m.requirePermission(ctx, roomID, actor, func(p PermissionSet) bool { return p.Kick })
	if err != nil {
		return err
	}
	targetMember, err := m.registry.GetMember(ctx, roomID, target)
	if err != nil {
		return err
	}

	if err := m.registry.store.Put(ctx, MemberPath(roomID, target), nil); err != nil {
		return fmt.Errorf("%w: kick %s: %v", store.ErrWriteFailed, target.Short(), err)
	}
	if err := m.registry.adjustMemberCount(ctx, roomID, -1); err != nil {
		m.logger.Warn("member count decrement failed",
			zap.String("room_id", roomID), zap.Error(err))
	}

	m.announce(ctx, roomID, fmt.Sprintf("%s was kicked by %s",
		displayName(targetMember), actingMember.Address.Short()))
	m.logger.Info("member kicked",
		zap.String("room_id", roomID),
		zap.String("actor", actor.String()),
		zap.String("target", target.String()))
	return nil
}

// Ban writes the ban record and then kicks the target. Requires the actor's
// ban permission; the ban record blocks every future join or invite
// redemption for the address.
func (m *Moderation) Ban(ctx context.Context, roomID string, actor, target identity.Address) error {
	actingMember, err := m.requirePermission(ctx, roomID, actor, func(p PermissionSet) bool { return p.Ban })
	if err != nil {
		return err
	}
	targetMember, err := m.registry.GetMember(ctx, roomID, target)
	if err != nil {
		return err
	}

	entry := store.Value{
		"address":  target.String(),
		"bannedAt": m.clock().UnixMilli(),
		"bannedBy": actor.String(),
	}
	if err := m.registry.store.Put(ctx, BannedPath(roomID, target), entry); err != nil {
		return fmt.Errorf("%w: ban %s: %v", store.ErrWriteFailed, target.Short(), err)
	}

	if err := m.registry.store.Put(ctx, MemberPath(roomID, target), nil); err != nil {
		return fmt.Errorf("%w: ban-kick %s: %v", store.ErrWriteFailed, target.Short(), err)
	}
	if err := m.registry.adjustMemberCount(ctx, roomID, -1); err != nil {
		m.logger.Warn("member count decrement failed",
			zap.String("room_id", roomID), zap.Error(err))
	}

	m.announce(ctx, roomID, fmt.Sprintf("%s was banned by %s",
		displayName(targetMember), actingMember.Address.Short()))
	m.logger.Info("member banned",
		zap.String("room_id", roomID),
		zap.String("actor", actor.String()),
		zap.String("target", target.String()))
	return nil
}

// Promote rewrites the target's role to moderator and refreshes the cached
// permission set from the central role table. Requires the actor's moderate
// permission. There is no demotion or admin transfer.
func (m *Moderation) Promote(ctx context.Context, roomID string, actor, target identity.Address) error {
	actingMember, err := m.requirePermission(ctx, roomID, actor, func(p PermissionSet) bool { return p.Moderate })
	if err != nil {
		return err
	}
	targetMember, err := m.registry.GetMember(ctx, roomID, target)
	if err != nil {
		return err
	}

	targetMember.Role = RoleModerator
	targetMember.Permissions = PermissionsForRole(RoleModerator)
	if err := m.registry.store.Put(ctx, MemberPath(roomID, target), encodeMember(targetMember)); err != nil {
		return fmt.Errorf("%w: promote %s: %v", store.ErrWriteFailed, target.Short(), err)
	}

	m.announce(ctx, roomID, fmt.Sprintf("%s was promoted to moderator by %s",
		displayName(targetMember), actingMember.Address.Short()))
	m.logger.Info("member promoted",
		zap.String("room_id", roomID),
		zap.String("actor", actor.String()),
		zap.String("target", target.String()))
	return nil
}

func (m *Moderation) requirePermission(ctx context.Context, roomID string, actor identity.Address, allowed func(PermissionSet) bool) (Member, error) {
	actingMember, err := m.registry.GetMember(ctx, roomID, actor)
	if err != nil {
		return Member{}, err
	}
	if !allowed(actingMember.Permissions) {
		return Member{}, fmt.Errorf("%w: %s in %s", ErrPermissionDenied, actor.Short(), roomID)
	}
	return actingMember, nil
}

// announce posts the system message best-effort: the moderation action has
// already been applied, so a failed announcement is logged and absorbed.
func (m *Moderation) announce(ctx context.Context, roomID, text string) {
	if m.announcer == nil {
		return
	}
	if err := m.announcer.Announce(ctx, roomID, text); err != nil {
		m.logger.Warn("system message failed",
			zap.String("room_id", roomID), zap.Error(err))
	}
}

func displayName(member Member) string {
	if member.Nickname != "" {
		return member.Nickname
	}
	return member.Address.Short()
}
