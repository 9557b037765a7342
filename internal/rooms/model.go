package rooms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/store"
)

const (
	// pathRoot anchors all room state in the shared store.
	pathRoot = "chatrooms"

	roomIDMinLength = 2
	roomIDMaxLength = 32
)

var (
	// ErrInvalidRoomName indicates the name normalises to an unusable id.
	ErrInvalidRoomName = errors.New("rooms: invalid room name")
	// ErrRoomExists indicates the derived room id collides with an existing room.
	ErrRoomExists = errors.New("rooms: room already exists")
	// ErrRoomNotFound indicates no room metadata exists for the id.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrMemberNotFound indicates the address holds no member record in the room.
	ErrMemberNotFound = errors.New("rooms: member not found")
	// ErrPermissionDenied indicates the acting member lacks the required permission.
	ErrPermissionDenied = errors.New("rooms: permission denied")
	// ErrRoomFull indicates the room is at its member capacity.
	ErrRoomFull = errors.New("rooms: room is full")
	// ErrBanned indicates the address is banned from the room.
	ErrBanned = errors.New("rooms: address is banned from this room")
	// ErrHomeRoom indicates an attempt to leave the designated home room.
	ErrHomeRoom = errors.New("rooms: cannot leave the home room")
)

// Room is the metadata record for one chat room. Fields converge
// independently in the store, so a freshly replicated Room may be missing
// some of them; Complete reports when enough has arrived to act on.
type Room struct {
	ID          string
	Name        string
	Creator     identity.Address
	CreatedAt   int64 // ms, creator clock
	IsPrivate   bool
	MemberCount int
	MaxMembers  int
}

// Complete reports whether the identifying fields have converged.
func (r Room) Complete() bool {
	return r.ID != "" && r.Name != "" && r.Creator != ""
}

// Member is one (room, address) membership record. Permissions are a cached
// projection of the role, refreshed on promotion.
type Member struct {
	RoomID      string
	Address     identity.Address
	Nickname    string
	JoinedAt    int64 // ms
	Role        Role
	Permissions PermissionSet
	InvitedBy   identity.Address
	IsOnline    bool
}

// BannedEntry marks an address as barred from joining or posting in a room.
type BannedEntry struct {
	RoomID   string
	Address  identity.Address
	BannedAt int64 // ms
	BannedBy identity.Address
}

// DeriveRoomID projects a display name onto the normalised room id:
// lowercase, alphanumerics only, bounded length.
func DeriveRoomID(name string) (string, error) {
	var builder strings.Builder
	for _, character := range strings.ToLower(name) {
		if (character >= 'a' && character <= 'z') || (character >= '0' && character <= '9') {
			builder.WriteRune(character)
		}
	}
	id := builder.String()
	if len(id) > roomIDMaxLength {
		id = id[:roomIDMaxLength]
	}
	if len(id) < roomIDMinLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}
	return id, nil
}

// InfoPath addresses a room's metadata node.
func InfoPath(roomID string) string {
	return store.Join(pathRoot, roomID, "info")
}

// MembersPath addresses the parent node of a room's member records.
func MembersPath(roomID string) string {
	return store.Join(pathRoot, roomID, "users")
}

// MemberPath addresses one member record.
func MemberPath(roomID string, address identity.Address) string {
	return store.Join(pathRoot, roomID, "users", address.String())
}

// BannedPath addresses one ban record.
func BannedPath(roomID string, address identity.Address) string {
	return store.Join(pathRoot, roomID, "banned", address.String())
}

// MessagesPath addresses the parent node of a room's messages.
func MessagesPath(roomID string) string {
	return store.Join(pathRoot, roomID, "messages")
}

func decodeRoom(roomID string, value store.Value, defaultMaxMembers int) Room {
	room := Room{ID: roomID, MaxMembers: defaultMaxMembers}
	if name, ok := value.String("name"); ok {
		room.Name = name
	}
	if creator, ok := value.String("creator"); ok {
		if address, err := identity.NewAddress(creator); err == nil {
			room.Creator = address
		}
	}
	if created, ok := value.Int64("created"); ok {
		room.CreatedAt = created
	}
	if isPrivate, ok := value.Bool("isPrivate"); ok {
		room.IsPrivate = isPrivate
	}
	if count, ok := value.Int64("memberCount"); ok {
		room.MemberCount = int(count)
	}
	if capacity, ok := value.Int64("maxMembers"); ok && capacity > 0 {
		room.MaxMembers = int(capacity)
	}
	return room
}

func decodeMember(roomID string, value store.Value) (Member, bool) {
	rawAddress, ok := value.String("address")
	if !ok {
		return Member{}, false
	}
	address, err := identity.NewAddress(rawAddress)
	if err != nil {
		return Member{}, false
	}

	member := Member{RoomID: roomID, Address: address}
	if nickname, ok := value.String("nickname"); ok {
		member.Nickname = nickname
	}
	if joinedAt, ok := value.Int64("joinedAt"); ok {
		member.JoinedAt = joinedAt
	}
	if role, ok := value.String("role"); ok {
		member.Role = ParseRole(role)
	} else {
		member.Role = RoleMember
	}
	member.Permissions = decodePermissions(value)
	if invitedBy, ok := value.String("invitedBy"); ok {
		if inviter, err := identity.NewAddress(invitedBy); err == nil {
			member.InvitedBy = inviter
		}
	}
	if isOnline, ok := value.Bool("isOnline"); ok {
		member.IsOnline = isOnline
	}
	return member, true
}

func decodePermissions(value store.Value) PermissionSet {
	var permissions PermissionSet
	permissions.Kick, _ = value.Bool("canKick")
	permissions.Ban, _ = value.Bool("canBan")
	permissions.Invite, _ = value.Bool("canInvite")
	permissions.Moderate, _ = value.Bool("canModerate")
	permissions.DeleteMessages, _ = value.Bool("canDeleteMessages")
	return permissions
}

func encodeMember(member Member) store.Value {
	value := store.Value{
		"address":           member.Address.String(),
		"nickname":          member.Nickname,
		"joinedAt":          member.JoinedAt,
		"role":              string(member.Role),
		"isOnline":          member.IsOnline,
		"canKick":           member.Permissions.Kick,
		"canBan":            member.Permissions.Ban,
		"canInvite":         member.Permissions.Invite,
		"canModerate":       member.Permissions.Moderate,
		"canDeleteMessages": member.Permissions.DeleteMessages,
	}
	if member.InvitedBy != "" {
		value["invitedBy"] = member.InvitedBy.String()
	}
	return value
}
