package rooms

// Role enumerates the member roles recognised inside a room.
type Role string

const (
	// RoleAdmin is held by the room creator.
	RoleAdmin Role = "admin"
	// RoleModerator is granted through promotion.
	RoleModerator Role = "moderator"
	// RoleMember is the default for joined users.
	RoleMember Role = "member"
)

// PermissionSet is the concrete capability grant attached to a member
// record. It is a denormalised cache of the role table below: records keep
// working through partial propagation, at the cost of an explicit refresh on
// every role change.
type PermissionSet struct {
	Kick           bool `json:"kick"`
	Ban            bool `json:"ban"`
	Invite         bool `json:"invite"`
	Moderate       bool `json:"moderate"`
	DeleteMessages bool `json:"deleteMessages"`
}

// rolePermissions is the single source of truth for role capabilities.
// Member records must never carry a hand-edited set.
var rolePermissions = map[Role]PermissionSet{
	RoleAdmin:     {Kick: true, Ban: true, Invite: true, Moderate: true, DeleteMessages: true},
	RoleModerator: {Kick: true, Ban: false, Invite: true, Moderate: false, DeleteMessages: true},
	RoleMember:    {},
}

// PermissionsForRole returns the canonical permission set for a role.
// Unknown roles degrade to the empty member set.
func PermissionsForRole(role Role) PermissionSet {
	return rolePermissions[role]
}

// ParseRole maps stored role strings onto known roles, defaulting to member.
func ParseRole(value string) Role {
	switch Role(value) {
	case RoleAdmin:
		return RoleAdmin
	case RoleModerator:
		return RoleModerator
	default:
		return RoleMember
	}
}
