package roles

type Role string
type Action string

const (
	RoleDirector Role = "DIRECTOR"
	RoleLeader1  Role = "LEADER_1"
	RoleLeader2  Role = "LEADER_2"
	RoleLeader3  Role = "LEADER_3"
	RoleRank     Role = "RANK"
)

const (
	ActionChat    Action = "chat"
	ActionArchive Action = "archive"
	ActionSearch  Action = "search"
	ActionOversee Action = "oversee"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleDirector:
		return true
	case RoleLeader1, RoleLeader2, RoleLeader3:
		return action == ActionChat || action == ActionArchive || action == ActionSearch
	case RoleRank:
		return action == ActionChat
	default:
		return false
	}
}

func IsLeader(role Role) bool {
	return role == RoleLeader1 || role == RoleLeader2 || role == RoleLeader3
}

// Normalize maps unknown role strings to the least-privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleDirector, RoleLeader1, RoleLeader2, RoleLeader3, RoleRank:
		return Role(role)
	default:
		return RoleRank
	}
}

// Valid reports whether role is one of the known role strings, without the
// downgrade Normalize applies.
func Valid(role string) bool {
	switch Role(role) {
	case RoleDirector, RoleLeader1, RoleLeader2, RoleLeader3, RoleRank:
		return true
	default:
		return false
	}
}
