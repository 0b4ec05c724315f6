package context

// Role tags a turn with its speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole reports whether s names one of the known roles.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant:
		return Role(s), true
	default:
		return "", false
	}
}

// Message is one role-tagged turn. It is the unit stored in history and the
// unit sent to model providers.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
