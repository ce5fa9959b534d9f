package pipeline

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Greeting opens every new conversation.
const Greeting = "Hello! I can help you analyze this data. What would you like to know?"

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is a conversation owned by the caller. The pipeline never mutates a
// History it is given; it returns an extended copy.
type History []Message

// NewHistory returns a conversation seeded with the assistant greeting.
func NewHistory() History {
	return History{{Role: RoleAssistant, Content: Greeting}}
}

// Append returns a new History with msgs added. h is left untouched even when
// it has spare capacity.
func (h History) Append(msgs ...Message) History {
	out := make(History, len(h), len(h)+len(msgs))
	copy(out, h)
	return append(out, msgs...)
}
