package context

// StandardAssembler combines system prompt, history, and user message
// into a single ordered message list.
//
// History roles other than user and assistant are rendered as system turns.
// OnCoerce, when set, is called with each such turn before it is rewritten.
type StandardAssembler struct {
	OnCoerce func(Message)
}

// Assemble builds the final message list: system + history + user.
// The history slice is never modified.
func (a *StandardAssembler) Assemble(system string, history []Message, userMsg string) []Message {
	messages := make([]Message, 0, 1+len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	for _, m := range history {
		messages = append(messages, Message{Role: a.mapRole(m), Content: m.Content})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userMsg})
	return messages
}

func (a *StandardAssembler) mapRole(m Message) Role {
	switch m.Role {
	case RoleUser, RoleAssistant:
		return m.Role
	case RoleSystem:
		return RoleSystem
	}
	if a.OnCoerce != nil {
		a.OnCoerce(m)
	}
	return RoleSystem
}
