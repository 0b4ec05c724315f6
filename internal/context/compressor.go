package context

// SimpleCompressor keeps only the last MaxMessages messages.
type SimpleCompressor struct {
	MaxMessages int
}

// Compress truncates messages to the most recent MaxMessages entries.
func (c *SimpleCompressor) Compress(messages []Message) []Message {
	if c.MaxMessages <= 0 || len(messages) <= c.MaxMessages {
		return messages
	}
	return messages[len(messages)-c.MaxMessages:]
}

// TokenBudgetCompressor drops the oldest messages until the remainder fits in
// MaxTokens. A kept window never starts with an assistant turn, so a reply is
// not sent without the question it answered.
type TokenBudgetCompressor struct {
	Counter   *TokenCounter
	MaxTokens int
}

// Compress returns the newest suffix of messages that fits the budget.
func (c *TokenBudgetCompressor) Compress(messages []Message) []Message {
	if c.MaxTokens <= 0 || len(messages) == 0 {
		return messages
	}
	used := replyPrimerTokens
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		n := c.Counter.countMessage(messages[i])
		if used+n > c.MaxTokens {
			break
		}
		used += n
		start = i
	}
	for start < len(messages) && messages[start].Role == RoleAssistant {
		start++
	}
	return messages[start:]
}

// Chain applies compressors in order. Nil entries are skipped.
type Chain []Compressor

// Compress runs every compressor over the output of the previous one.
func (c Chain) Compress(messages []Message) []Message {
	for _, comp := range c {
		if comp == nil {
			continue
		}
		messages = comp.Compress(messages)
	}
	return messages
}
