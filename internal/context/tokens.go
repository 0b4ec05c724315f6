package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE used when none is configured.
const DefaultEncoding = "cl100k_base"

// TokenCounter counts prompt tokens with a tiktoken encoding. A nil counter,
// or one without an encoding, falls back to a four-characters-per-token
// estimate.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter loads the named encoding. Loading may fetch the BPE file on
// first use, so callers usually keep the estimate when this fails.
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	tkm, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load token encoding %s: %w", encoding, err)
	}
	return &TokenCounter{encoding: tkm}, nil
}

// Count returns the token count of a single text.
func (c *TokenCounter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return estimateTokens(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages returns the token count of a message list including the
// per-message role overhead (about 4 tokens) and the reply primer (3 tokens).
func (c *TokenCounter) CountMessages(messages []Message) int {
	if len(messages) == 0 {
		return 0
	}
	tokens := replyPrimerTokens
	for _, m := range messages {
		tokens += c.countMessage(m)
	}
	return tokens
}

const replyPrimerTokens = 3

func (c *TokenCounter) countMessage(m Message) int {
	return 4 + c.Count(m.Content) + c.Count(string(m.Role))
}

func estimateTokens(text string) int {
	chars := len([]rune(text))
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
