package context

import "testing"

func TestTokenCounter_NilFallsBackToEstimate(t *testing.T) {
	var c *TokenCounter
	if got := c.Count(""); got != 0 {
		t.Fatalf("expected 0 for empty text, got %d", got)
	}
	if got := c.Count("abcde"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	// Estimates count runes, not bytes.
	if got := c.Count("你好你好"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestTokenCounter_CountMessages(t *testing.T) {
	c := &TokenCounter{}
	if got := c.CountMessages(nil); got != 0 {
		t.Fatalf("expected 0 for no messages, got %d", got)
	}
	msgs := []Message{{Role: RoleUser, Content: "abcd"}}
	// 4 overhead + 1 content + 1 role + 3 primer
	if got := c.CountMessages(msgs); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
}
