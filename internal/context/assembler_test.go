package context

import "testing"

func TestStandardAssembler_Assemble(t *testing.T) {
	a := &StandardAssembler{}
	history := []Message{
		{Role: RoleUser, Content: "prev question"},
		{Role: RoleAssistant, Content: "prev answer"},
	}
	result := a.Assemble("You are a bot.", history, "new question")

	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}

	if result[0].Role != RoleSystem || result[0].Content != "You are a bot." {
		t.Errorf("unexpected system message: %+v", result[0])
	}
	if result[1].Role != RoleUser || result[1].Content != "prev question" {
		t.Errorf("unexpected history[0]: %+v", result[1])
	}
	if result[2].Role != RoleAssistant || result[2].Content != "prev answer" {
		t.Errorf("unexpected history[1]: %+v", result[2])
	}
	if result[3].Role != RoleUser || result[3].Content != "new question" {
		t.Errorf("unexpected user message: %+v", result[3])
	}
}

func TestStandardAssembler_EmptyHistory(t *testing.T) {
	a := &StandardAssembler{}
	result := a.Assemble("system", nil, "hello")

	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].Role != RoleSystem {
		t.Errorf("expected system role, got %q", result[0].Role)
	}
	if result[1].Role != RoleUser || result[1].Content != "hello" {
		t.Errorf("unexpected user message: %+v", result[1])
	}
}

func TestStandardAssembler_UnknownRoleBecomesSystem(t *testing.T) {
	var coerced []Message
	a := &StandardAssembler{OnCoerce: func(m Message) { coerced = append(coerced, m) }}
	history := []Message{
		{Role: RoleUser, Content: "q"},
		{Role: "tool", Content: "tool output"},
		{Role: RoleAssistant, Content: "a"},
	}
	result := a.Assemble("sys", history, "next")

	if len(result) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(result))
	}
	if result[2].Role != RoleSystem || result[2].Content != "tool output" {
		t.Fatalf("expected tool turn rendered as system, got %+v", result[2])
	}
	if len(coerced) != 1 || coerced[0].Role != "tool" {
		t.Fatalf("expected one coercion report, got %+v", coerced)
	}
}

func TestStandardAssembler_DoesNotMutateHistory(t *testing.T) {
	a := &StandardAssembler{}
	history := []Message{{Role: "tool", Content: "x"}}
	_ = a.Assemble("sys", history, "u")

	if history[0].Role != "tool" {
		t.Fatalf("history mutated: %+v", history[0])
	}
	if len(history) != 1 {
		t.Fatalf("history length changed: %d", len(history))
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"system", "user", "assistant"} {
		if r, ok := ParseRole(s); !ok || string(r) != s {
			t.Errorf("ParseRole(%q) = %q, %v", s, r, ok)
		}
	}
	if _, ok := ParseRole("tool"); ok {
		t.Error("expected tool to be rejected")
	}
}
