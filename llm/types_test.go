package llm

import (
	"strings"
	"testing"
)

func TestWindowMessagesKeepsRecent(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: strings.Repeat("a", 400)},      // ~101 tokens
		{Role: RoleAssistant, Content: strings.Repeat("b", 400)}, // ~101 tokens
		{Role: RoleUser, Content: strings.Repeat("c", 400)},      // ~101 tokens
	}

	windowed := WindowMessages(msgs, 220)
	if len(windowed) != 2 {
		t.Fatalf("got %d messages, want 2", len(windowed))
	}
	if windowed[0].Role != RoleAssistant || windowed[1].Role != RoleUser {
		t.Error("expected the two most recent messages in original order")
	}
}

func TestWindowMessagesPreservesSystemPrompt(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "be helpful"},
		{Role: RoleUser, Content: strings.Repeat("a", 4000)},
		{Role: RoleUser, Content: "latest"},
	}

	windowed := WindowMessages(msgs, 50)
	if len(windowed) != 2 {
		t.Fatalf("got %d messages, want 2", len(windowed))
	}
	if windowed[0].Role != RoleSystem {
		t.Error("system prompt must survive windowing")
	}
	if windowed[1].Content != "latest" {
		t.Error("most recent message must survive windowing")
	}
}

func TestWindowMessagesAlwaysKeepsLast(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: strings.Repeat("x", 10000)}}
	windowed := WindowMessages(msgs, 10)
	if len(windowed) != 1 {
		t.Fatal("final message must never be dropped")
	}
}

func TestWindowMessagesZeroBudget(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}
	if got := WindowMessages(msgs, 0); len(got) != len(msgs) {
		t.Error("zero budget must disable windowing")
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("empty text should cost nothing")
	}
	if EstimateTokens("hello world") < 1 {
		t.Error("non-empty text should cost at least one token")
	}
}
