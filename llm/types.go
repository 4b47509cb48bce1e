package llm

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single provider-neutral chat message.
type Message struct {
	Role    Role
	Content string
}

// Request is a chat-completion request to the provider gateway.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64 // Optional sampling temperature override

	// TokenBudget bounds the message history sent to the provider. Zero
	// means no windowing.
	TokenBudget int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a normalized chat-completion response.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// ChunkFunc receives one text fragment as it arrives on a streaming response.
// Fragments are delivered synchronously in arrival order; implementations must
// be fast and non-blocking because they run on the transport goroutine.
type ChunkFunc func(fragment string)

// Gateway is the stateless transport to the remote chat-completions API.
//
// Send performs a single blocking round trip. Stream opens a long-lived
// connection, pushes incremental fragments through onChunk, and returns the
// assembled final response once the provider signals completion. Both honor
// context cancellation promptly and never retry internally.
type Gateway interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request, onChunk ChunkFunc) (*Response, error)
}

// EstimateTokens gives a rough token count for text when the provider has not
// reported usage. Roughly four characters per token for English text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// WindowMessages trims history to fit an estimated token budget, keeping the
// most recent messages. A leading system message is always preserved, as is
// the final message even if it alone exceeds the budget.
func WindowMessages(messages []Message, budget int) []Message {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}

	var system *Message
	rest := messages
	if messages[0].Role == RoleSystem {
		system = &messages[0]
		rest = messages[1:]
		budget -= EstimateTokens(system.Content)
	}

	// Walk backwards accumulating cost until the budget runs out.
	start := len(rest)
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := EstimateTokens(rest[i].Content)
		if used+cost > budget && start < len(rest) {
			break
		}
		used += cost
		start = i
	}

	windowed := rest[start:]
	if system == nil {
		return windowed
	}
	out := make([]Message, 0, len(windowed)+1)
	out = append(out, *system)
	return append(out, windowed...)
}
