// Package conversations owns the persisted conversation model and its
// file-backed store: append-only conversations written atomically with a
// checksum envelope, an archive directory for aged-out conversations, and a
// scheduled retention sweeper.
package conversations

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MaxContentLength is the maximum message content length in characters.
const MaxContentLength = 2000

// Message roles. These mirror the provider roles; anything else is rejected
// at validation time.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single immutable conversation entry. Once persisted it is
// never edited in place; conversations grow only by appending.
type Message struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model,omitempty"`
	TokenCount   int       `json:"token_count,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// Conversation is the unit of persistence: an ordered message sequence plus
// bookkeeping. TotalTokens is always the sum of message token counts.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Messages    []Message `json:"messages"`
	ModelUsed   string    `json:"model_used,omitempty"`
	TotalTokens int       `json:"total_tokens"`
	Tags        []string  `json:"tags,omitempty"`
}

// New creates an empty conversation. The id may be caller-supplied (the
// client names conversations before the first message) or blank for a fresh
// uuid.
func New(id, title string) *Conversation {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message and updates the derived fields. Historical messages
// are never modified.
func (c *Conversation) Append(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.Messages = append(c.Messages, msg)
	c.TotalTokens = lo.SumBy(c.Messages, func(m Message) int { return m.TokenCount })
	if msg.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = msg.Timestamp
	}
}

// Validate checks the invariants that must hold before a conversation touches
// disk. Invalid conversations are rejected with a *ValidationError.
func (c *Conversation) Validate() error {
	if c == nil {
		return &ValidationError{Field: "conversation", Reason: "nil conversation"}
	}
	if c.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing"}
	}
	if c.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Reason: "missing"}
	}
	if c.UpdatedAt.Before(c.CreatedAt) {
		return &ValidationError{Field: "updated_at", Reason: "precedes created_at"}
	}
	if len(c.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "conversation is empty"}
	}
	total := 0
	for i, msg := range c.Messages {
		if msg.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].id", i), Reason: "missing"}
		}
		switch msg.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("unknown role %q", msg.Role)}
		}
		if msg.Content == "" {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Reason: "empty"}
		}
		if utf8.RuneCountInString(msg.Content) > MaxContentLength {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Reason: fmt.Sprintf("exceeds %d characters", MaxContentLength)}
		}
		total += msg.TokenCount
	}
	if c.TotalTokens != total {
		return &ValidationError{Field: "total_tokens", Reason: "does not match message token counts"}
	}
	return nil
}

// Sanitize normalizes user-supplied content before it becomes a Message:
// control characters other than newline and tab are stripped, surrounding
// whitespace trimmed.
func Sanitize(content string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)
	return strings.TrimSpace(cleaned)
}
