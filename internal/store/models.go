package store

import (
	"time"

	"convmem/internal/compress"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem only appears in assembled context, never in stored history.
	RoleSystem Role = "system"
)

// Valid reports whether r may be appended to a session.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one turn. TokenCount is estimated once at creation and
// carried with the content from then on.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokenCount int       `json:"token_count"`
}

// Chunk is a sealed batch of older messages. TotalTokens is the sum of the
// messages' TokenCount at seal time.
type Chunk struct {
	ChunkID     string    `json:"chunk_id"`
	Messages    []Message `json:"messages"`
	TotalTokens int       `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	Summary     string    `json:"summary,omitempty"`
}

type Session struct {
	ID              string    `json:"session_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	Chunks          []Chunk   `json:"chunks"`
	CurrentMessages []Message `json:"current_messages"`
	TotalMessages   int       `json:"total_messages"`
}

// NewSession returns an empty session created at now.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:              id,
		CreatedAt:       now,
		LastActivity:    now,
		Chunks:          []Chunk{},
		CurrentMessages: []Message{},
	}
}

// EstimatedTokens sums every chunk's recorded total and a fresh estimate
// over the open messages' content.
func (s *Session) EstimatedTokens() int {
	total := 0
	for _, c := range s.Chunks {
		total += c.TotalTokens
	}
	for _, m := range s.CurrentMessages {
		total += compress.EstimateTokens(m.Content)
	}
	return total
}

// SumTokens adds up the stored token counts of messages.
func SumTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += m.TokenCount
	}
	return total
}
