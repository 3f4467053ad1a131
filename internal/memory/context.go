package memory

import (
	"context"

	"convmem/internal/compress"
	"convmem/internal/store"
)

// messagesPerChunk caps how many of a chunk's newest messages are replayed.
const messagesPerChunk = 5

const summaryPrefix = "Previous conversation summary: "

// ContextEntry is one message in the list handed to a language model.
type ContextEntry struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// contextBudget accumulates entries until the first one that does not fit,
// after which it accepts nothing more.
type contextBudget struct {
	limit   int
	used    int
	full    bool
	entries []ContextEntry
}

func (b *contextBudget) add(entry ContextEntry, tokens int) bool {
	if b.full {
		return false
	}
	if b.used+tokens > b.limit {
		b.full = true
		return false
	}
	b.used += tokens
	b.entries = append(b.entries, entry)
	return true
}

// force appends entry and counts its tokens whether or not they fit.
func (b *contextBudget) force(entry ContextEntry, tokens int) {
	b.used += tokens
	b.entries = append(b.entries, entry)
}

// GetConversationContext assembles the most recent recentChunks chunks and
// all open messages, oldest first, within MaxContextTokens. A chunk with a
// summary contributes one system entry; otherwise its last five messages.
// Summary entries are always emitted and counted against the budget.
// Message truncation is greedy: once one message does not fit, no later
// message is added, even if a shorter one would have fit.
func (m *Manager) GetConversationContext(ctx context.Context, sessionID string, recentChunks int) ([]ContextEntry, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	budget := &contextBudget{limit: m.opts.MaxContextTokens, entries: []ContextEntry{}}

	for _, chunk := range recent(sess.Chunks, recentChunks) {
		if chunk.Summary != "" {
			budget.force(ContextEntry{Role: store.RoleSystem, Content: summaryPrefix + chunk.Summary},
				compress.EstimateTokens(chunk.Summary))
			continue
		}
		messages := chunk.Messages
		if len(messages) > messagesPerChunk {
			messages = messages[len(messages)-messagesPerChunk:]
		}
		for _, msg := range messages {
			if !budget.add(ContextEntry{Role: msg.Role, Content: msg.Content}, msg.TokenCount) {
				break
			}
		}
	}

	for _, msg := range sess.CurrentMessages {
		if !budget.add(ContextEntry{Role: msg.Role, Content: msg.Content}, msg.TokenCount) {
			break
		}
	}

	return budget.entries, nil
}

// recent returns the last n chunks in chronological order; n <= 0 yields none.
func recent(chunks []store.Chunk, n int) []store.Chunk {
	if n <= 0 {
		return nil
	}
	if n >= len(chunks) {
		return chunks
	}
	return chunks[len(chunks)-n:]
}
