package memory

import (
	"context"
	"time"
)

// SessionInfo is a read-only snapshot of a session's counters.
type SessionInfo struct {
	SessionID            string    `json:"session_id"`
	CreatedAt            time.Time `json:"created_at"`
	LastActivity         time.Time `json:"last_activity"`
	TotalMessages        int       `json:"total_messages"`
	TotalChunks          int       `json:"total_chunks"`
	CurrentMessagesCount int       `json:"current_messages_count"`
	EstimatedTotalTokens int       `json:"estimated_total_tokens"`
}

// GetSessionInfo reports counters for a session. The token estimate sums
// the chunks' recorded totals and re-estimates the open messages from
// their content.
func (m *Manager) GetSessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{
		SessionID:            sess.ID,
		CreatedAt:            sess.CreatedAt,
		LastActivity:         sess.LastActivity,
		TotalMessages:        sess.TotalMessages,
		TotalChunks:          len(sess.Chunks),
		CurrentMessagesCount: len(sess.CurrentMessages),
		EstimatedTotalTokens: sess.EstimatedTokens(),
	}, nil
}
