// Package memory keeps per-session chat history bounded by token budgets.
//
// Every append loads the whole session, runs the chunking pass, and saves
// the session back. When the open message list grows past the per-chunk
// budget, everything but the newest message is sealed into an immutable
// chunk. Reads assemble recent chunks plus the open messages into a list
// that fits the context budget, dropping the oldest content first.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"convmem/internal/clock"
	"convmem/internal/compress"
	"convmem/internal/store"
)

const (
	DefaultMaxTokensPerChunk = 2000
	DefaultMaxContextTokens  = 4000
	DefaultSessionTimeout    = 24 * time.Hour
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRole     = errors.New("invalid role")
)

type Options struct {
	// MaxTokensPerChunk is the open-message budget that triggers sealing.
	MaxTokensPerChunk int
	// MaxContextTokens bounds the list built by GetConversationContext.
	MaxContextTokens int
	// SessionTimeout is the idle time after which the sweep deletes a session.
	SessionTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
	// NewID generates session and chunk ids. Defaults to random UUIDs.
	NewID func() string
}

// Manager is the conversation memory orchestrator. Writes to one session
// are serialized in-process; reads take no lock and rely on the store's
// atomic saves.
type Manager struct {
	store store.Store
	opts  Options
	locks *sessionLocks
}

func NewManager(st store.Store, opts Options) *Manager {
	if opts.MaxTokensPerChunk <= 0 {
		opts.MaxTokensPerChunk = DefaultMaxTokensPerChunk
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = DefaultMaxContextTokens
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{store: st, opts: opts, locks: newSessionLocks()}
}

// Options returns the effective options after defaults were applied.
func (m *Manager) Options() Options { return m.opts }

// CreateSession persists a new empty session and returns its id.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	id := m.opts.NewID()
	sess := store.NewSession(id, m.opts.Clock.Now())
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	m.opts.Logger.Debug("session created", "session", id)
	return id, nil
}

// AddMessage appends one message to an existing session and runs the
// chunking pass. It never creates a session.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, role store.Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}

	now := m.opts.Clock.Now()
	message := store.Message{
		Role:       role,
		Content:    content,
		Timestamp:  now,
		TokenCount: compress.EstimateTokens(content),
	}
	sess.CurrentMessages = append(sess.CurrentMessages, message)

	if chunk, ok := m.sealChunk(sess, now); ok {
		m.opts.Logger.Debug("chunk sealed",
			"session", sessionID,
			"chunk", chunk.ChunkID,
			"messages", len(chunk.Messages),
			"tokens", chunk.TotalTokens,
		)
	}

	sess.LastActivity = now
	sess.TotalMessages++

	if err := m.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// sealChunk moves every open message except the newest into a new chunk
// when the open total exceeds the chunk budget. A lone oversized message
// stays open; it is sealed by the next append.
func (m *Manager) sealChunk(sess *store.Session, now time.Time) (store.Chunk, bool) {
	open := sess.CurrentMessages
	if len(open) < 2 || store.SumTokens(open) <= m.opts.MaxTokensPerChunk {
		return store.Chunk{}, false
	}

	last := len(open) - 1
	sealed := make([]store.Message, last)
	copy(sealed, open[:last])
	chunk := store.Chunk{
		ChunkID:     m.opts.NewID(),
		Messages:    sealed,
		TotalTokens: store.SumTokens(sealed),
		CreatedAt:   now,
	}
	sess.Chunks = append(sess.Chunks, chunk)
	sess.CurrentMessages = []store.Message{open[last]}
	return chunk, true
}

// DeleteSession removes a session, reporting whether it existed.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	existed, err := m.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return existed, nil
}

func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// load maps the store's absent result to ErrSessionNotFound and wraps
// everything else as a storage fault.
func (m *Manager) load(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := m.store.LoadSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return sess, nil
}
