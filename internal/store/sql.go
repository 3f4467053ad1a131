package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"convmem/internal/compress"
)

// SQLStore persists sessions across three tables: one row per session,
// one per sealed chunk (messages as a JSON blob), one per open message.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQL connects to the configured database and creates the schema if
// it does not exist yet.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	if d.name == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d.singleConn {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// positionTables lack the position column when the earlier service
// created them.
var positionTables = []string{"conversation_chunks", "current_messages"}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, table := range positionTables {
		var n int
		if err := s.db.QueryRowContext(ctx, s.dialect.columnExists, table, "position").Scan(&n); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if n > 0 {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN position %s NOT NULL DEFAULT 0", table, s.dialect.intType)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add position to %s: %w", table, err)
		}
	}
	return nil
}

// SaveSession replaces the session row and re-inserts every chunk and open
// message in one transaction.
func (s *SQLStore) SaveSession(ctx context.Context, sess *Session) (err error) {
	if err := checkSaveable(sess); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", sess.ID, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, s.dialect.upsertSession,
		sess.ID, s.formatTime(sess.CreatedAt), s.formatTime(sess.LastActivity),
		sess.TotalMessages, len(sess.Chunks), len(sess.CurrentMessages), sess.EstimatedTokens(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM conversation_chunks WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("clear chunks %s: %w", sess.ID, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM current_messages WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("clear messages %s: %w", sess.ID, err)
	}

	for i, c := range sess.Chunks {
		blob, mErr := json.Marshal(c.Messages)
		if mErr != nil {
			err = mErr
			return fmt.Errorf("encode chunk %s: %w", c.ChunkID, err)
		}
		var summary any
		if c.Summary != "" {
			summary = c.Summary
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO conversation_chunks (chunk_id, session_id, position, messages, total_tokens, created_at, summary) VALUES (?, ?, ?, ?, ?, ?, ?)",
			c.ChunkID, sess.ID, i, string(blob), c.TotalTokens, s.formatTime(c.CreatedAt), summary,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
		}
	}

	for i, m := range sess.CurrentMessages {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO current_messages (session_id, position, role, content, timestamp, token_count) VALUES (?, ?, ?, ?, ?, ?)",
			sess.ID, i, string(m.Role), m.Content, s.formatTime(m.Timestamp), m.TokenCount,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", sess.ID, err)
	}
	return nil
}

// LoadSession reads the session inside one transaction so it never mixes
// rows from two saves.
func (s *SQLStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin load %s: %w", id, err)
	}
	defer tx.Rollback()

	var (
		sess                    Session
		createdAt, lastActivity string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT session_id, created_at, last_activity, total_messages FROM conversation_sessions WHERE session_id = ?", id,
	).Scan(&sess.ID, &createdAt, &lastActivity, &sess.TotalMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sess.CreatedAt, err = ParseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("session %s created_at: %w", id, err)
	}
	if sess.LastActivity, err = ParseTimestamp(lastActivity); err != nil {
		return nil, fmt.Errorf("session %s last_activity: %w", id, err)
	}

	if sess.Chunks, err = loadChunks(ctx, tx, id); err != nil {
		return nil, err
	}
	if sess.CurrentMessages, err = loadCurrentMessages(ctx, tx, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit load %s: %w", id, err)
	}
	return &sess, nil
}

func loadChunks(ctx context.Context, tx *sql.Tx, sessionID string) ([]Chunk, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT chunk_id, messages, total_tokens, created_at, summary FROM conversation_chunks WHERE session_id = ? ORDER BY created_at, position",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load chunks %s: %w", sessionID, err)
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var (
			c         Chunk
			blob      string
			createdAt string
			total     sql.NullInt64
			summary   sql.NullString
		)
		if err := rows.Scan(&c.ChunkID, &blob, &total, &createdAt, &summary); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &c.Messages); err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", c.ChunkID, err)
		}
		c.TotalTokens = int(total.Int64)
		if !total.Valid {
			c.TotalTokens = SumTokens(c.Messages)
		}
		if c.CreatedAt, err = ParseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("chunk %s created_at: %w", c.ChunkID, err)
		}
		c.Summary = summary.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func loadCurrentMessages(ctx context.Context, tx *sql.Tx, sessionID string) ([]Message, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT role, content, timestamp, token_count FROM current_messages WHERE session_id = ? ORDER BY timestamp, position",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", sessionID, err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m         Message
			role      string
			timestamp string
			tokens    sql.NullInt64
		)
		if err := rows.Scan(&role, &m.Content, &timestamp, &tokens); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.TokenCount = int(tokens.Int64)
		if !tokens.Valid {
			m.TokenCount = compress.EstimateTokens(m.Content)
		}
		if m.Timestamp, err = ParseTimestamp(timestamp); err != nil {
			return nil, fmt.Errorf("message timestamp: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) (existed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete %s: %w", id, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM current_messages WHERE session_id = ?", id); err != nil {
		return false, fmt.Errorf("delete messages %s: %w", id, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM conversation_chunks WHERE session_id = ?", id); err != nil {
		return false, fmt.Errorf("delete chunks %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversation_sessions WHERE session_id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM conversation_sessions")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) formatTime(t time.Time) string {
	return t.UTC().Format(s.dialect.timeLayout)
}

