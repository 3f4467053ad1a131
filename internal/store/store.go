package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no state is persisted under the session id. It is
	// never a storage fault.
	ErrNotFound = errors.New("session not found")

	ErrInvalidSessionID = errors.New("invalid session id")
)

// Store persists whole sessions. Every backend implements the same
// contract:
//
//   - SaveSession creates or replaces the full state of one session
//     atomically; readers see either the old or the new state.
//   - LoadSession returns ErrNotFound for unknown ids.
//   - DeleteSession reports whether a session existed and was removed.
//   - ListSessions has no ordering guarantee.
type Store interface {
	SaveSession(ctx context.Context, sess *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
	Close() error
}

func checkSaveable(sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSessionID
	}
	return nil
}
