package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convmem/internal/store"
)

// CleanupExpiredSessions deletes every session whose last activity is
// strictly before now minus SessionTimeout and returns how many were
// removed. A session that cannot be loaded, or has no last activity, is
// logged and skipped. Failed deletes do not stop the sweep; they are
// returned together after it finishes.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ids, err := m.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := m.opts.Clock.Now().Add(-m.opts.SessionTimeout)
	removed := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		deleted, err := m.expire(ctx, id, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			removed++
		}
	}

	if removed > 0 {
		m.opts.Logger.Info("expired sessions removed", "count", removed)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) expire(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	sess, err := m.store.LoadSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		m.opts.Logger.Warn("skipping unreadable session during sweep", "session", id, "error", err)
		return false, nil
	}
	if sess.LastActivity.IsZero() {
		m.opts.Logger.Warn("skipping session without last activity", "session", id)
		return false, nil
	}
	if !sess.LastActivity.Before(cutoff) {
		return false, nil
	}

	deleted, err := m.store.DeleteSession(ctx, id)
	if err != nil {
		m.opts.Logger.Error("failed to delete expired session", "session", id, "error", err)
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	return deleted, nil
}
