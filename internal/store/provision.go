package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQL    = "sql"
)

const (
	defaultProvisionAttempts = 5
	defaultProvisionBackoff  = 10 * time.Second
)

// ProvisionConfig names the backend to build and how hard to try.
type ProvisionConfig struct {
	Backend string

	// Dir and Compress configure the file backend.
	Dir      string
	Compress bool

	SQL SQLConfig

	// Attempts bounds how many times opening the backend is tried.
	// Zero means 5.
	Attempts int
	// Backoff is the wait between attempts. Zero means 10s; negative
	// means no wait.
	Backoff time.Duration

	Logger *slog.Logger
}

// Provision opens the configured backend, creating its directory or
// schema, retrying failed attempts with a fixed backoff. It runs once at
// startup, before the memory manager is built.
func Provision(ctx context.Context, cfg ProvisionConfig) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, BackendFile, BackendSQL:
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultProvisionAttempts
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = defaultProvisionBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		st, err := open(ctx, cfg)
		if err == nil {
			logger.Debug("storage provisioned", "backend", cfg.Backend, "attempt", attempt)
			return st, nil
		}
		lastErr = err
		logger.Warn("storage provisioning failed",
			"backend", cfg.Backend,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt == attempts {
			break
		}
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("provision %s storage: %w", cfg.Backend, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return nil, fmt.Errorf("provision %s storage after %d attempts: %w", cfg.Backend, attempts, lastErr)
}

func open(ctx context.Context, cfg ProvisionConfig) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Dir, FileOptions{Compress: cfg.Compress})
	case BackendSQL:
		return OpenSQL(ctx, cfg.SQL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
