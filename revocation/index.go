// Package revocation tracks which application tokens were minted under which
// upstream session, and which of them have been revoked.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Index maps upstream session ids to the token ids minted under them and answers
// whether a token id has been revoked. Implementations are safe for concurrent use.
type Index interface {
	// Link records jti under sid. expiresAt is the token expiry and bounds how long
	// the entry is retained; the zero time means no known expiry. Empty sid is a no-op.
	Link(ctx context.Context, sid, jti string, expiresAt time.Time) error
	// RevokeBySID revokes every jti linked to sid and forgets the sid. It returns the
	// number of newly revoked tokens. Unknown sids are not an error.
	RevokeBySID(ctx context.Context, sid string) (int, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Close() error
}

// Sweeper is implemented by backends that need periodic removal of expired entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Options configures Open.
type Options struct {
	Backend string
	Redis   RedisOptions
	SQLite  SQLiteOptions
}

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// SQLiteOptions configures the sqlite backend.
type SQLiteOptions struct {
	Path string
}

// Open builds the index selected by opts.Backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Index, error) {
	switch opts.Backend {
	case "", BackendMemory:
		logger.Info("revocation index ready", "backend", BackendMemory)
		return NewMemoryIndex(), nil
	case BackendRedis:
		idx, err := NewRedisIndex(ctx, opts.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("revocation index ready", "backend", BackendRedis, "addr", opts.Redis.Addr)
		return idx, nil
	case BackendSQLite:
		idx, err := NewSQLiteIndex(ctx, opts.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("revocation index ready", "backend", BackendSQLite, "path", opts.SQLite.Path)
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown revocation backend %q", opts.Backend)
	}
}

// StartSweeper runs idx.Sweep every interval until stop is closed. It does nothing
// when idx does not implement Sweeper or interval is not positive.
func StartSweeper(idx Index, interval time.Duration, logger *slog.Logger, stop <-chan struct{}) {
	sweeper, ok := idx.(Sweeper)
	if !ok || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := sweeper.Sweep(context.Background())
				if err != nil {
					logger.Error("revocation sweep", "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("revocation sweep", "removed", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

var errEmptyJTI = errors.New("jti required")
