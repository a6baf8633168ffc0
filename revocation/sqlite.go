package revocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// SQLiteIndex persists the index in a local database file so revocations survive a
// restart of a single broker, or are shared by brokers on one host.
type SQLiteIndex struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewSQLiteIndex opens (creating if needed) the database at path.
func NewSQLiteIndex(ctx context.Context, path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &SQLiteIndex{db: db, clock: clockwork.NewRealClock()}
	if err := idx.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_links (
			sid TEXT NOT NULL,
			jti TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (sid, jti)
		)`,
		`CREATE TABLE IF NOT EXISTS revoked_tokens (
			jti TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_links_expires ON session_links(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires ON revoked_tokens(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Link implements Index.
func (s *SQLiteIndex) Link(ctx context.Context, sid, jti string, expiresAt time.Time) error {
	if sid == "" {
		return nil
	}
	if jti == "" {
		return errEmptyJTI
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_links (sid, jti, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(sid, jti) DO UPDATE SET expires_at = excluded.expires_at`,
		sid, jti, unixOrZero(expiresAt))
	if err != nil {
		return fmt.Errorf("link %s: %w", sid, err)
	}
	return nil
}

// RevokeBySID implements Index.
func (s *SQLiteIndex) RevokeBySID(ctx context.Context, sid string) (int, error) {
	if sid == "" {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("revoke %s: %w", sid, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_tokens (jti, expires_at)
		 SELECT jti, expires_at FROM session_links WHERE sid = ?`, sid)
	if err != nil {
		return 0, fmt.Errorf("revoke %s: %w", sid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke %s: %w", sid, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_links WHERE sid = ?`, sid); err != nil {
		return 0, fmt.Errorf("revoke %s: %w", sid, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("revoke %s: %w", sid, err)
	}
	return int(n), nil
}

// IsRevoked implements Index.
func (s *SQLiteIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM revoked_tokens WHERE jti = ?`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is revoked: %w", err)
	}
	return true, nil
}

// Sweep removes links and revoked ids whose tokens have expired.
func (s *SQLiteIndex) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now().Unix()
	var total int64
	for _, stmt := range []string{
		`DELETE FROM session_links WHERE expires_at > 0 AND expires_at <= ?`,
		`DELETE FROM revoked_tokens WHERE expires_at > 0 AND expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, stmt, now)
		if err != nil {
			return 0, fmt.Errorf("sweep: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return int(total), nil
}

// Close implements Index.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
