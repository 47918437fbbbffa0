package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const purgeInterval = time.Hour

// SQLiteDedupe records successfully processed provider message ids so
// webhook retries are acknowledged without running the pipeline again.
// Ids go in only after the relay succeeds, so a retry that follows a
// failed attempt still gets processed. Entries expire after the
// configured TTL; Meta stops retrying long before that.
type SQLiteDedupe struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	lastPurge time.Time
}

func NewSQLiteDedupe(dbPath string, ttl time.Duration, logger *slog.Logger) (*SQLiteDedupe, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite wants a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteDedupe{db: db, ttl: ttl, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteDedupe) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_messages (
		id           TEXT PRIMARY KEY,
		processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_messages(processed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Seen reports whether id has been recorded. It never records: the
// caller marks the id separately once the relay has succeeded.
func (s *SQLiteDedupe) Seen(ctx context.Context, id string) (bool, error) {
	s.maybePurge(ctx)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up message id: %w", err)
	}
	return n > 0, nil
}

// Mark records id as processed. INSERT OR IGNORE keeps a concurrent
// double-mark harmless.
func (s *SQLiteDedupe) Mark(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (id) VALUES (?)`, id)
	if err != nil {
		return fmt.Errorf("record message id: %w", err)
	}
	return nil
}

func (s *SQLiteDedupe) maybePurge(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastPurge) >= purgeInterval
	if due {
		s.lastPurge = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	cutoff := time.Now().Add(-s.ttl)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE processed_at < ?`, cutoff)
	if err != nil {
		s.logger.Warn("dedupe purge failed", "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("dedupe entries purged", "count", n)
	}
}

func (s *SQLiteDedupe) Close() error {
	return s.db.Close()
}
