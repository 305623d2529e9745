// Package state persists bandit posteriors behind a versioned
// compare-and-swap protocol, plus the append-only audit trail of queries,
// decisions, responses and feedback.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Retry constants for the optimistic-lock write loop.
const (
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 500 * time.Millisecond
	maxRetries = 5
)

// queryTimeout bounds individual statements.
const queryTimeout = 60 * time.Second

// VersionConflictError is returned when a save loses the CAS race more than
// maxRetries times in a row.
type VersionConflictError struct {
	RouterID string
	Key      string
	Attempts int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("state version conflict for %s/%s after %d attempts", e.RouterID, e.Key, e.Attempts)
}

// Store is the SQLite-backed state store. Writes to the versioned tables go
// through the CAS loop; audit rows are plain appends.
type Store struct {
	db            *sql.DB
	logger        *slog.Logger
	conflictCount atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand

	// sleepFunc and onAfterRead are test hooks: sleepFunc replaces the
	// backoff sleep, onAfterRead runs between the version read and the
	// conditional write so tests can interleave a competing writer.
	sleepFunc   func(ctx context.Context, d time.Duration) error
	onAfterRead func()
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens or creates a SQLite database at the given DSN
// (":memory:" for tests).
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:  db,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates all tables.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bandit_states (
			router_id TEXT NOT NULL,
			key TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (router_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS hybrid_router_states (
			router_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			constraints TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			query_id TEXT NOT NULL,
			selected_model TEXT NOT NULL,
			fallback_chain TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			reasoning TEXT NOT NULL DEFAULT '',
			phase INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_query ON routing_decisions(query_id)`,
		`CREATE TABLE IF NOT EXISTS responses (
			id TEXT PRIMARY KEY,
			query_id TEXT NOT NULL,
			model TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			cost REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_query ON responses(query_id)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			response_id TEXT NOT NULL,
			quality REAL NOT NULL DEFAULT 0,
			comment TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_response ON feedback(response_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ConflictCount returns the total CAS conflicts seen since startup.
func (s *Store) ConflictCount() int64 { return s.conflictCount.Load() }

// LoadPolicy returns the payload and version stored for (routerID, key),
// with found = false when no row exists.
func (s *Store) LoadPolicy(ctx context.Context, routerID, key string) (payload []byte, version int64, found bool, err error) {
	return s.load(ctx, "bandit_states", routerID, key)
}

// SavePolicy writes payload for (routerID, key) under the CAS protocol and
// returns the new version.
func (s *Store) SavePolicy(ctx context.Context, routerID, key string, payload []byte) (int64, error) {
	return s.save(ctx, "bandit_states", routerID, key, payload)
}

// LoadRouter and SaveRouter persist hybrid router state, keyed by router
// only. The same CAS protocol applies.
func (s *Store) LoadRouter(ctx context.Context, routerID string) ([]byte, int64, bool, error) {
	return s.load(ctx, "hybrid_router_states", routerID, "")
}

func (s *Store) SaveRouter(ctx context.Context, routerID string, payload []byte) (int64, error) {
	return s.save(ctx, "hybrid_router_states", routerID, "", payload)
}

func (s *Store) load(ctx context.Context, table, routerID, key string) ([]byte, int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var payload []byte
	var version int64
	var err error
	if table == "hybrid_router_states" {
		err = s.db.QueryRowContext(ctx,
			`SELECT payload, version FROM hybrid_router_states WHERE router_id = ?`,
			routerID).Scan(&payload, &version)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT payload, version FROM bandit_states WHERE router_id = ? AND key = ?`,
			routerID, key).Scan(&payload, &version)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("load state: %w", err)
	}
	return payload, version, true, nil
}

// save implements the bounded-retry compare-and-swap write: read the
// current version, INSERT at version 1 when absent, otherwise UPDATE
// conditional on the version still matching. Losing the race sleeps an
// exponentially growing, jittered delay and retries.
func (s *Store) save(ctx context.Context, table, routerID, key string, payload []byte) (int64, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		_, version, found, err := s.load(ctx, table, routerID, key)
		if err != nil {
			return 0, err
		}
		if s.onAfterRead != nil {
			s.onAfterRead()
		}

		newVersion, conflict, err := s.tryWrite(ctx, table, routerID, key, payload, version, found)
		if err != nil {
			return 0, err
		}
		if !conflict {
			return newVersion, nil
		}

		s.conflictCount.Add(1)
		s.logger.Debug("state version conflict",
			"router_id", routerID,
			"key", key,
			"attempt", attempt,
		)
		if attempt >= maxRetries {
			return 0, &VersionConflictError{RouterID: routerID, Key: key, Attempts: attempt + 1}
		}
		if err := s.sleepFunc(ctx, s.backoff(attempt)); err != nil {
			return 0, err
		}
	}
}

// tryWrite performs one conditional write. conflict = true means another
// writer won the race and the caller should re-read and retry.
func (s *Store) tryWrite(ctx context.Context, table, routerID, key string, payload []byte, version int64, found bool) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var res sql.Result
	var err error
	if !found {
		// INSERT OR IGNORE: a concurrent inserter turns this into a
		// zero-row write, reported as a conflict.
		if table == "hybrid_router_states" {
			res, err = s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO hybrid_router_states (router_id, version, payload, updated_at)
				 VALUES (?, 1, ?, CURRENT_TIMESTAMP)`, routerID, payload)
		} else {
			res, err = s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO bandit_states (router_id, key, version, payload, updated_at)
				 VALUES (?, ?, 1, ?, CURRENT_TIMESTAMP)`, routerID, key, payload)
		}
		if err != nil {
			return 0, false, fmt.Errorf("insert state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, false, fmt.Errorf("insert state: %w", err)
		}
		if n == 0 {
			return 0, true, nil
		}
		return 1, false, nil
	}

	if table == "hybrid_router_states" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE hybrid_router_states SET payload = ?, version = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE router_id = ? AND version = ?`,
			payload, version+1, routerID, version)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bandit_states SET payload = ?, version = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE router_id = ? AND key = ? AND version = ?`,
			payload, version+1, routerID, key, version)
	}
	if err != nil {
		return 0, false, fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("update state: %w", err)
	}
	if n == 0 {
		return 0, true, nil
	}
	return version + 1, false, nil
}

// backoff returns the capped exponential delay with ±50% jitter.
func (s *Store) backoff(attempt int) time.Duration {
	d := baseDelay << uint(attempt)
	if d > maxDelay {
		d = maxDelay
	}
	s.mu.Lock()
	factor := 0.5 + s.rng.Float64() // [0.5, 1.5)
	s.mu.Unlock()
	return time.Duration(float64(d) * factor)
}
