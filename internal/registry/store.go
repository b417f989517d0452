// Package registry persists daemon run records in SQLite. The lifecycle
// controller consults it to distinguish a cleanly stopped daemon from a
// crashed one and to find orphaned segment sets left by dead processes.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"camgate/internal/config"
)

// End states recorded when a run closes.
const (
	EndStateStopped = "stopped"
	EndStateStalled = "stalled"
	EndStateCrashed = "crashed"
)

// Run is one daemon process lifetime.
type Run struct {
	ID            int64
	RunID         string
	PID           int
	StartedAt     time.Time
	LastAliveAt   time.Time
	EndedAt       time.Time
	EndState      string
	Device        string
	SegmentPrefix string
	RGBBytes      int64
	DepthBytes    int64
	LogPath       string
}

// Ended reports whether the run record has been closed out.
func (r Run) Ended() bool { return !r.EndedAt.IsZero() }

// Store manages run persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the registry database under the data
// directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "registry.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records a freshly started daemon run.
func (s *Store) Begin(ctx context.Context, run Run) error {
	return s.execWithRetry(ctx, `
        INSERT INTO daemon_runs
            (run_id, pid, started_at, last_alive_at, device, segment_prefix, rgb_bytes, depth_bytes, log_path)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.PID, encodeTime(run.StartedAt), encodeTime(run.StartedAt),
		run.Device, run.SegmentPrefix, run.RGBBytes, run.DepthBytes, run.LogPath)
}

// Heartbeat refreshes the last-alive timestamp of an open run.
func (s *Store) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	return s.execWithRetry(ctx, `
        UPDATE daemon_runs SET last_alive_at = ?
        WHERE run_id = ? AND ended_at IS NULL`,
		encodeTime(at), runID)
}

// MarkEnded closes out a run with its final state. Closing an already
// closed run is a no-op so crash cleanup can race a normal stop safely.
func (s *Store) MarkEnded(ctx context.Context, runID, endState string, at time.Time) error {
	return s.execWithRetry(ctx, `
        UPDATE daemon_runs SET ended_at = ?, end_state = ?
        WHERE run_id = ? AND ended_at IS NULL`,
		encodeTime(at), endState, runID)
}

// CloseStaleRuns marks every open run whose PID differs from livePID as
// crashed. The daemonctl offline probe uses it after detecting a dead
// producer.
func (s *Store) CloseStaleRuns(ctx context.Context, livePID int, at time.Time) error {
	return s.execWithRetry(ctx, `
        UPDATE daemon_runs SET ended_at = ?, end_state = ?
        WHERE ended_at IS NULL AND pid != ?`,
		encodeTime(at), EndStateCrashed, livePID)
}

// ActiveRun returns the most recent run without an end record, or nil.
func (s *Store) ActiveRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), selectRun+`
        WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active run: %w", err)
	}
	return &run, nil
}

// History returns the most recent runs, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), selectRun+`
        ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const selectRun = `
        SELECT id, run_id, pid, started_at, last_alive_at, ended_at, end_state,
               device, segment_prefix, rgb_bytes, depth_bytes, log_path
        FROM daemon_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run       Run
		started   string
		lastAlive string
		ended     sql.NullString
	)
	err := row.Scan(&run.ID, &run.RunID, &run.PID, &started, &lastAlive, &ended,
		&run.EndState, &run.Device, &run.SegmentPrefix, &run.RGBBytes, &run.DepthBytes, &run.LogPath)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = decodeTime(started)
	run.LastAliveAt = decodeTime(lastAlive)
	if ended.Valid {
		run.EndedAt = decodeTime(ended.String)
	}
	return run, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}
