// Package store persists run history in SQLite so past runs can be inspected
// after the process exits.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"loopsmith/internal/logging"
	"loopsmith/internal/strategy"
	"loopsmith/internal/tracker"
)

// CurrentSchemaVersion is the history schema version written by this build.
const CurrentSchemaVersion = 1

// Run is one supervisor run.
type Run struct {
	ID         string
	Goal       string
	Workspace  string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Attempts   int
	Summary    string
}

// Finished reports whether the run recorded an outcome.
func (r Run) Finished() bool { return !r.FinishedAt.IsZero() }

// History is the SQLite-backed run log.
type History struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(path string) (*History, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenHistory")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Failed to apply %q: %v", pragma, err)
		}
	}

	h := &History{db: db, dbPath: path, now: time.Now}
	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Run history ready at %s", path)
	return h, nil
}

func (h *History) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		workspace TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE TABLE IF NOT EXISTS attempts (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		attempt INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY(run_id, attempt)
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_signature ON attempts(signature);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := h.db.Exec(`INSERT OR IGNORE INTO schema_version(version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// StartRun records a new run and returns its id.
func (h *History) StartRun(ctx context.Context, goal, workspace string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO runs(id, goal, workspace, started_at) VALUES (?, ?, ?, ?)`,
		id, goal, workspace, h.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	logging.StoreDebug("Started run %s", id)
	return id, nil
}

// RecordAttempt stores one attempt of a run.
func (h *History) RecordAttempt(ctx context.Context, runID string, rec tracker.AttemptRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attempts(run_id, attempt, strategy, signature, error, success, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Attempt, string(rec.Strategy), rec.Signature, rec.Error, boolInt(rec.Success), rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record attempt %d: %w", rec.Attempt, err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (h *History) FinishRun(ctx context.Context, runID string, success bool, attempts int, summary string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, success = ?, attempts = ?, summary = ? WHERE id = ?`,
		h.now().UnixMilli(), boolInt(success), attempts, summary, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown run %s", runID)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (h *History) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, goal, workspace, started_at, finished_at, success, attempts, summary
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			success           int
		)
		if err := rows.Scan(&r.ID, &r.Goal, &r.Workspace, &started, &finished, &success, &r.Attempts, &r.Summary); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Attempts returns the attempts of a run in order.
func (h *History) Attempts(ctx context.Context, runID string) ([]tracker.AttemptRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.QueryContext(ctx,
		`SELECT attempt, strategy, signature, error, success, recorded_at
		 FROM attempts WHERE run_id = ? ORDER BY attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []tracker.AttemptRecord
	for rows.Next() {
		var (
			rec      tracker.AttemptRecord
			strat    string
			success  int
			recorded int64
		)
		if err := rows.Scan(&rec.Attempt, &strat, &rec.Signature, &rec.Error, &success, &recorded); err != nil {
			return nil, err
		}
		rec.Strategy = strategy.Name(strat)
		rec.Success = success != 0
		rec.Timestamp = time.UnixMilli(recorded)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SignatureCounts returns how many failed attempts each signature caused
// across all runs.
func (h *History) SignatureCounts(ctx context.Context) (map[string]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.QueryContext(ctx,
		`SELECT signature, COUNT(*) FROM attempts WHERE success = 0 AND signature != '' GROUP BY signature`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var sig string
		var n int
		if err := rows.Scan(&sig, &n); err != nil {
			return nil, err
		}
		out[sig] = n
	}
	return out, rows.Err()
}

// Sink returns a tracker sink writing attempts of runID.
func (h *History) Sink(ctx context.Context, runID string) tracker.Sink {
	return runSink{h: h, ctx: ctx, runID: runID}
}

type runSink struct {
	h     *History
	ctx   context.Context
	runID string
}

func (s runSink) RecordAttempt(rec tracker.AttemptRecord) error {
	return s.h.RecordAttempt(s.ctx, s.runID, rec)
}

// Close closes the database.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
