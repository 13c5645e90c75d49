// Package rundb persists run history: one row per run, one row per captured
// well image, and a log of every command sent to the board.
package rundb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite connection holding run history.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies any pending
// migrations. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	db := &DB{sqlDB}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Run is one recorded traversal of a plan.
type Run struct {
	ID        string
	Rows      int
	Cols      int
	Outcome   string
	StartedAt time.Time
	EndedAt   sql.NullTime
}

// CreateRun records the start of a run and returns its generated ID.
func (db *DB) CreateRun(rows, cols int) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		"INSERT INTO runs (run_id, rows, cols, outcome) VALUES (?, ?, ?, 'running')",
		id, rows, cols,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run's terminal outcome: completed, failed or aborted.
func (db *DB) FinishRun(id, outcome string) error {
	res, err := db.Exec(
		"UPDATE runs SET outcome = ?, ended_at = CURRENT_TIMESTAMP WHERE run_id = ?",
		outcome, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no run with id %s", id)
	}
	return nil
}

// Runs returns recorded runs, most recent first.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		"SELECT run_id, rows, cols, outcome, started_at, ended_at FROM runs ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Rows, &r.Cols, &r.Outcome, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Capture is one recorded well image.
type Capture struct {
	RunID     string
	Well      string
	Iteration int
	X, Y, Z   float64
	File      string
}

// RecordCapture logs an acquired image for a well in a run.
func (db *DB) RecordCapture(c Capture) error {
	_, err := db.Exec(
		"INSERT INTO captures (run_id, well, iteration, x, y, z, file) VALUES (?, ?, ?, ?, ?, ?, ?)",
		c.RunID, c.Well, c.Iteration, c.X, c.Y, c.Z, c.File,
	)
	if err != nil {
		return fmt.Errorf("failed to record capture: %w", err)
	}
	return nil
}

// Captures returns every capture recorded for a run in insertion order.
func (db *DB) Captures(runID string) ([]Capture, error) {
	rows, err := db.Query(
		"SELECT run_id, well, iteration, x, y, z, file FROM captures WHERE run_id = ? ORDER BY capture_id",
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var captures []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.RunID, &c.Well, &c.Iteration, &c.X, &c.Y, &c.Z, &c.File); err != nil {
			return nil, err
		}
		captures = append(captures, c)
	}
	return captures, rows.Err()
}

// RecordCommand logs a command sent to the board during a run. The run ID
// may be empty for commands issued outside a run (jogging, homing).
func (db *DB) RecordCommand(runID, command string) error {
	_, err := db.Exec(
		"INSERT INTO commands (run_id, command) VALUES (?, ?)",
		runID, command,
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}
