// Package runstore provides a persistent ledger of analysis runs using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunParams contains the parameters of a run.
type RunParams struct {
	NNeighbors     int    `json:"n_neighbors"`
	NNeighborhoods int    `json:"n_neighborhoods"`
	Seed           int64  `json:"seed"`
	Backend        string `json:"backend"`
	CellType       string `json:"cell_type"`
	Region         string `json:"region"`
	Spatial        string `json:"spatial"`
}

// Run represents one invocation of the analysis.
type Run struct {
	ID         string     `json:"run_id"`
	Input      string     `json:"input"`
	Output     string     `json:"output"`
	Status     RunStatus  `json:"status"`
	Params     RunParams  `json:"params"`
	Cells      int        `json:"cells"`
	Regions    int        `json:"regions"`
	Inertia    float64    `json:"inertia"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Sizes holds the number of cells per neighborhood label.
	Sizes []int `json:"sizes,omitempty"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		cells INTEGER DEFAULT 0,
		regions INTEGER DEFAULT 0,
		inertia REAL DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_input ON runs(input);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS neighborhood_sizes (
		run_id TEXT NOT NULL,
		label INTEGER NOT NULL,
		cells INTEGER NOT NULL,
		PRIMARY KEY (run_id, label),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// CreateRun records a run with status=running. An empty ID is filled in.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.Status = RunStatusRunning

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, input, output, status, params_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Input,
		run.Output,
		string(run.Status),
		string(paramsJSON),
		run.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// CompleteRun marks a run completed and stores its summary.
func (s *Store) CompleteRun(runID string, cells, regions int, inertia float64, sizes []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	_, err = tx.Exec(`
		UPDATE runs SET status = ?, cells = ?, regions = ?, inertia = ?, finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusCompleted), cells, regions, inertia, now, runID)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO neighborhood_sizes (run_id, label, cells)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for label, n := range sizes {
		if _, err := stmt.Exec(runID, label, n); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FailRun marks a run failed with errMsg.
func (s *Store) FailRun(runID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusFailed), errMsg, now, runID)
	return err
}

// GetRun retrieves a run by ID. It returns nil when the run does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, input, output, status, params_json, cells, regions, inertia, error, created_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, err
	}
	runs, err := s.scanRuns(rows)
	rows.Close()
	if err != nil || len(runs) == 0 {
		return nil, err
	}

	run := runs[0]
	if run.Sizes, err = s.sizes(runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRunsByInput returns all runs over input, newest first.
func (s *Store) ListRunsByInput(input string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, input, output, status, params_json, cells, regions, inertia, error, created_at, finished_at
		FROM runs WHERE input = ?
		ORDER BY created_at DESC
	`, input)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRuns(rows)
}

// MarkRunningAsFailed marks all running runs as failed. Runs left running
// belong to a process that exited without recording an outcome.
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) sizes(runID string) ([]int, error) {
	rows, err := s.db.Query(`
		SELECT label, cells FROM neighborhood_sizes WHERE run_id = ? ORDER BY label ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sizes []int
	for rows.Next() {
		var label, n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		for len(sizes) <= label {
			sizes = append(sizes, 0)
		}
		sizes[label] = n
	}
	return sizes, rows.Err()
}

func (s *Store) scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var paramsJSON string
		var createdAtStr string
		var finishedAtStr sql.NullString

		err := rows.Scan(
			&run.ID,
			&run.Input,
			&run.Output,
			&run.Status,
			&paramsJSON,
			&run.Cells,
			&run.Regions,
			&run.Inertia,
			&run.Error,
			&createdAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			run.FinishedAt = &t
		}

		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
