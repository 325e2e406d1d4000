package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tinytest/internal/logging"
	"tinytest/internal/types"

	_ "modernc.org/sqlite"
)

// Index is a SQLite index of run records, queried by analysis across many
// pipeline invocations without rescanning the run tree.
type Index struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenIndex")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	idx := &Index{db: db, dbPath: path}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure index schema: %w", err)
	}
	logging.Store("Run index opened at %s", path)
	return idx, nil
}

func (x *Index) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT NOT NULL,
		module_id TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_id TEXT NOT NULL,
		final_status TEXT NOT NULL,
		final_failure_kind TEXT NOT NULL,
		error TEXT,
		elapsed REAL NOT NULL,
		started_at TEXT NOT NULL,
		path TEXT,
		PRIMARY KEY (run_id, module_id)
	);

	CREATE TABLE IF NOT EXISTS iterations (
		run_id TEXT NOT NULL,
		module_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_kind TEXT NOT NULL,
		tests_passed INTEGER NOT NULL,
		tests_failed INTEGER NOT NULL,
		tests_error INTEGER NOT NULL,
		tests_total INTEGER NOT NULL,
		time REAL NOT NULL,
		tokens INTEGER NOT NULL,
		test_file TEXT,
		PRIMARY KEY (run_id, module_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_model ON runs(model);
	CREATE INDEX IF NOT EXISTS idx_runs_prompt ON runs(prompt_id);
	`
	_, err := x.db.Exec(schema)
	return err
}

// SaveRun upserts one record and replaces its iterations.
func (x *Index) SaveRun(m Metadata) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO runs
		(run_id, module_id, model, prompt_id, final_status, final_failure_kind, error, elapsed, started_at, path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.ModuleID, m.Model, m.PromptID, string(m.FinalStatus), string(m.FinalFailureKind),
		m.Error, m.Elapsed, m.StartedAt.UTC().Format(time.RFC3339Nano), m.Path)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM iterations WHERE run_id = ? AND module_id = ?`, m.RunID, m.ModuleID); err != nil {
		return fmt.Errorf("failed to clear iterations: %w", err)
	}
	for _, it := range m.Iterations {
		_, err := tx.Exec(`INSERT INTO iterations
			(run_id, module_id, idx, kind, status, failure_kind, tests_passed, tests_failed, tests_error, tests_total, time, tokens, test_file)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.RunID, m.ModuleID, it.Index, string(it.Kind), string(it.Status), string(it.FailureKind),
			it.Passed, it.Failed, it.Errored, it.Total, it.Time, it.Tokens, it.TestFile)
		if err != nil {
			return fmt.Errorf("failed to save iteration %d: %w", it.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	logging.StoreDebug("Indexed %s/%s (%d iterations)", m.RunID, m.ModuleID, len(m.Iterations))
	return nil
}

// RunFilter narrows LoadRuns. Empty fields match everything.
type RunFilter struct {
	RunID    string
	Model    string
	PromptID string
}

// LoadRuns returns indexed records ordered by start time then module.
func (x *Index) LoadRuns(f RunFilter) ([]Metadata, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rows, err := x.db.Query(`SELECT run_id, module_id, model, prompt_id, final_status, final_failure_kind,
			COALESCE(error, ''), elapsed, started_at, COALESCE(path, '')
		FROM runs
		WHERE (? = '' OR run_id = ?) AND (? = '' OR model = ?) AND (? = '' OR prompt_id = ?)
		ORDER BY started_at, module_id`,
		f.RunID, f.RunID, f.Model, f.Model, f.PromptID, f.PromptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var out []Metadata
	for rows.Next() {
		var m Metadata
		var status, kind, started string
		if err := rows.Scan(&m.RunID, &m.ModuleID, &m.Model, &m.PromptID, &status, &kind,
			&m.Error, &m.Elapsed, &started, &m.Path); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		m.FinalStatus = types.Status(status)
		m.FinalFailureKind = types.FailureKind(kind)
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			m.StartedAt = t
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	for i := range out {
		its, err := x.loadIterations(out[i].RunID, out[i].ModuleID)
		if err != nil {
			return nil, err
		}
		out[i].Iterations = its
	}
	return out, nil
}

func (x *Index) loadIterations(runID, moduleID string) ([]IterationSummary, error) {
	rows, err := x.db.Query(`SELECT idx, kind, status, failure_kind, tests_passed, tests_failed, tests_error,
			tests_total, time, tokens, COALESCE(test_file, '')
		FROM iterations WHERE run_id = ? AND module_id = ? ORDER BY idx`, runID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	its := []IterationSummary{}
	for rows.Next() {
		var it IterationSummary
		var kind, status, fk string
		if err := rows.Scan(&it.Index, &kind, &status, &fk, &it.Passed, &it.Failed, &it.Errored,
			&it.Total, &it.Time, &it.Tokens, &it.TestFile); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it.Kind = types.ArtifactKind(kind)
		it.Status = types.Status(status)
		it.FailureKind = types.FailureKind(fk)
		it.LogFile = TranscriptFile(it.Index)
		its = append(its, it)
	}
	return its, rows.Err()
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}
