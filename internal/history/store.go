// Package history records suite runs in a local SQLite database so that
// regressions can be traced back to the run that introduced them.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvandessel/simregress/internal/regress"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultFileName is the database file created inside the history directory.
const DefaultFileName = "history.db"

// ErrRunNotFound is returned by Get for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run summarizes one recorded suite run.
type Run struct {
	ID               int64         `json:"id"`
	StartedAt        time.Time     `json:"started_at"`
	SuitePath        string        `json:"suite_path,omitempty"`
	Executable       string        `json:"executable"`
	Duration         time.Duration `json:"duration"`
	Passed           bool          `json:"passed"`
	Cases            int           `json:"cases"`
	CasesPassed      int           `json:"cases_passed"`
	Artifacts        int           `json:"artifacts"`
	ArtifactsMatched int           `json:"artifacts_matched"`
	LoadErrors       int           `json:"load_errors"`
	Skipped          int           `json:"skipped"`

	// CaseResults is populated by Get only.
	CaseResults []CaseRecord `json:"case_results,omitempty"`
}

// CaseRecord is the stored outcome of one case.
type CaseRecord struct {
	CaseID     string           `json:"case_id"`
	Outcome    string           `json:"outcome"`
	ExitStatus int              `json:"exit_status"`
	TimedOut   bool             `json:"timed_out"`
	Passed     bool             `json:"passed"`
	Duration   time.Duration    `json:"duration"`
	Error      string           `json:"error,omitempty"`
	Artifacts  []ArtifactRecord `json:"artifacts"`
}

// ArtifactRecord is the stored outcome of one artifact comparison.
type ArtifactRecord struct {
	Produced  string `json:"produced"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	DiffLines int    `json:"diff_lines"`
}

// Store persists runs in SQLite.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the history database inside dir.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dbPath := filepath.Join(dir, DefaultFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a suite report and returns the new run id.
func (s *Store) Record(ctx context.Context, r *regress.SuiteReport) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c := r.Counts()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (started_at, suite_path, executable, duration_ms, passed,
			cases, cases_passed, artifacts, artifacts_matched, load_errors, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.SuitePath, r.Executable,
		r.Duration.Milliseconds(), boolToInt(r.OverallPassed),
		c.Cases, c.CasesPassed, c.Artifacts, c.ArtifactsMatched, c.LoadErrors, c.Skipped)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}

	for i, cr := range r.Cases {
		exec := cr.Execution
		var errText sql.NullString
		if err := cr.Err(); err != nil {
			errText = sql.NullString{String: err.Error(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO case_results (run_id, case_id, position, outcome, exit_status,
				timed_out, passed, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, cr.ID(), i, string(exec.Outcome), exec.ExitStatus,
			boolToInt(exec.TimedOut), boolToInt(cr.Passed()), exec.Duration.Milliseconds(), errText); err != nil {
			return 0, fmt.Errorf("failed to insert case %s: %w", cr.ID(), err)
		}

		for j, cmp := range cr.Comparisons {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO artifact_results (run_id, case_id, position, produced, reference, status, diff_lines)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				runID, cr.ID(), j, cmp.ProducedFile, cmp.ReferenceFile, string(cmp.Status), len(cmp.DiffLines)); err != nil {
				return 0, fmt.Errorf("failed to insert artifact %s: %w", cmp.ProducedFile, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run: %w", err)
	}
	return runID, nil
}

const runColumns = `id, started_at, suite_path, executable, duration_ms, passed,
	cases, cases_passed, artifacts, artifacts_matched, load_errors, skipped`

// List returns the most recent runs, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns one run including its case and artifact records.
func (s *Store) Get(ctx context.Context, id int64) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	cases, err := s.loadCases(ctx, id)
	if err != nil {
		return nil, err
	}
	run.CaseResults = cases
	return &run, nil
}

func (s *Store) loadCases(ctx context.Context, runID int64) ([]CaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, outcome, exit_status, timed_out, passed, duration_ms, error
		FROM case_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}

	var cases []CaseRecord
	index := make(map[string]int)
	for rows.Next() {
		var (
			c                CaseRecord
			timedOut, passed int
			durationMS       int64
			errText          sql.NullString
		)
		if err := rows.Scan(&c.CaseID, &c.Outcome, &c.ExitStatus, &timedOut, &passed, &durationMS, &errText); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		c.TimedOut = timedOut != 0
		c.Passed = passed != 0
		c.Duration = time.Duration(durationMS) * time.Millisecond
		c.Error = errText.String
		index[c.CaseID] = len(cases)
		cases = append(cases, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.QueryContext(ctx, `
		SELECT case_id, produced, reference, status, diff_lines
		FROM artifact_results WHERE run_id = ? ORDER BY case_id, position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer arows.Close()

	for arows.Next() {
		var caseID string
		var a ArtifactRecord
		if err := arows.Scan(&caseID, &a.Produced, &a.Reference, &a.Status, &a.DiffLines); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if i, ok := index[caseID]; ok {
			cases[i].Artifacts = append(cases[i].Artifacts, a)
		}
	}
	return cases, arows.Err()
}

// Prune deletes all but the keep most recent runs and returns how many were
// removed. keep <= 0 is a no-op.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run        Run
		startedAt  string
		suitePath  sql.NullString
		durationMS int64
		passed     int
	)
	err := sc.Scan(&run.ID, &startedAt, &suitePath, &run.Executable, &durationMS, &passed,
		&run.Cases, &run.CasesPassed, &run.Artifacts, &run.ArtifactsMatched, &run.LoadErrors, &run.Skipped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}

	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("run %d has invalid start time %q: %w", run.ID, startedAt, err)
	}
	run.SuitePath = suitePath.String
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Passed = passed != 0
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
