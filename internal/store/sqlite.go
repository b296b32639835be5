package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/copyleftdev/robopt/internal/optimization"
	"github.com/copyleftdev/robopt/internal/robust"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	scenario TEXT NOT NULL,
	spec TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	optimal_point TEXT,
	optimal_value DOUBLE,
	iterations INTEGER NOT NULL,
	sample_size INTEGER NOT NULL,
	converged INTEGER NOT NULL,
	error TEXT,
	created_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	sample_size INTEGER NOT NULL,
	tolerance DOUBLE NOT NULL,
	point TEXT NOT NULL,
	value DOUBLE,
	displacement DOUBLE NOT NULL,
	status TEXT NOT NULL,
	restarts INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	PRIMARY KEY (run_id, iteration),
	FOREIGN KEY (run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS runs_created_at ON runs(created_at);
`

// SQLiteStore keeps runs in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveRun inserts or replaces a run and its path.
func (s *SQLiteStore) SaveRun(ctx context.Context, r *Run) error {
	var point sql.NullString
	var value sql.NullFloat64
	if r.Optimum != nil {
		b, err := json.Marshal(r.Optimum.Parameters)
		if err != nil {
			return err
		}
		point = sql.NullString{String: string(b), Valid: true}
		value = nullFloat(r.Optimum.Value)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(id, scenario, spec, status, reason, optimal_point, optimal_value, iterations, sample_size, converged, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Scenario, r.Spec, r.Status, string(r.Reason), point, value,
		r.Iterations, r.SampleSize, r.Converged, r.Error,
		r.CreatedAt.UnixNano(), r.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE run_id = ?", r.ID); err != nil {
		return err
	}
	for _, step := range r.Path {
		b, err := json.Marshal(step.Point)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO steps
			(run_id, iteration, sample_size, tolerance, point, value, displacement, status, restarts, succeeded)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, step.Iteration, step.SampleSize, step.Tolerance, string(b), nullFloat(step.Value),
			step.Displacement, step.Status, step.Restarts, step.Succeeded,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %d of run %s: %w", step.Iteration, r.ID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, scenario, spec, status, reason, optimal_point, optimal_value,
	iterations, sample_size, converged, error, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r                 Run
		reason, errText   sql.NullString
		point             sql.NullString
		value             sql.NullFloat64
		created, finished int64
	)
	err := row.Scan(&r.ID, &r.Scenario, &r.Spec, &r.Status, &reason, &point, &value,
		&r.Iterations, &r.SampleSize, &r.Converged, &errText, &created, &finished)
	if err != nil {
		return nil, err
	}
	r.Reason = robust.StopReason(reason.String)
	r.Error = errText.String
	r.CreatedAt = time.Unix(0, created)
	r.FinishedAt = time.Unix(0, finished)
	if point.Valid {
		sol := &optimization.Solution{Value: value.Float64}
		if !value.Valid {
			sol.Value = nan()
		}
		if err := json.Unmarshal([]byte(point.String), &sol.Parameters); err != nil {
			return nil, fmt.Errorf("corrupt optimal point of run %s: %w", r.ID, err)
		}
		r.Optimum = sol
	}
	return &r, nil
}

// GetRun returns the run with its path.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT iteration, sample_size, tolerance, point, value, displacement, status, restarts, succeeded
		FROM steps WHERE run_id = ? ORDER BY iteration`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step  robust.Step
			point string
			value sql.NullFloat64
		)
		if err := rows.Scan(&step.Iteration, &step.SampleSize, &step.Tolerance, &point, &value,
			&step.Displacement, &step.Status, &step.Restarts, &step.Succeeded); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(point), &step.Point); err != nil {
			return nil, fmt.Errorf("corrupt step %d of run %s: %w", step.Iteration, id, err)
		}
		step.Value = value.Float64
		if !value.Valid {
			step.Value = nan()
		}
		r.Path = append(r.Path, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// nullFloat maps NaN to NULL; SQLite cannot store it.
func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nan() float64 { return math.NaN() }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
