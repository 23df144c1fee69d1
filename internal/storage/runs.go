package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"salesetl/internal/apperrors"
	"salesetl/internal/domain"
)

// RunStore persists pipeline runs and their step outcomes.
type RunStore struct {
	db *DB
}

var _ domain.RunStore = (*RunStore)(nil)

// NewRunStore creates a new RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// ── Runs ───────────────────────────────────────────────────

func (s *RunStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", apperrors.ErrValidation)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, trigger_type, status, error, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), run.Status, run.Error, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the final status of run and replaces its step rows.
func (s *RunStore) FinishRun(ctx context.Context, run *domain.PipelineRun) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pipeline_runs SET status=?, error=?, finished_at=? WHERE id=?`,
		run.Status, run.Error, run.FinishedAt.UTC(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", apperrors.ErrNotFound, run.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_runs WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	for i, st := range run.Steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_runs (run_id, step, seq, status, rows_in, rows_out, artifact, duration_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, st.Step, i, st.Status, st.RowsIn, st.RowsOut, st.Artifact,
			st.Duration.Milliseconds(), st.Error,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.Step, err)
		}
	}
	return tx.Commit()
}

// GetRun returns a run with its steps.
func (s *RunStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	run, err := scanRun(s.db.conn.QueryRowContext(ctx,
		`SELECT id, trigger_type, status, error, started_at, finished_at
		 FROM pipeline_runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if run.Steps, err = s.listSteps(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, without steps.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, trigger_type, status, error, started_at, finished_at
		 FROM pipeline_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.PipelineRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ── Steps ──────────────────────────────────────────────────

func (s *RunStore) listSteps(ctx context.Context, runID string) ([]domain.StepRun, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT run_id, step, status, rows_in, rows_out, artifact, duration_ms, error
		 FROM step_runs WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.StepRun
	for rows.Next() {
		var (
			st domain.StepRun
			ms int64
		)
		if err := rows.Scan(&st.RunID, &st.Step, &st.Status, &st.RowsIn, &st.RowsOut,
			&st.Artifact, &ms, &st.Error); err != nil {
			return nil, err
		}
		st.Duration = time.Duration(ms) * time.Millisecond
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*domain.PipelineRun, error) {
	var (
		run      domain.PipelineRun
		trigger  string
		finished sql.NullTime
	)
	if err := r.Scan(&run.ID, &trigger, &run.Status, &run.Error, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.Trigger = domain.TriggerType(trigger)
	run.StartedAt = run.StartedAt.UTC()
	if finished.Valid {
		run.FinishedAt = finished.Time.UTC()
	}
	return &run, nil
}
