package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ── Engine ─────────────────────────────────────────────────
// Orchestrates a run as an ordered list of stages. Steps inside a stage run
// concurrently; a stage starts only after every step of the previous stage
// succeeded. The first failure cancels its siblings and the remaining
// stages are reported as skipped.
//
// Pattern: Airflow task dependencies (t1, t2 >> t3 >> t4).

// Step statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Step is one unit of work in a run.
type Step interface {
	Name() string
	// Run performs the step. The returned result may be nil; the engine
	// fills in name, status and timing either way.
	Run(ctx context.Context) (*StepResult, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context) (*StepResult, error)
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Run(ctx context.Context) (*StepResult, error) { return s.Fn(ctx) }

// StepResult is the outcome of one step.
type StepResult struct {
	Step       string        `json:"step"`
	Status     string        `json:"status"`
	RowsIn     int           `json:"rowsIn"`
	RowsOut    int           `json:"rowsOut"`
	Artifact   string        `json:"artifact,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// RunResult is the outcome of a whole run.
type RunResult struct {
	RunID      string        `json:"runId"`
	Status     string        `json:"status"`
	Steps      []StepResult  `json:"steps"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Step returns the result of the named step.
func (r *RunResult) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Engine runs stages of steps.
type Engine struct {
	Stages [][]Step
	Logger *zap.Logger
	// OnStepDone is called once per finished step, from the step's goroutine.
	OnStepDone func(StepResult)
}

// Run executes every stage in order and returns the per-step results.
// The returned error is the first step failure (or ctx's error).
func (e *Engine) Run(ctx context.Context, runID string) (*RunResult, error) {
	log := e.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", runID))

	run := &RunResult{RunID: runID, Status: StatusRunning, StartedAt: time.Now()}
	var runErr error

	for i, stage := range e.Stages {
		if runErr == nil {
			runErr = ctx.Err()
		}
		if runErr != nil {
			for _, step := range stage {
				run.Steps = append(run.Steps, StepResult{Step: step.Name(), Status: StatusSkipped})
			}
			continue
		}

		log.Debug("stage started", zap.Int("stage", i), zap.Int("steps", len(stage)))
		results := make([]StepResult, len(stage))
		g, gctx := errgroup.WithContext(ctx)
		for j, step := range stage {
			j, step := j, step
			g.Go(func() error {
				res, err := e.runStep(gctx, step)
				results[j] = res
				if e.OnStepDone != nil {
					e.OnStepDone(res)
				}
				if err != nil {
					log.Error("step failed", zap.String("step", res.Step),
						zap.Duration("duration", res.Duration), zap.Error(err))
					return fmt.Errorf("%s: %w", step.Name(), err)
				}
				log.Info("step finished", zap.String("step", res.Step),
					zap.Int("rows_in", res.RowsIn), zap.Int("rows_out", res.RowsOut),
					zap.Duration("duration", res.Duration))
				return nil
			})
		}
		runErr = g.Wait()
		run.Steps = append(run.Steps, results...)
	}

	run.FinishedAt = time.Now()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	if runErr != nil {
		run.Status = StatusError
		run.Error = runErr.Error()
		return run, runErr
	}
	run.Status = StatusSuccess
	return run, nil
}

func (e *Engine) runStep(ctx context.Context, step Step) (res StepResult, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		res.Step = step.Name()
		res.StartedAt = start
		res.FinishedAt = time.Now()
		res.Duration = res.FinishedAt.Sub(start)
		if err != nil {
			res.Status = StatusError
			res.Error = err.Error()
		} else {
			res.Status = StatusSuccess
		}
	}()

	out, err := step.Run(ctx)
	if out != nil {
		res = *out
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return res, err
}

// IsCancelled reports whether err came from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
