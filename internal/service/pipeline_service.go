package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"salesetl/internal/apperrors"
	"salesetl/internal/domain"
	"salesetl/internal/etl"
	"salesetl/internal/metrics"
)

// ─────────────────────────────────────────────────────────────
// PipelineService: runs the pipeline on demand, on a schedule, or when a
// watched file changes, and keeps the run history.
// ─────────────────────────────────────────────────────────────

const pipelineKey = "sales"

const (
	DefaultRunTimeout    = 30 * time.Minute
	DefaultWatchDebounce = 500 * time.Millisecond
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, runID string) (*etl.RunResult, error)
}

// Options configures a PipelineService.
type Options struct {
	RunTimeout    time.Duration
	WatchDebounce time.Duration
}

// PipelineService owns the lifecycle of pipeline runs.
type PipelineService struct {
	runner  Runner
	store   domain.RunStore
	metrics *metrics.Metrics
	emitter EventEmitter
	log     *zap.Logger
	opts    Options
	running runGuard

	// trigger lifecycle
	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewPipelineService creates a service. m and emitter may be nil.
func NewPipelineService(
	runner Runner,
	store domain.RunStore,
	m *metrics.Metrics,
	emitter EventEmitter,
	log *zap.Logger,
	opts Options,
) *PipelineService {
	if log == nil {
		log = zap.NewNop()
	}
	if emitter == nil {
		emitter = LogEmitter{Logger: log}
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = DefaultWatchDebounce
	}
	return &PipelineService{
		runner:  runner,
		store:   store,
		metrics: m,
		emitter: emitter,
		log:     log.Named("service"),
		opts:    opts,
	}
}

// ── Runs ───────────────────────────────────────────────────

// RunOnce executes the pipeline synchronously. It returns
// apperrors.ErrAlreadyRunning if a run is in progress and
// apperrors.ErrShuttingDown once WaitRunning has been called.
func (s *PipelineService) RunOnce(ctx context.Context, trigger domain.TriggerType) (*domain.PipelineRun, error) {
	run, err := s.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run)
}

// RunAsync starts a run in the background and returns its initial record.
// The run is detached from ctx cancellation but keeps its values.
func (s *PipelineService) RunAsync(ctx context.Context, trigger domain.TriggerType) (*domain.PipelineRun, error) {
	run, err := s.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	started := *run
	go s.execute(context.WithoutCancel(ctx), run)
	return &started, nil
}

// Running reports whether a run is in progress.
func (s *PipelineService) Running() bool {
	return s.running.Held(pipelineKey)
}

// GetRun returns a run from history.
func (s *PipelineService) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns the most recent runs.
func (s *PipelineService) ListRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	return s.store.ListRuns(ctx, limit)
}

// begin takes the run lock and records the run as started. On success the
// caller must hand run to execute, which releases the lock.
func (s *PipelineService) begin(ctx context.Context, trigger domain.TriggerType) (*domain.PipelineRun, error) {
	if !s.running.TryLock(pipelineKey) {
		if s.running.Closing() {
			return nil, fmt.Errorf("%w: sales pipeline", apperrors.ErrShuttingDown)
		}
		if s.metrics != nil {
			s.metrics.ObserveRejected()
		}
		return nil, fmt.Errorf("%w: sales pipeline", apperrors.ErrAlreadyRunning)
	}

	run := &domain.PipelineRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Status:    etl.StatusRunning,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.running.Unlock(pipelineKey)
		return nil, fmt.Errorf("record run: %w", err)
	}
	s.log.Info("run started", zap.String("run_id", run.ID), zap.String("trigger", string(trigger)))
	return run, nil
}

func (s *PipelineService) execute(ctx context.Context, run *domain.PipelineRun) (*domain.PipelineRun, error) {
	defer s.running.Unlock(pipelineKey)

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	res, runErr := s.runner.Run(runCtx, run.ID)
	applyResult(run, res, runErr)

	// History is written even when ctx was cancelled mid-run.
	if err := s.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		s.log.Error("failed to record run result", zap.String("run_id", run.ID), zap.Error(err))
	}

	if s.metrics != nil && res != nil {
		for _, st := range res.Steps {
			s.metrics.ObserveStep(st)
		}
		s.metrics.ObserveRun(res)
	}

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	}
	if runErr != nil {
		s.log.Error("run failed", append(fields, zap.Error(runErr))...)
	} else {
		s.log.Info("run finished", fields...)
	}

	s.emitter.Emit(ctx, EventRunCompleted, run)
	return run, runErr
}

// applyResult copies the engine outcome onto the history record.
func applyResult(run *domain.PipelineRun, res *etl.RunResult, runErr error) {
	run.FinishedAt = time.Now().UTC()
	run.Status = etl.StatusSuccess
	if res != nil {
		run.Status = res.Status
		run.Steps = make([]domain.StepRun, 0, len(res.Steps))
		for _, st := range res.Steps {
			run.Steps = append(run.Steps, domain.StepRun{
				RunID:    run.ID,
				Step:     st.Step,
				Status:   st.Status,
				RowsIn:   st.RowsIn,
				RowsOut:  st.RowsOut,
				Artifact: st.Artifact,
				Duration: st.Duration,
				Error:    st.Error,
			})
		}
	}
	if runErr != nil {
		run.Status = etl.StatusError
		run.Error = runErr.Error()
	}
}

// ── Triggers (cron + file_watch) ──────────────────────────

// StartTriggers schedules runs from a cron expression and/or re-runs the
// pipeline whenever watchPath is written. Empty arguments disable the
// corresponding trigger. Calling it again replaces previous triggers.
func (s *PipelineService) StartTriggers(ctx context.Context, schedule, watchPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTriggersLocked()

	if schedule != "" {
		c := cron.New()
		_, err := c.AddFunc(schedule, func() { s.triggered(ctx, domain.TriggerSchedule) })
		if err != nil {
			return fmt.Errorf("%w: invalid schedule %q: %v", apperrors.ErrValidation, schedule, err)
		}
		c.Start()
		s.cronSched = c
		s.log.Info("schedule started", zap.String("schedule", schedule))
	}

	if watchPath != "" {
		if err := s.watchLocked(ctx, watchPath); err != nil {
			s.stopTriggersLocked()
			return err
		}
	}
	return nil
}

func (s *PipelineService) triggered(ctx context.Context, trigger domain.TriggerType) {
	_, err := s.RunOnce(ctx, trigger)
	switch {
	case errors.Is(err, apperrors.ErrAlreadyRunning):
		s.log.Info("trigger skipped, run in progress", zap.String("trigger", string(trigger)))
	case errors.Is(err, apperrors.ErrShuttingDown):
		s.log.Info("trigger skipped, shutting down", zap.String("trigger", string(trigger)))
	case err != nil:
		s.log.Warn("triggered run failed", zap.String("trigger", string(trigger)), zap.Error(err))
	}
}

// watchLocked watches the parent directory so editors that replace the file
// (write to temp + rename) are still seen.
func (s *PipelineService) watchLocked(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: bad watch path %q: %v", apperrors.ErrValidation, path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(absPath), err)
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	debounce := s.opts.WatchDebounce

	go func() {
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if p, _ := filepath.Abs(event.Name); p != absPath {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if watchCtx.Err() != nil {
						return
					}
					s.log.Info("watched file changed", zap.String("path", absPath))
					s.triggered(ctx, domain.TriggerFileWatch)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("watcher error", zap.Error(err))
			}
		}
	}()

	s.log.Info("watching file", zap.String("path", absPath))
	return nil
}

// WaitRunning refuses further runs and blocks until the current run
// finishes or ctx is done. Call it once, during shutdown.
func (s *PipelineService) WaitRunning(ctx context.Context) bool {
	return s.running.WaitAll(ctx)
}

// Stop tears down the schedule and file watcher. It does not cancel a run
// in progress; use WaitRunning for that. Safe to call more than once.
func (s *PipelineService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTriggersLocked()
}

func (s *PipelineService) stopTriggersLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
