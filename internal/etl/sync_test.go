package etl_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesetl/internal/etl"
)

func okStep(name string, rows int) etl.Step {
	return etl.StepFunc{StepName: name, Fn: func(ctx context.Context) (*etl.StepResult, error) {
		return &etl.StepResult{RowsOut: rows}, nil
	}}
}

func TestEngine_RunsStagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) etl.Step {
		return etl.StepFunc{StepName: name, Fn: func(ctx context.Context) (*etl.StepResult, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}}
	}

	var done []string
	eng := &etl.Engine{
		Stages: [][]etl.Step{
			{record("a"), record("b")},
			{record("merge")},
			{record("load")},
		},
		OnStepDone: func(r etl.StepResult) {
			mu.Lock()
			done = append(done, r.Step)
			mu.Unlock()
		},
	}

	run, err := eng.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, etl.StatusSuccess, run.Status)
	assert.Equal(t, "run-1", run.RunID)

	require.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"a", "b"}, order[:2])
	assert.Equal(t, []string{"merge", "load"}, order[2:])
	assert.Len(t, done, 4)

	// results are reported in declaration order regardless of finish order
	names := make([]string, len(run.Steps))
	for i, s := range run.Steps {
		names[i] = s.Step
		assert.Equal(t, etl.StatusSuccess, s.Status)
	}
	assert.Equal(t, []string{"a", "b", "merge", "load"}, names)
}

func TestEngine_FirstStageRunsConcurrently(t *testing.T) {
	var running, peak int32
	slow := func(name string) etl.Step {
		return etl.StepFunc{StepName: name, Fn: func(ctx context.Context) (*etl.StepResult, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}}
	}

	eng := &etl.Engine{Stages: [][]etl.Step{{slow("a"), slow("b")}}}
	_, err := eng.Run(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestEngine_FailureSkipsLaterStages(t *testing.T) {
	boom := errors.New("boom")
	var mergeRan atomic.Bool

	eng := &etl.Engine{Stages: [][]etl.Step{
		{
			etl.StepFunc{StepName: "extract", Fn: func(ctx context.Context) (*etl.StepResult, error) {
				return nil, boom
			}},
			etl.StepFunc{StepName: "rates", Fn: func(ctx context.Context) (*etl.StepResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		},
		{etl.StepFunc{StepName: "merge", Fn: func(ctx context.Context) (*etl.StepResult, error) {
			mergeRan.Store(true)
			return nil, nil
		}}},
		{okStep("load", 0)},
	}}

	run, err := eng.Run(context.Background(), "run")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mergeRan.Load())
	assert.Equal(t, etl.StatusError, run.Status)

	extract, _ := run.Step("extract")
	assert.Equal(t, etl.StatusError, extract.Status)
	assert.Equal(t, "boom", extract.Error)

	rates, _ := run.Step("rates")
	assert.Equal(t, etl.StatusError, rates.Status, "sibling sees cancellation")

	merge, _ := run.Step("merge")
	assert.Equal(t, etl.StatusSkipped, merge.Status)
	load, _ := run.Step("load")
	assert.Equal(t, etl.StatusSkipped, load.Status)
}

func TestEngine_StepPanicBecomesError(t *testing.T) {
	eng := &etl.Engine{Stages: [][]etl.Step{{
		etl.StepFunc{StepName: "bad", Fn: func(ctx context.Context) (*etl.StepResult, error) {
			panic("nil table")
		}},
	}}}

	run, err := eng.Run(context.Background(), "run")
	require.Error(t, err)
	bad, _ := run.Step("bad")
	assert.Equal(t, etl.StatusError, bad.Status)
	assert.Contains(t, bad.Error, "nil table")
}

func TestEngine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := &etl.Engine{Stages: [][]etl.Step{{okStep("a", 1)}}}
	run, err := eng.Run(ctx, "run")
	assert.True(t, etl.IsCancelled(err))
	a, _ := run.Step("a")
	assert.Equal(t, etl.StatusSkipped, a.Status)
}

func TestEngine_KeepsStepCounts(t *testing.T) {
	eng := &etl.Engine{Stages: [][]etl.Step{{okStep("a", 7)}}}
	run, err := eng.Run(context.Background(), "run")
	require.NoError(t, err)
	a, ok := run.Step("a")
	require.True(t, ok)
	assert.Equal(t, 7, a.RowsOut)
	assert.False(t, a.StartedAt.IsZero())
}
