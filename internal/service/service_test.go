package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"salesetl/internal/service"
)

// ── runGuard ───────────────────────────────────────────────

func TestRunGuard_TryLock(t *testing.T) {
	var g service.ExportedRunGuard

	require.True(t, g.TryLock("sales"))
	assert.False(t, g.TryLock("sales"), "second lock on same key")
	assert.True(t, g.Held("sales"))
	require.True(t, g.TryLock("other"))

	g.Unlock("sales")
	g.Unlock("other")
	assert.False(t, g.Held("sales"))

	require.True(t, g.TryLock("sales"), "lock again after unlock")
	g.Unlock("sales")
}

func TestRunGuard_WaitAll(t *testing.T) {
	var g service.ExportedRunGuard
	require.True(t, g.TryLock("sales"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock("sales")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, g.WaitAll(ctx))
}

func TestRunGuard_WaitAllTimeout(t *testing.T) {
	var g service.ExportedRunGuard
	require.True(t, g.TryLock("sales"))
	defer g.Unlock("sales")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, g.WaitAll(ctx))
}

func TestRunGuard_ClosedAfterWaitAll(t *testing.T) {
	var g service.ExportedRunGuard
	assert.False(t, g.Closing())

	assert.True(t, g.WaitAll(context.Background()))
	assert.True(t, g.Closing())
	assert.False(t, g.TryLock("sales"), "no new holders once draining")
}

func TestRunGuard_TryLockDuringWaitAll(t *testing.T) {
	var g service.ExportedRunGuard
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("job-%d", i)
			if g.TryLock(key) {
				g.Unlock(key)
			}
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.WaitAll(ctx)
	wg.Wait()
	assert.True(t, g.WaitAll(ctx))
}

// ── Emitters ───────────────────────────────────────────────

func TestMockEmitter_RecordsEvents(t *testing.T) {
	m := &service.MockEmitter{}
	ctx := context.Background()

	m.Emit(ctx, "a", map[string]string{"foo": "bar"})
	m.Emit(ctx, "b", nil)

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Event)
	assert.Equal(t, "b", events[1].Event)
}

func TestLogEmitter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	service.LogEmitter{Logger: zap.New(core)}.Emit(context.Background(), service.EventRunCompleted, "run-1")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "event", entry.Message)
	assert.Equal(t, service.EventRunCompleted, entry.ContextMap()["event"])

	// nil logger is a no-op
	service.LogEmitter{}.Emit(context.Background(), "x", nil)
}
