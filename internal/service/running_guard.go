package service

import (
	"context"
	"sync"
)

// ExportedRunGuard lets _test packages exercise the guard directly.
type ExportedRunGuard = runGuard

// ── runGuard ───────────────────────────────────────────────
// Keyed mutual exclusion: at most one holder per key, and a way to wait
// for every holder to let go during shutdown. Once WaitAll has been called
// the guard is closing and refuses new holders, so wg.Add never races
// wg.Wait.

type runGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	closing bool
	wg      sync.WaitGroup
}

// TryLock marks key as running. It returns false if key is already held or
// the guard is closing.
func (g *runGuard) TryLock(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[key]; ok {
		return false
	}
	g.running[key] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock releases key. Must follow a successful TryLock.
func (g *runGuard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, key)
	g.wg.Done()
}

// Held reports whether key is currently locked.
func (g *runGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[key]
	return ok
}

// Closing reports whether WaitAll has been called.
func (g *runGuard) Closing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// WaitAll stops accepting new holders, then blocks until every holder has
// unlocked or ctx is done. It reports whether all holders finished.
func (g *runGuard) WaitAll(ctx context.Context) bool {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
