package orchestrator

import (
	"errors"
	"sync"
)

// ErrAlreadyRunning is returned when a run is requested while another run
// of the same orchestrator is still active.
var ErrAlreadyRunning = errors.New("a backup run is already active")

// runGuard serializes runs within one agent process. The scheduler may
// fire overlapping triggers; only one may proceed.
type runGuard struct {
	mu     sync.Mutex
	active bool
}

// TryAcquire claims the guard without blocking.
func (g *runGuard) TryAcquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return ErrAlreadyRunning
	}
	g.active = true
	return nil
}

// Release frees the guard for the next run.
func (g *runGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
}
