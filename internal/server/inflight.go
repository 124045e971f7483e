package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ActiveExecution is a submission currently in the pipeline.
type ActiveExecution struct {
	ID      string    `json:"id"`
	Client  string    `json:"client"`
	Started time.Time `json:"started"`

	cancel context.CancelFunc
}

// InFlight tracks running executions so they can be cancelled by ID, on
// client disconnect, or at shutdown.
type InFlight struct {
	mu      sync.RWMutex
	running map[string]*ActiveExecution
}

// NewInFlight creates an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{
		running: make(map[string]*ActiveExecution),
	}
}

// Start registers id and returns a context that is cancelled by Cancel,
// CancelAll, or the parent. done must be called when the execution ends.
func (f *InFlight) Start(parent context.Context, id, client string) (ctx context.Context, done func(), err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.running[id]; ok {
		return nil, nil, fmt.Errorf("execution %s is already running", id)
	}

	ctx, cancel := context.WithCancel(parent)
	f.running[id] = &ActiveExecution{ID: id, Client: client, Started: time.Now(), cancel: cancel}

	done = func() {
		cancel()
		f.mu.Lock()
		delete(f.running, id)
		f.mu.Unlock()
	}
	return ctx, done, nil
}

// Get returns a running execution if it exists.
func (f *InFlight) Get(id string) (ActiveExecution, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ae, ok := f.running[id]
	if !ok {
		return ActiveExecution{}, false
	}
	return *ae, true
}

// Cancel stops a running execution. It reports whether id was running.
func (f *InFlight) Cancel(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ae, ok := f.running[id]
	if ok {
		ae.cancel()
	}
	return ok
}

// List returns running executions, oldest first.
func (f *InFlight) List() []ActiveExecution {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]ActiveExecution, 0, len(f.running))
	for _, ae := range f.running {
		out = append(out, *ae)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// CancelAll cancels every running execution.
func (f *InFlight) CancelAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ae := range f.running {
		ae.cancel()
	}
}
