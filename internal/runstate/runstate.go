// Package runstate holds the process-wide run state shared by the pipeline:
// the cooperative stop flag, the files in progress, the pause point used under
// memory pressure, and the global event counter.
package runstate

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is created once per run and passed to every component that needs it.
type State struct {
	ctx    context.Context
	cancel context.CancelFunc

	stopRequests atomic.Int32

	mu      sync.Mutex
	running map[string]time.Time

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	counter *Counter
}

// New creates a run state whose context is derived from parent.
func New(parent context.Context) *State {
	ctx, cancel := context.WithCancel(parent)
	return &State{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]time.Time),
		resume:  make(chan struct{}),
		counter: &Counter{},
	}
}

// Context is cancelled once a stop is requested.
func (s *State) Context() context.Context {
	return s.ctx
}

// RequestStop sets the stop flag. The first call returns true and cancels the
// run context; later calls mark the stop as forced and return false.
func (s *State) RequestStop() bool {
	n := s.stopRequests.Add(1)
	if n == 1 {
		s.cancel()
		s.Resume()
		return true
	}
	return false
}

// Stopping reports whether a stop was requested or the parent context
// ended.
func (s *State) Stopping() bool {
	return s.stopRequests.Load() > 0 || s.ctx.Err() != nil
}

// Forced reports whether a second stop request arrived.
func (s *State) Forced() bool {
	return s.stopRequests.Load() > 1
}

// Pass is a comparison pass in progress.
type Pass struct {
	Path  string
	Since time.Time
}

// SetCurrent records that a worker started processing path. Each worker
// holds its own entry; the gate keeps a path to one worker at a time.
func (s *State) SetCurrent(path string) {
	s.mu.Lock()
	s.running[path] = time.Now()
	s.mu.Unlock()
}

// ClearCurrent removes path from the in-progress set.
func (s *State) ClearCurrent(path string) {
	s.mu.Lock()
	delete(s.running, path)
	s.mu.Unlock()
}

// InProgress returns the passes currently running, oldest first.
func (s *State) InProgress() []Pass {
	s.mu.Lock()
	out := make([]Pass, 0, len(s.running))
	for path, since := range s.running {
		out = append(out, Pass{Path: path, Since: since})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Pause asks workers to hold before their next pass. A pass already running
// completes first.
func (s *State) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

// Resume releases workers held by Pause.
func (s *State) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resume)
	s.resume = make(chan struct{})
}

// Paused reports whether the pipeline is paused.
func (s *State) Paused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.paused
}

// WaitIfPaused blocks while the pipeline is paused. It is the only pause
// point and is called between passes.
func (s *State) WaitIfPaused(ctx context.Context) error {
	for {
		s.pauseMu.Lock()
		if !s.paused {
			s.pauseMu.Unlock()
			return nil
		}
		ch := s.resume
		s.pauseMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Counter returns the global event counter.
func (s *State) Counter() *Counter {
	return s.counter
}

// Counter hands out strictly increasing event numbers. Each number is
// handed out once.
type Counter struct {
	mu sync.Mutex
	n  int64
}

// Seed raises the counter to at least n. It never lowers it.
func (c *Counter) Seed(n int64) {
	c.mu.Lock()
	if n > c.n {
		c.n = n
	}
	c.mu.Unlock()
}

// Commit draws the next number and runs persist with it while holding the
// counter, so numbers reach the store in order and Current never runs ahead
// of a commit in flight. A number whose persist fails is not reused.
func (c *Counter) Commit(persist func(n int64) error) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n, persist(c.n)
}

// Current returns the last number handed out (0 if none).
func (c *Counter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
