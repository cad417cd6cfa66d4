// Package gate coalesces work per path so that at most one comparison pass
// runs for a path at any instant.
//
// Each path moves through a small state machine:
//
//	Idle --Submit--> queued --Next--> Running --Done--> Idle
//	Running --Submit--> RunningWithPendingRerun --Done--> queued
//
// Submit never blocks. Queued paths sit in an unbounded FIFO holding at most
// one entry per path, so bursts on one file collapse into a single rerun
// that reads the latest file state.
package gate

import (
	"context"
	"sync"
)

// State is the processing state of a path.
type State int

const (
	Idle State = iota
	Queued
	Running
	RunningWithPendingRerun
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case RunningWithPendingRerun:
		return "running_with_pending_rerun"
	default:
		return "unknown"
	}
}

// Gate is the per-path single-flight state machine plus its FIFO.
type Gate struct {
	mu     sync.Mutex
	states map[string]State
	queue  []string

	// notify has capacity 1 and signals that the queue became non-empty.
	notify chan struct{}
	// idle is closed and replaced whenever a path returns to Idle.
	idle chan struct{}
}

// New creates an empty gate.
func New() *Gate {
	return &Gate{
		states: make(map[string]State),
		notify: make(chan struct{}, 1),
		idle:   make(chan struct{}),
	}
}

// Submit requests a pass for key. It reports whether a new queue entry was
// created; false means the request was coalesced into existing work.
func (g *Gate) Submit(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.states[key] {
	case Idle:
		g.enqueueLocked(key)
		return true
	case Running:
		g.states[key] = RunningWithPendingRerun
	}
	return false
}

func (g *Gate) enqueueLocked(key string) {
	g.states[key] = Queued
	g.queue = append(g.queue, key)
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a queued path is available, marks it Running and returns
// it. It returns ctx.Err() when ctx is done first.
func (g *Gate) Next(ctx context.Context) (string, error) {
	for {
		g.mu.Lock()
		if len(g.queue) > 0 {
			key := g.queue[0]
			g.queue[0] = ""
			g.queue = g.queue[1:]
			g.states[key] = Running
			more := len(g.queue) > 0
			g.mu.Unlock()
			if more {
				// Wake another worker for the remaining entries.
				select {
				case g.notify <- struct{}{}:
				default:
				}
			}
			return key, nil
		}
		g.mu.Unlock()

		select {
		case <-g.notify:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Done ends the pass for key. A pending rerun is re-enqueued immediately.
func (g *Gate) Done(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.states[key] {
	case RunningWithPendingRerun:
		g.enqueueLocked(key)
	case Running:
		delete(g.states, key)
		close(g.idle)
		g.idle = make(chan struct{})
	}
}

// Acquire waits until key is Idle and marks it Running without going through
// the queue. It is used for explicit baseline requests. Release with Done.
func (g *Gate) Acquire(ctx context.Context, key string) error {
	for {
		g.mu.Lock()
		if g.states[key] == Idle {
			g.states[key] = Running
			g.mu.Unlock()
			return nil
		}
		idle := g.idle
		g.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current state of key.
func (g *Gate) State(key string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[key]
}

// Len returns the number of queued paths.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Active returns the number of paths that are not Idle.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.states)
}
