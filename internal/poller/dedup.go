package poller

import (
	"sync"
	"time"
)

// Source says where a change notification came from.
type Source int

const (
	// SourcePush is the watcher, whichever backend it uses for the root.
	SourcePush Source = iota
	// SourcePoll is the active polling coordinator.
	SourcePoll
	// SourceManual is an explicit request.
	SourceManual
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePoll:
		return "poll"
	case SourceManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Dedup drops poll notifications for paths the watcher reported within the
// window.
type Dedup struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	lastPush map[string]time.Time
	pruned   time.Time
}

// NewDedup creates a dedup filter. A non-positive window disables it.
func NewDedup(window time.Duration) *Dedup {
	return &Dedup{
		window:   window,
		now:      time.Now,
		lastPush: make(map[string]time.Time),
	}
}

// Allow records the notification and reports whether it should be processed.
func (d *Dedup) Allow(path string, src Source) bool {
	if d == nil || d.window <= 0 {
		return true
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)

	switch src {
	case SourcePush:
		d.lastPush[path] = now
		return true
	case SourcePoll:
		if t, ok := d.lastPush[path]; ok && now.Sub(t) < d.window {
			return false
		}
	}
	return true
}

func (d *Dedup) pruneLocked(now time.Time) {
	if now.Sub(d.pruned) < d.window {
		return
	}
	for path, t := range d.lastPush {
		if now.Sub(t) >= d.window {
			delete(d.lastPush, path)
		}
	}
	d.pruned = now
}
