// Package watcher turns filesystem notifications for spreadsheet files into
// a stream of settled per-file events.
//
// Each scheduled root gets a backend once: fsnotify push notifications, or a
// stat-based polling backend for network shares, volume roots and forced
// polling. A root whose native watch is lost falls back to polling.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change observed for a file.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpMove
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "created"
	case OpModify:
		return "modified"
	case OpMove:
		return "moved"
	case OpDelete:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a settled change to one spreadsheet file.
type Event struct {
	Path    string
	Op      Op
	Root    string
	Backend Backend
	Time    time.Time
}

// Folder is a scheduled root.
type Folder struct {
	Root      string
	Recursive bool
	Backend   Backend
}

// Options configures a Watcher.
type Options struct {
	Extensions   []string
	ForcePolling bool

	// PollInterval drives the polling backend. Defaults to 2s.
	PollInterval time.Duration

	// Settle is how long a file must stay quiet before its event is
	// delivered. Defaults to 500ms; negative delivers on the next tick.
	Settle time.Duration

	Logger *slog.Logger
}

type pendingEvent struct {
	op       Op
	root     string
	backend  Backend
	lastSeen time.Time
}

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher watches scheduled roots.
type Watcher struct {
	filter       Filter
	forcePolling bool
	pollInterval time.Duration
	settle       time.Duration
	logger       *slog.Logger

	fsWatcher *fsnotify.Watcher

	mu         sync.Mutex
	folders    map[string]*Folder
	nativeDirs map[string]string // watched directory -> root
	pollState  map[string]map[string]fileState
	pending    map[string]pendingEvent
	started    bool

	events chan Event

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher. No root is watched until Schedule is called.
func New(opts Options) *Watcher {
	w := &Watcher{
		filter:       NewFilter(opts.Extensions),
		forcePolling: opts.ForcePolling,
		pollInterval: opts.PollInterval,
		settle:       opts.Settle,
		logger:       opts.Logger,
		folders:      make(map[string]*Folder),
		nativeDirs:   make(map[string]string),
		pollState:    make(map[string]map[string]fileState),
		pending:      make(map[string]pendingEvent),
		events:       make(chan Event, 256),
		done:         make(chan struct{}),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 2 * time.Second
	}
	switch {
	case w.settle < 0:
		w.settle = 0
	case w.settle == 0:
		w.settle = 500 * time.Millisecond
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w
}

// Events returns the event channel. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Filter returns the extension filter in use.
func (w *Watcher) Filter() Filter {
	return w.filter
}

// Schedule registers root. A missing or unreadable root is logged and
// skipped; Schedule then returns false.
func (w *Watcher) Schedule(root string, recursive bool) bool {
	abs, err := filepath.Abs(root)
	if err != nil {
		w.logger.Warn("cannot resolve watch root", "root", root, "error", err)
		return false
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		w.logger.Warn("watch root unavailable, skipping", "root", abs, "error", errOrNotDir(err))
		return false
	}

	w.mu.Lock()
	_, exists := w.folders[abs]
	w.mu.Unlock()
	if exists {
		return true
	}

	backend := SelectBackend(abs, w.forcePolling)
	if backend == BackendNative {
		if err := w.addNative(abs, recursive); err != nil {
			w.logger.Warn("native watch failed, using polling", "root", abs, "error", err)
			backend = BackendPolling
		}
	}
	if backend == BackendPolling {
		w.seedPolling(abs, recursive)
	}

	w.mu.Lock()
	w.folders[abs] = &Folder{Root: abs, Recursive: recursive, Backend: backend}
	w.mu.Unlock()

	w.logger.Info("watching folder", "root", abs, "recursive", recursive, "backend", backend.String())
	return true
}

func errOrNotDir(err error) error {
	if err != nil {
		return err
	}
	return errors.New("not a directory")
}

// Folders returns the scheduled roots sorted by path.
func (w *Watcher) Folders() []Folder {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Folder, 0, len(w.folders))
	for _, f := range w.folders {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// Start begins delivering events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}
	select {
	case <-w.done:
		w.mu.Unlock()
		return fmt.Errorf("watcher stopped")
	default:
	}
	w.started = true
	fsw := w.fsWatcher
	w.mu.Unlock()

	if fsw != nil {
		w.wg.Add(1)
		go w.nativeLoop(fsw)
	}
	w.wg.Add(2)
	go w.pollLoop()
	go w.settleLoop()
	return nil
}

// Stop ends all delivery. Once Stop returns no further event is sent and
// the events channel is closed. Stop is idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		fsw := w.fsWatcher
		w.mu.Unlock()
		if fsw != nil {
			err = fsw.Close()
		}

		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *Watcher) stopping() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// record notes a raw change for path; it is delivered once settled.
func (w *Watcher) record(path string, op Op, root string, backend Backend, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, ok := w.pending[path]
	if ok {
		op = mergeOps(prev.op, op)
	}
	w.pending[path] = pendingEvent{op: op, root: root, backend: backend, lastSeen: now}
}

// mergeOps folds a burst of raw operations into the one that describes the
// net effect.
func mergeOps(prev, next Op) Op {
	switch {
	case next == OpDelete || next == OpMove:
		return next
	case prev == OpDelete || prev == OpMove:
		// Replaced in place, the usual save-via-rename pattern.
		return OpModify
	case prev == OpCreate:
		return OpCreate
	default:
		return next
	}
}

func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	tick := w.settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flushSettled(now)
		}
	}
}

// flushSettled delivers pending events that have been quiet long enough.
// The lock is released before sending.
func (w *Watcher) flushSettled(now time.Time) {
	threshold := now.Add(-w.settle)

	type ready struct {
		path string
		pendingEvent
	}
	var batch []ready

	w.mu.Lock()
	for path, p := range w.pending {
		if !p.lastSeen.After(threshold) {
			batch = append(batch, ready{path: path, pendingEvent: p})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].lastSeen.Before(batch[j].lastSeen) })

	for _, r := range batch {
		ev := Event{Path: r.path, Op: r.op, Root: r.root, Backend: r.backend, Time: r.lastSeen}
		select {
		case w.events <- ev:
		case <-w.done:
			return
		}
	}
}

// rootFor returns the scheduled root containing path.
func (w *Watcher) rootFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rootForLocked(path)
}

func (w *Watcher) rootForLocked(path string) (string, bool) {
	if root, ok := w.nativeDirs[filepath.Dir(path)]; ok {
		return root, true
	}
	best := ""
	for root := range w.folders {
		if within(root, path) && len(root) > len(best) {
			best = root
		}
	}
	return best, best != ""
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !startsWithParent(rel))
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && os.IsPathSeparator(rel[2])
}
