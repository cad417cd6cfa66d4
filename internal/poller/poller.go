// Package poller periodically re-stats every known spreadsheet to catch
// changes the push backend missed, and keeps per-file timeout bookkeeping.
package poller

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"xlwatch/internal/runstate"
	"xlwatch/internal/watcher"
)

// Config wires a Poller.
type Config struct {
	// Interval between cycles. Defaults to 30s.
	Interval time.Duration

	// Timeout, when positive, is the per-file processing time after which a
	// warning is logged.
	Timeout time.Duration

	// Known lists baselined paths.
	Known func(ctx context.Context) ([]string, error)

	// Roots lists the watched folders whose files are also polled.
	Roots func() []watcher.Folder

	Filter watcher.Filter

	// Submit receives every path whose state changed. It must not block.
	Submit func(path string)

	// OnCycle, when set, runs after each completed cycle with the number of
	// paths submitted.
	OnCycle func(submitted int)

	State  *runstate.State
	Logger *slog.Logger
}

type fileState struct {
	modTime time.Time
	size    int64
	missing bool
}

// Poller runs polling cycles until stopped.
type Poller struct {
	cfg Config

	mu     sync.Mutex
	last   map[string]fileState
	seeded bool

	// warned maps in-progress paths to the start of the pass already warned
	// about.
	warned map[string]time.Time

	cycleMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a poller.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Submit == nil {
		cfg.Submit = func(string) {}
	}
	return &Poller{
		cfg:  cfg,
		last:   make(map[string]fileState),
		warned: make(map[string]time.Time),
		stop:   make(chan struct{}),
	}
}

// Start launches the polling loop. The loop ends when ctx is done or Stop
// is called.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop ends the loop and waits for an in-progress cycle to finish. It is
// idempotent and safe to call from any goroutine.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Timeout checks also run between cycles when the interval is long.
	var timeoutC <-chan time.Time
	if p.cfg.Timeout > 0 {
		t := time.NewTicker(max(p.cfg.Timeout/4, 10*time.Millisecond))
		defer t.Stop()
		timeoutC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Cycle(ctx)
		case <-timeoutC:
			p.checkTimeout()
		}
	}
}

func (p *Poller) stopped(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Cycle runs one polling pass. The first pass only records file state;
// later passes submit every path that appeared, changed or vanished.
// A known baseline whose file is missing is submitted on any pass.
func (p *Poller) Cycle(ctx context.Context) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.checkTimeout()

	known := make(map[string]bool)
	if p.cfg.Known != nil {
		paths, err := p.cfg.Known(ctx)
		if err != nil {
			p.cfg.Logger.Warn("cannot list known files", "error", err)
		}
		for _, path := range paths {
			known[path] = true
		}
	}

	candidates := make(map[string]struct{}, len(known))
	for path := range known {
		candidates[path] = struct{}{}
	}
	if p.cfg.Roots != nil {
		for _, f := range p.cfg.Roots() {
			files, err := watcher.ListFiles(f.Root, f.Recursive, p.cfg.Filter)
			if err != nil {
				p.cfg.Logger.Debug("cannot list root", "root", f.Root, "error", err)
				continue
			}
			for _, path := range files {
				candidates[path] = struct{}{}
			}
		}
	}

	p.mu.Lock()
	seeded := p.seeded
	prev := make(map[string]fileState, len(p.last))
	for k, v := range p.last {
		prev[k] = v
		// Files seen last cycle are stat'ed even when the listing no
		// longer returns them, so deletions are reported.
		candidates[k] = struct{}{}
	}
	p.mu.Unlock()

	// Stat without holding the lock.
	next := make(map[string]fileState, len(candidates))
	var changed []string
	for path := range candidates {
		if p.stopped(ctx) {
			return
		}
		old, seen := prev[path]

		info, err := os.Stat(path)
		if err != nil {
			if (seen && !old.missing) || (!seen && known[path]) {
				changed = append(changed, path)
			}
			// Only baselined files stay tracked while missing; anything
			// else is forgotten once its deletion was reported.
			if known[path] {
				next[path] = fileState{missing: true}
			}
			continue
		}

		cur := fileState{modTime: info.ModTime(), size: info.Size()}
		next[path] = cur
		switch {
		case !seen:
			if seeded {
				changed = append(changed, path)
			}
		case old.missing || !old.modTime.Equal(cur.modTime) || old.size != cur.size:
			changed = append(changed, path)
		}
	}

	p.mu.Lock()
	for path, st := range next {
		p.last[path] = st
	}
	for path := range p.last {
		if _, ok := next[path]; !ok {
			delete(p.last, path)
		}
	}
	p.seeded = true
	p.mu.Unlock()

	for _, path := range changed {
		p.cfg.Submit(path)
	}
	if p.cfg.OnCycle != nil {
		p.cfg.OnCycle(len(changed))
	}
}

// Invalidate forgets what the poller knows about path, so the next cycle
// submits it again. Used for files whose pass was skipped.
func (p *Poller) Invalidate(path string) {
	p.mu.Lock()
	delete(p.last, path)
	p.mu.Unlock()
}

// checkTimeout warns once per pass that runs longer than Timeout. Every
// worker's pass is checked.
func (p *Poller) checkTimeout() {
	if p.cfg.Timeout <= 0 || p.cfg.State == nil {
		return
	}
	passes := p.cfg.State.InProgress()

	var slow []runstate.Pass
	p.mu.Lock()
	live := make(map[string]bool, len(passes))
	for _, pass := range passes {
		live[pass.Path] = true
		if time.Since(pass.Since) < p.cfg.Timeout {
			continue
		}
		if since, ok := p.warned[pass.Path]; ok && since.Equal(pass.Since) {
			continue
		}
		p.warned[pass.Path] = pass.Since
		slow = append(slow, pass)
	}
	for path := range p.warned {
		if !live[path] {
			delete(p.warned, path)
		}
	}
	p.mu.Unlock()

	for _, pass := range slow {
		p.cfg.Logger.Warn("file processing exceeds timeout",
			"path", pass.Path,
			"elapsed", time.Since(pass.Since).Round(time.Millisecond),
			"timeout", p.cfg.Timeout)
	}
}
