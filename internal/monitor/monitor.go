// Package monitor assembles the change detection pipeline: the folder
// watcher and the active poller feed the per-path gate, workers drain it
// through the comparison engine, and outcomes go to sinks, the journal and
// the metrics registry.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"xlwatch/internal/baseline"
	"xlwatch/internal/codec"
	"xlwatch/internal/compare"
	"xlwatch/internal/config"
	"xlwatch/internal/gate"
	"xlwatch/internal/health"
	"xlwatch/internal/identity"
	"xlwatch/internal/logging"
	"xlwatch/internal/metrics"
	"xlwatch/internal/poller"
	"xlwatch/internal/runstate"
	"xlwatch/internal/sheet"
	"xlwatch/internal/store"
	"xlwatch/internal/watcher"
)

// ErrStopped is returned by operations on a stopped monitor.
var ErrStopped = errors.New("monitor: stopped")

// Options carries the collaborators a Monitor does not build itself. Every
// field is optional.
type Options struct {
	Sink     Sink
	Logger   *logging.Logger
	Metrics  *metrics.Monitor
	Journal  *logging.Journal
	Crash    *logging.CrashHandler
	Resolver identity.Resolver

	// State is the shared run state. The monitor creates its own when nil.
	State *runstate.State
}

// Monitor runs the pipeline for one configuration snapshot.
type Monitor struct {
	cfg     *config.Config
	runID   string
	logger  *logging.Logger
	sink    Sink
	metrics *metrics.Monitor
	journal *logging.Journal
	crash   *logging.CrashHandler

	state     *runstate.State
	store     *store.Store
	baselines *baseline.Manager
	engine    *compare.Engine
	gate      *gate.Gate
	dedup     *poller.Dedup
	watcher   *watcher.Watcher
	poller    *poller.Poller

	mu       sync.Mutex
	started  bool
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New opens the baseline store and wires the pipeline. Nothing runs until
// Start; CreateBaselinesForFiles and EventsSince work without it.
func New(cfg *config.Config, opts Options) (*Monitor, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg = cfg.Clone()

	runID := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("monitor").WithRunID(runID)

	m := &Monitor{
		cfg:     cfg,
		runID:   runID,
		logger:  logger,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		journal: opts.Journal,
		crash:   opts.Crash,
		state:   opts.State,
		gate:    gate.New(),
		dedup:   poller.NewDedup(cfg.DedupWindow()),
	}
	if m.sink == nil {
		m.sink = discardSink{}
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMonitor(nil)
	}
	if m.state == nil {
		m.state = runstate.New(context.Background())
	}
	if m.journal != nil {
		m.journal.SetRunID(runID)
	}
	if m.crash != nil {
		m.crash.SetRunID(runID)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open baseline store: %w", err)
	}
	m.store = st

	last, err := st.LastEventNumber(context.Background())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("read event high-water mark: %w", err)
	}
	m.state.Counter().Seed(last)
	m.metrics.LastEventNumber.Set(last)

	format := codec.ValidateFormat(cfg.Baseline.CompressionFormat, logger.WithComponent("codec").Logger)
	m.baselines = baseline.New(baseline.Options{
		Store: st,
		Loader: &sheet.Reader{
			CacheDir:     cfg.LocalCacheDir(),
			MaxFileSize:  cfg.Baseline.MaxFileSize,
			MaxScanCells: cfg.Baseline.MaxScanCells,
		},
		Format: format,
		Policy: cfg.RetryPolicy(),
		Logger: logger.WithComponent("baseline").Logger,
	})

	resolver := opts.Resolver
	if resolver == nil {
		resolver = identity.Default()
	}
	m.engine = compare.NewEngine(compare.Config{
		Baselines: m.baselines,
		Counter:   m.state.Counter(),
		Resolver:  resolver,
		Whitelist: identity.NewWhitelist(cfg.Compare.Whitelist),
		Options:   compare.Options{FormulaOnly: cfg.Compare.FormulaOnly},
		RunID:     runID,
		Logger:    logger.WithComponent("compare").Logger,
	})

	m.watcher = watcher.New(watcher.Options{
		Extensions:   cfg.Watch.Extensions,
		ForcePolling: cfg.Watch.ForcePolling,
		PollInterval: cfg.PollInterval(),
		Settle:       cfg.Settle(),
		Logger:       logger.WithComponent("watcher").Logger,
	})

	m.poller = poller.New(poller.Config{
		Interval: cfg.PollingInterval(),
		Timeout:  cfg.FileTimeout(),
		Known:    m.knownPaths,
		Roots:    m.watcher.Folders,
		Filter:   m.watcher.Filter(),
		Submit: func(path string) {
			m.submit(path, poller.SourcePoll)
		},
		OnCycle: func(int) {
			m.metrics.PollCyclesTotal.Inc()
		},
		State:  m.state,
		Logger: logger.WithComponent("poller").Logger,
	})

	return m, nil
}

// RunID identifies this run in events, logs and the journal.
func (m *Monitor) RunID() string {
	return m.runID
}

// State returns the shared run state.
func (m *Monitor) State() *runstate.State {
	return m.state
}

// Metrics returns the pipeline metrics.
func (m *Monitor) Metrics() *metrics.Monitor {
	return m.metrics
}

// Start runs the startup scan, schedules the watch roots and launches the
// workers, the dispatch loop and the poller. It returns once the startup
// scan is done; the pipeline keeps running until Stop or until ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return ErrStopped
	case m.started:
		m.mu.Unlock()
		return errors.New("monitor: already started")
	}
	m.started = true
	m.mu.Unlock()

	runCtx := m.state.Context()
	// ctx is often the run context itself; a stop already under way must not
	// count as a second request.
	stopWatch := context.AfterFunc(ctx, func() {
		if !m.state.Stopping() {
			m.state.RequestStop()
		}
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-runCtx.Done()
		stopWatch()
	}()

	m.logStartup(runCtx)

	for _, root := range m.cfg.Watch.Roots {
		m.watcher.Schedule(root, m.cfg.Watch.Recursive)
	}
	for _, root := range m.cfg.Watch.MonitorOnly {
		m.watcher.Schedule(root, m.cfg.Watch.Recursive)
	}
	if err := m.watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	pool := &gate.Pool{
		Gate:    m.gate,
		Workers: m.cfg.Runtime.Workers,
		Handler: m.handle,
		Pauser:  m.state,
		Logger:  m.logger.WithComponent("pool").Logger,
		OnPanic: m.onPanic,
	}
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := pool.Run(runCtx); err != nil {
			m.logger.Error("worker pool stopped", "error", err)
		}
	}()
	go func() {
		defer m.wg.Done()
		m.dispatch(runCtx)
	}()

	m.startupScan(runCtx)

	m.poller.Start(runCtx)
	m.logger.Info("monitor started",
		"folders", len(m.watcher.Folders()),
		"workers", pool.Workers,
		"last_event", m.CurrentEventNumber())
	return nil
}

// startupScan baselines the manual targets and, in scan-all mode, every
// spreadsheet under the scan roots. Monitor-only roots are never scanned.
func (m *Monitor) startupScan(ctx context.Context) {
	var paths []string
	for _, target := range m.cfg.Baseline.ManualTargets {
		if _, err := os.Stat(target); err != nil {
			m.logger.Warn("manual baseline target missing", "path", target, "error", err)
			continue
		}
		paths = append(paths, target)
	}

	if m.cfg.Watch.ScanAll {
		filter := m.watcher.Filter()
		for _, root := range m.cfg.EffectiveScanRoots() {
			files, err := watcher.ListFiles(root, m.cfg.Watch.Recursive, filter)
			if err != nil {
				m.logger.Warn("cannot scan root", "root", root, "error", err)
				continue
			}
			paths = append(paths, files...)
		}
	}
	if len(paths) == 0 {
		return
	}

	start := time.Now()
	results := m.CreateBaselinesForFiles(ctx, paths)
	counts := make(map[Status]int)
	for _, r := range results {
		counts[r.Status]++
	}
	m.logger.Info("startup scan complete",
		"files", len(results),
		"created", counts[StatusCreated],
		"existing", counts[StatusExists],
		"skipped", counts[StatusSkipped],
		"errors", counts[StatusError],
		"elapsed", time.Since(start).Round(time.Millisecond))
}

func (m *Monitor) logStartup(ctx context.Context) {
	available := codec.Available()
	names := make([]string, len(available))
	for i, f := range available {
		names[i] = string(f)
	}
	m.logger.Info("starting monitor",
		"available_formats", names,
		"format", string(m.baselines.Format()),
		"formula_only", m.cfg.Compare.FormulaOnly,
		"scan_all", m.cfg.Watch.ScanAll,
		"force_polling", m.cfg.Watch.ForcePolling,
		"local_cache", m.cfg.Baseline.UseLocalCache,
		"whitelist", len(m.cfg.Compare.Whitelist),
		"workers", m.cfg.Runtime.Workers)

	if m.journal != nil {
		err := m.journal.Startup(ctx, m.runID, map[string]any{
			"format":       string(m.baselines.Format()),
			"roots":        m.cfg.Watch.Roots,
			"monitor_only": m.cfg.Watch.MonitorOnly,
			"formula_only": m.cfg.Compare.FormulaOnly,
			"scan_all":     m.cfg.Watch.ScanAll,
		})
		if err != nil {
			m.logger.Warn("journal write failed", "error", err)
		}
	}
}

// Stop ends the pipeline. A pass in progress completes; queued paths are
// dropped and picked up by the next run's polling. Stop is idempotent.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		started := m.started
		m.mu.Unlock()

		if !m.state.Stopping() {
			m.state.RequestStop()
		}

		var errs []error
		if started {
			m.poller.Stop()
		}
		if err := m.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
		m.wg.Wait()

		if started && m.journal != nil {
			if err := m.journal.Shutdown(context.Background(), "stop"); err != nil {
				errs = append(errs, fmt.Errorf("journal shutdown: %w", err))
			}
		}
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		m.stopErr = errors.Join(errs...)
		m.logger.Info("monitor stopped", "last_event", m.CurrentEventNumber())
	})
	return m.stopErr
}

// Submit requests a pass for path outside the watcher and the poller.
func (m *Monitor) Submit(path string) error {
	norm, err := baseline.NormalizePath(path)
	if err != nil {
		return err
	}
	m.submit(norm, poller.SourceManual)
	return nil
}

func (m *Monitor) submit(path string, src poller.Source) {
	if m.state.Stopping() {
		return
	}
	if !m.dedup.Allow(path, src) {
		m.metrics.DedupDropsTotal.Inc()
		return
	}
	if m.gate.Submit(path) {
		m.logger.Debug("pass queued", "path", path, "source", src.String())
	}
	m.metrics.QueueDepth.Set(int64(m.gate.Len()))
}

func (m *Monitor) dispatch(ctx context.Context) {
	events := m.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.metrics.RawEventsTotal.Inc()
			m.logger.Debug("file event", "path", ev.Path, "op", ev.Op.String(), "backend", ev.Backend.String())
			m.submit(ev.Path, poller.SourcePush)
		}
	}
}

func (m *Monitor) knownPaths(ctx context.Context) ([]string, error) {
	infos, err := m.baselines.Known(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i, info := range infos {
		paths[i] = info.Path
	}
	return paths, nil
}

// handle is the worker pass for one path. The caller holds the gate entry.
func (m *Monitor) handle(ctx context.Context, path string) {
	m.state.SetCurrent(path)
	defer m.state.ClearCurrent(path)
	m.metrics.ActivePasses.Inc()
	defer m.metrics.ActivePasses.Dec()
	m.metrics.QueueDepth.Set(int64(m.gate.Len()))

	start := time.Now()
	res := m.engine.Process(ctx, path)
	m.metrics.Pass(string(res.Outcome), time.Since(start))

	// A load interrupted by shutdown is not a file failure.
	if res.Outcome == compare.OutcomeError && ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
		m.logger.Debug("pass interrupted by stop", "path", path)
		return
	}
	m.report(context.WithoutCancel(ctx), res)
}

func (m *Monitor) report(ctx context.Context, res compare.Result) {
	switch res.Outcome {
	case compare.OutcomeUnchanged:
		m.logger.Debug("file unchanged", "path", res.Path)

	case compare.OutcomeNoReportable:
		m.logger.Debug("baseline refreshed, no reportable change", "path", res.Path)

	case compare.OutcomeGone:
		m.logger.Debug("file gone without baseline", "path", res.Path)

	case compare.OutcomeRecreated:
		m.metrics.BaselinesTotal.Inc()
		m.logger.Info("stale baseline recreated", "path", res.Path)
		m.sink.Status(ctx, FileStatus{Path: res.Path, Status: StatusCreated})
		m.record(ctx, logging.Entry{
			Kind: logging.EntryBaseline, Path: res.Path,
			Details: map[string]any{"reason": "stale"},
		})

	case compare.OutcomeChanged:
		ev := res.Event
		m.metrics.LastEventNumber.Set(ev.Number)
		if ev.Suppressed {
			m.metrics.SuppressedTotal.Inc()
			m.logger.Info("change suppressed by whitelist",
				"number", ev.Number, "path", ev.Path, "author", ev.Author)
			m.record(ctx, logging.Entry{
				Kind: logging.EntrySuppressed, Path: ev.Path,
				Number: uint64(ev.Number), Author: ev.Author,
			})
			return
		}
		m.metrics.Event(uint64(ev.Number), len(ev.Changes))
		m.sink.Event(ctx, ev)
		m.record(ctx, logging.Entry{
			Kind: logging.EntryChange, Path: ev.Path,
			Number: uint64(ev.Number), Author: ev.Author,
			Details: map[string]any{
				"event_id": ev.ID,
				"cells":    len(ev.Changes),
				"sheets":   len(ev.Sheets),
			},
		})

	case compare.OutcomeTombstoned:
		m.metrics.TombstonesTotal.Inc()
		m.sink.Status(ctx, FileStatus{Path: res.Path, Status: StatusTombstoned})
		m.record(ctx, logging.Entry{Kind: logging.EntryTombstone, Path: res.Path})

	case compare.OutcomeSkipped:
		m.metrics.SkipsTotal.Inc()
		m.poller.Invalidate(res.Path)
		m.sink.Status(ctx, FileStatus{Path: res.Path, Status: StatusSkipped, Err: res.Err})
		m.record(ctx, logging.Entry{Kind: logging.EntrySkip, Path: res.Path, Error: errString(res.Err)})

	case compare.OutcomeError:
		m.metrics.ErrorsTotal.Inc()
		m.poller.Invalidate(res.Path)
		m.sink.Status(ctx, FileStatus{Path: res.Path, Status: StatusError, Err: res.Err})
		m.record(ctx, logging.Entry{Kind: logging.EntryError, Path: res.Path, Error: errString(res.Err)})
	}
}

func (m *Monitor) record(ctx context.Context, e logging.Entry) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(ctx, e); err != nil {
		m.logger.Warn("journal write failed", "kind", string(e.Kind), "error", err)
	}
}

func (m *Monitor) onPanic(path string, recovered any) {
	m.metrics.ErrorsTotal.Inc()
	m.poller.Invalidate(path)
	if m.crash != nil {
		report := m.crash.HandlePanic(recovered, map[string]any{"path": path})
		m.logger.Error("crash report written", "path", path, "component", report.Component)
	}
}

// CreateBaselinesForFiles baselines each path that has none yet. Each path
// is taken through the gate, so a request never overlaps a pass for the
// same file. Results follow the order of paths after normalization and
// deduplication.
func (m *Monitor) CreateBaselinesForFiles(ctx context.Context, paths []string) []FileStatus {
	seen := make(map[string]bool, len(paths))
	var norm []string
	var results []FileStatus
	for _, p := range paths {
		n, err := baseline.NormalizePath(p)
		if err != nil {
			results = append(results, FileStatus{Path: p, Status: StatusError, Err: err})
			continue
		}
		if !seen[n] {
			seen[n] = true
			norm = append(norm, n)
		}
	}

	filter := m.watcher.Filter()
	for _, path := range norm {
		if ctx.Err() != nil {
			results = append(results, FileStatus{Path: path, Status: StatusError, Err: ctx.Err()})
			continue
		}
		if !filter.Match(path) {
			results = append(results, FileStatus{
				Path: path, Status: StatusError,
				Err: fmt.Errorf("not a supported spreadsheet: %s", path),
			})
			continue
		}
		results = append(results, m.createBaseline(ctx, path))
	}
	return results
}

func (m *Monitor) createBaseline(ctx context.Context, path string) FileStatus {
	if err := m.gate.Acquire(ctx, path); err != nil {
		return FileStatus{Path: path, Status: StatusError, Err: err}
	}
	defer m.gate.Done(path)

	status, err := m.baselines.Create(ctx, path)
	fs := FileStatus{Path: path, Status: Status(status), Err: err}

	switch fs.Status {
	case StatusCreated:
		m.metrics.BaselinesTotal.Inc()
		m.record(ctx, logging.Entry{Kind: logging.EntryBaseline, Path: path})
	case StatusSkipped:
		m.metrics.SkipsTotal.Inc()
		m.record(ctx, logging.Entry{Kind: logging.EntrySkip, Path: path, Error: errString(err)})
	case StatusError:
		m.metrics.ErrorsTotal.Inc()
		m.record(ctx, logging.Entry{Kind: logging.EntryError, Path: path, Error: errString(err)})
	}
	m.sink.Status(ctx, fs)
	return fs
}

// CurrentEventNumber returns the last event number drawn, including
// numbers restored from the store at startup. Every event numbered at or
// below it is committed, unless its commit failed.
func (m *Monitor) CurrentEventNumber() int64 {
	return m.state.Counter().Current()
}

// EventsSince returns persisted events numbered above cursor, oldest first.
// A non-positive limit returns all of them.
func (m *Monitor) EventsSince(ctx context.Context, cursor int64, limit int) ([]*compare.Event, error) {
	recs, err := m.store.EventsSince(ctx, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]*compare.Event, 0, len(recs))
	for _, r := range recs {
		ev, err := compare.FromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Stats summarizes the baseline store.
func (m *Monitor) Stats(ctx context.Context) (*store.Stats, error) {
	return m.store.GetStats(ctx)
}

// Pause holds workers before their next pass.
func (m *Monitor) Pause() {
	if !m.state.Paused() {
		m.logger.Warn("processing paused")
	}
	m.state.Pause()
	m.metrics.Paused.Set(1)
}

// Resume releases paused workers.
func (m *Monitor) Resume() {
	if m.state.Paused() {
		m.logger.Info("processing resumed")
	}
	m.state.Resume()
	m.metrics.Paused.Set(0)
}

// WriteMetrics samples runtime gauges and writes every metric in the
// Prometheus text format.
func (m *Monitor) WriteMetrics(w io.Writer) error {
	m.metrics.UpdateRuntime()
	m.metrics.QueueDepth.Set(int64(m.gate.Len()))
	return m.metrics.Registry().WritePrometheus(w)
}

// minFreeDisk is the free space below which the store's disk is degraded.
const minFreeDisk = 100 << 20

// Health builds a checker over the store, the configured folders, free
// space next to the database and the heap.
func (m *Monitor) Health() *health.Checker {
	folders := append(append([]string(nil), m.cfg.Watch.Roots...), m.cfg.Watch.MonitorOnly...)

	c := health.NewChecker()
	c.RegisterFunc("store", true, health.DatabaseCheck(m.store.Ping))
	c.RegisterFunc("schema", true, health.SchemaCheck(m.schemaStatus))
	c.RegisterFunc("folders", false, health.FoldersCheck(folders))
	c.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(m.cfg.Storage.Path), minFreeDisk))
	c.RegisterFunc("memory", false, health.MemoryCheck(m.cfg.Runtime.MemoryLimitMB))
	return c
}

func (m *Monitor) schemaStatus(ctx context.Context) (int, int, []string, error) {
	st, err := m.store.SchemaStatus(ctx)
	return st.Version, st.LatestVersion, st.MissingTables, err
}

// Folders returns the watched roots.
func (m *Monitor) Folders() []watcher.Folder {
	return m.watcher.Folders()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
