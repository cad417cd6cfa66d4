package compare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"xlwatch/internal/baseline"
	"xlwatch/internal/identity"
	"xlwatch/internal/runstate"
	"xlwatch/internal/sheet"
	"xlwatch/internal/store"
)

// Event is a numbered record of what changed in one file.
type Event struct {
	Number     int64         `json:"number"`
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	Path       string        `json:"path"`
	Timestamp  time.Time     `json:"timestamp"`
	Author     string        `json:"author,omitempty"`
	Changes    []CellChange  `json:"changes"`
	Sheets     []SheetChange `json:"sheets,omitempty"`
	Suppressed bool          `json:"suppressed,omitempty"`
}

// Empty reports whether the event carries no change.
func (e *Event) Empty() bool {
	return e == nil || (len(e.Changes) == 0 && len(e.Sheets) == 0)
}

type eventBody struct {
	Changes []CellChange  `json:"changes"`
	Sheets  []SheetChange `json:"sheets,omitempty"`
}

// Record converts e to its persisted form.
func (e *Event) Record() (*store.Event, error) {
	body, err := json.Marshal(eventBody{Changes: e.Changes, Sheets: e.Sheets})
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	return &store.Event{
		Number:      e.Number,
		EventID:     e.ID,
		RunID:       e.RunID,
		FilePath:    e.Path,
		TimestampNs: e.Timestamp.UnixNano(),
		Author:      e.Author,
		Suppressed:  e.Suppressed,
		Changes:     body,
	}, nil
}

// FromRecord rebuilds an event from history.
func FromRecord(r store.Event) (*Event, error) {
	var body eventBody
	if len(r.Changes) > 0 {
		if err := json.Unmarshal(r.Changes, &body); err != nil {
			return nil, fmt.Errorf("decode changes for event %d: %w", r.Number, err)
		}
	}
	return &Event{
		Number:     r.Number,
		ID:         r.EventID,
		RunID:      r.RunID,
		Path:       r.FilePath,
		Timestamp:  time.Unix(0, r.TimestampNs),
		Author:     r.Author,
		Changes:    body.Changes,
		Sheets:     body.Sheets,
		Suppressed: r.Suppressed,
	}, nil
}

// Outcome is what a pass did.
type Outcome string

const (
	// OutcomeUnchanged: content hash matched the baseline.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeNoReportable: content differed but nothing was reportable. The
	// baseline was refreshed.
	OutcomeNoReportable Outcome = "no-reportable-change"
	OutcomeChanged      Outcome = "changed"
	// OutcomeRecreated: the stored baseline was stale and was rebuilt from
	// the current file without an event.
	OutcomeRecreated Outcome = "recreated"
	OutcomeTombstoned   Outcome = "tombstoned"
	OutcomeGone         Outcome = "gone"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeError        Outcome = "error"
)

// Result is the outcome of one pass.
type Result struct {
	Path    string
	Outcome Outcome
	Event   *Event
	Err     error
}

// Config wires an Engine.
type Config struct {
	Baselines *baseline.Manager
	Counter   *runstate.Counter
	Resolver  identity.Resolver
	Whitelist identity.Whitelist
	Options   Options
	RunID     string
	Logger    *slog.Logger
}

// Engine runs comparison passes. Callers must hold the path's gate entry.
type Engine struct {
	baselines *baseline.Manager
	counter   *runstate.Counter
	resolver  identity.Resolver
	whitelist identity.Whitelist
	opts      Options
	runID     string
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		baselines: cfg.Baselines,
		counter:   cfg.Counter,
		resolver:  cfg.Resolver,
		whitelist: cfg.Whitelist,
		opts:      cfg.Options,
		runID:     cfg.RunID,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if e.counter == nil {
		e.counter = &runstate.Counter{}
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// RunID identifies this process run in recorded events.
func (e *Engine) RunID() string {
	return e.runID
}

// Process compares the current content of path with its baseline. A file
// without a baseline is compared against an empty workbook; a tombstoned
// baseline is compared against its retained content.
//
// Every failure path leaves the stored baseline untouched. Once the file has
// been parsed the commit runs to completion even if ctx is cancelled.
func (e *Engine) Process(ctx context.Context, path string) Result {
	res := Result{Path: path}

	rec, err := e.baselines.Get(ctx, path)
	if errors.Is(err, baseline.ErrDiscarded) {
		return e.recreate(ctx, res)
	}
	if err != nil {
		return e.fail(res, fmt.Errorf("load baseline: %w", err))
	}

	hash, _, err := sheet.HashFile(path)
	switch {
	case err == nil:
		if rec != nil && !rec.Deleted && hash == rec.ContentHash {
			res.Outcome = OutcomeUnchanged
			return res
		}
	case baseline.IsNotExist(err):
		return e.gone(ctx, res, rec)
	}
	// Any other hash error is retried by the load below.

	wb, err := e.baselines.Load(ctx, path)
	if err != nil {
		return e.loadFailed(ctx, res, rec, err)
	}

	var old sheet.Snapshot
	if rec != nil {
		old = rec.Snapshot
	}
	cells, sheets := Diff(old, wb.Snapshot, e.opts)

	commitCtx := context.WithoutCancel(ctx)
	if len(cells) == 0 && len(sheets) == 0 {
		if err := e.baselines.Commit(commitCtx, wb, nil); err != nil {
			return e.fail(res, err)
		}
		res.Outcome = OutcomeNoReportable
		return res
	}

	ev := &Event{
		RunID:   e.runID,
		ID:      uuid.NewString(),
		Path:    path,
		Changes: cells,
		Sheets:  sheets,
	}
	var known bool
	if e.resolver != nil {
		ev.Author, known = e.resolver.Resolve(ctx, path, wb)
	}
	ev.Suppressed = !e.whitelist.Allows(ev.Author, known)

	// The number is drawn at completion so numbering follows the order in
	// which passes finish, not the order in which events arrived. Drawing
	// and committing happen under the counter's lock, so events are
	// persisted in number order.
	_, err = e.counter.Commit(func(n int64) error {
		ev.Number = n
		ev.Timestamp = e.now()
		stored, err := ev.Record()
		if err != nil {
			return err
		}
		return e.baselines.Commit(commitCtx, wb, stored)
	})
	if err != nil {
		return e.fail(res, err)
	}

	res.Outcome = OutcomeChanged
	res.Event = ev
	return res
}

func (e *Engine) loadFailed(ctx context.Context, res Result, rec *baseline.Record, err error) Result {
	switch {
	case baseline.IsNotExist(err):
		return e.gone(ctx, res, rec)
	case errors.Is(err, baseline.ErrSkipped):
		res.Outcome = OutcomeSkipped
		res.Err = err
		e.logger.Warn("file skipped", "path", res.Path, "reason", err)
		return res
	}
	return e.fail(res, err)
}

// recreate replaces a discarded baseline with the file's current content.
// No event number is drawn.
func (e *Engine) recreate(ctx context.Context, res Result) Result {
	wb, err := e.baselines.Load(ctx, res.Path)
	if err != nil {
		return e.loadFailed(ctx, res, nil, err)
	}
	if err := e.baselines.Commit(context.WithoutCancel(ctx), wb, nil); err != nil {
		return e.fail(res, err)
	}
	res.Outcome = OutcomeRecreated
	return res
}

func (e *Engine) gone(ctx context.Context, res Result, rec *baseline.Record) Result {
	if rec == nil || rec.Deleted {
		res.Outcome = OutcomeGone
		return res
	}
	if _, err := e.baselines.Tombstone(context.WithoutCancel(ctx), res.Path); err != nil {
		return e.fail(res, err)
	}
	res.Outcome = OutcomeTombstoned
	return res
}

func (e *Engine) fail(res Result, err error) Result {
	res.Outcome = OutcomeError
	res.Err = err
	e.logger.Error("comparison failed", "path", res.Path, "error", err)
	return res
}
