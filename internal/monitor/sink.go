package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"xlwatch/internal/baseline"
	"xlwatch/internal/compare"
)

// Status is the per-file outcome reported to sinks.
type Status string

const (
	StatusCreated    = Status(baseline.StatusCreated)
	StatusSkipped    = Status(baseline.StatusSkipped)
	StatusError      = Status(baseline.StatusError)
	StatusExists     = Status(baseline.StatusExists)
	StatusTombstoned Status = "tombstoned"
)

// FileStatus is the outcome of a baseline request or a non-change pass.
type FileStatus struct {
	Path   string
	Status Status
	Err    error
}

// Sink receives user-facing notifications. Events withheld by the author
// whitelist never reach a sink. Calls come from worker goroutines and may
// be concurrent.
type Sink interface {
	Event(ctx context.Context, ev *compare.Event)
	Status(ctx context.Context, st FileStatus)
}

// LogSink writes notifications as log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Event(ctx context.Context, ev *compare.Event) {
	s.Logger.InfoContext(ctx, "change detected",
		"number", ev.Number,
		"path", ev.Path,
		"author", ev.Author,
		"cells", len(ev.Changes),
		"sheets", len(ev.Sheets))
	for _, c := range ev.Changes {
		s.Logger.DebugContext(ctx, "cell changed",
			"number", ev.Number,
			"sheet", c.Sheet,
			"address", c.Address,
			"kind", c.Kind,
			"old_value", c.OldValue,
			"old_formula", c.OldFormula,
			"new_value", c.NewValue,
			"new_formula", c.NewFormula)
	}
	for _, sc := range ev.Sheets {
		s.Logger.DebugContext(ctx, "sheet changed", "number", ev.Number, "sheet", sc.Sheet, "kind", sc.Kind)
	}
}

func (s LogSink) Status(ctx context.Context, st FileStatus) {
	switch st.Status {
	case StatusError:
		s.Logger.ErrorContext(ctx, "file failed", "path", st.Path, "error", st.Err)
	case StatusSkipped:
		s.Logger.WarnContext(ctx, "file skipped", "path", st.Path, "reason", st.Err)
	default:
		s.Logger.InfoContext(ctx, "file "+string(st.Status), "path", st.Path)
	}
}

// MultiSink fans notifications out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Event(ctx context.Context, ev *compare.Event) {
	for _, s := range m {
		s.Event(ctx, ev)
	}
}

func (m MultiSink) Status(ctx context.Context, st FileStatus) {
	for _, s := range m {
		s.Status(ctx, st)
	}
}

// JSONSink writes one JSON object per notification to W. Write errors are
// dropped; the log sink and the journal still carry the outcome.
type JSONSink struct {
	W io.Writer

	mu sync.Mutex
}

type jsonStatus struct {
	Path   string `json:"path"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *JSONSink) Event(_ context.Context, ev *compare.Event) {
	s.write(struct {
		Type string `json:"type"`
		*compare.Event
	}{"event", ev})
}

func (s *JSONSink) Status(_ context.Context, st FileStatus) {
	s.write(struct {
		Type string `json:"type"`
		jsonStatus
	}{"status", jsonStatus{Path: st.Path, Status: st.Status, Error: errString(st.Err)}})
}

func (s *JSONSink) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = json.NewEncoder(s.W).Encode(v)
}

type discardSink struct{}

func (discardSink) Event(context.Context, *compare.Event) {}
func (discardSink) Status(context.Context, FileStatus)    {}
