// Package baseline creates, loads and commits per-file baselines on top of
// the SQLite store and the snapshot codec.
//
// Callers hold the path's gate entry for every mutating call; the manager
// does no per-path locking of its own.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"xlwatch/internal/codec"
	"xlwatch/internal/retry"
	"xlwatch/internal/sheet"
	"xlwatch/internal/store"
)

// ErrSkipped is wrapped into load errors after the retry policy ran out.
// The file is left for the next event or polling cycle.
var ErrSkipped = errors.New("baseline: skipped after retries")

// ErrDiscarded is returned by Get after it deleted a baseline that was
// written with another layout version or no longer decodes. The caller
// recreates the baseline instead of comparing against it.
var ErrDiscarded = errors.New("baseline: stale record discarded")

// Status is the outcome of a create request.
type Status string

const (
	StatusCreated Status = "created"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
	StatusExists  Status = "exists"
)

// Loader reads and parses a workbook.
type Loader interface {
	Load(path string) (*sheet.Workbook, error)
}

// Record is a decoded baseline.
type Record struct {
	Path        string
	Snapshot    sheet.Snapshot
	ContentHash string
	Size        int64
	ModTime     time.Time
	UpdatedAt   time.Time
	Format      codec.Format
	Author      string
	Deleted     bool
}

// Options configures a Manager.
type Options struct {
	Store  *store.Store
	Loader Loader
	Format codec.Format
	Policy retry.Policy
	Logger *slog.Logger
}

// Manager owns baseline persistence.
type Manager struct {
	store  *store.Store
	loader Loader
	format codec.Format
	policy retry.Policy
	logger *slog.Logger
}

// New creates a Manager. A zero Format means gzip; a nil Loader uses a
// default sheet.Reader.
func New(opts Options) *Manager {
	m := &Manager{
		store:  opts.Store,
		loader: opts.Loader,
		format: opts.Format,
		policy: opts.Policy,
		logger: opts.Logger,
	}
	if m.loader == nil {
		m.loader = &sheet.Reader{}
	}
	if m.format == "" {
		m.format = codec.FormatGzip
	}
	if m.policy.MaxAttempts == 0 {
		m.policy = retry.DefaultPolicy()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	return m
}

// Format returns the compression format used for new commits.
func (m *Manager) Format() codec.Format {
	return m.format
}

// Policy returns the retry policy shared by create and parse.
func (m *Manager) Policy() retry.Policy {
	return m.policy
}

// NormalizePath returns the absolute, cleaned form of path used as the
// baseline key.
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("normalize path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// Get returns the current baseline for path, or nil when absent. A record
// written with another layout version, or one that no longer decodes, is
// deleted and ErrDiscarded is returned.
func (m *Manager) Get(ctx context.Context, path string) (*Record, error) {
	b, err := m.store.GetBaseline(ctx, path)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	if b.FormatVersion != codec.Version {
		m.logger.Warn("discarding stale baseline",
			"path", path, "format_version", b.FormatVersion, "want", codec.Version)
		return nil, m.discard(ctx, path)
	}

	snap, format, err := codec.Decode(b.Payload)
	if err != nil {
		m.logger.Warn("discarding undecodable baseline", "path", path, "error", err)
		return nil, m.discard(ctx, path)
	}

	return &Record{
		Path:        b.Path,
		Snapshot:    snap,
		ContentHash: b.ContentHash,
		Size:        b.Size,
		ModTime:     time.Unix(0, b.ModTimeNs),
		UpdatedAt:   time.Unix(0, b.UpdatedNs),
		Format:      format,
		Author:      b.Author,
		Deleted:     b.Deleted,
	}, nil
}

func (m *Manager) discard(ctx context.Context, path string) error {
	if err := m.store.DeleteBaseline(ctx, path); err != nil {
		return err
	}
	return ErrDiscarded
}

// Load reads and parses path under the retry policy. Exhausted retries
// return an error wrapping ErrSkipped; a missing file returns an error
// wrapping fs.ErrNotExist without retrying.
func (m *Manager) Load(ctx context.Context, path string) (*sheet.Workbook, error) {
	var wb *sheet.Workbook
	err := retry.Do(ctx, m.policy, sheet.Retryable, func(attempt int) error {
		var err error
		wb, err = m.loader.Load(path)
		if err != nil && sheet.Retryable(err) && attempt < m.policy.MaxAttempts {
			m.logger.Debug("load failed, retrying", "path", path, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, fmt.Errorf("%w: %w", ErrSkipped, err)
		}
		return nil, err
	}
	return wb, nil
}

// Create builds the first baseline for path. An existing live baseline is
// left alone and reported as StatusExists.
func (m *Manager) Create(ctx context.Context, path string) (Status, error) {
	existing, err := m.Get(ctx, path)
	if err != nil && !errors.Is(err, ErrDiscarded) {
		return StatusError, err
	}
	if existing != nil && !existing.Deleted {
		return StatusExists, nil
	}

	wb, err := m.Load(ctx, path)
	if err != nil {
		if errors.Is(err, ErrSkipped) {
			return StatusSkipped, err
		}
		return StatusError, err
	}

	if err := m.Commit(ctx, wb, nil); err != nil {
		return StatusError, err
	}
	return StatusCreated, nil
}

// Commit encodes wb and atomically replaces the path's baseline. ev, when
// non-nil, is stored in the same transaction.
func (m *Manager) Commit(ctx context.Context, wb *sheet.Workbook, ev *store.Event) error {
	payload, err := codec.Encode(wb.Snapshot, m.format)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}

	rec := &store.Baseline{
		Path:          wb.Path,
		ContentHash:   wb.ContentHash,
		Format:        string(m.format),
		FormatVersion: codec.Version,
		Payload:       payload,
		Size:          wb.Size,
		ModTimeNs:     wb.ModTime.UnixNano(),
		Author:        wb.LastModifiedBy,
	}
	if err := m.store.CommitBaseline(ctx, rec, ev); err != nil {
		return fmt.Errorf("commit baseline %s: %w", wb.Path, err)
	}
	return nil
}

// Tombstone marks the baseline for path as deleted.
func (m *Manager) Tombstone(ctx context.Context, path string) (bool, error) {
	return m.store.Tombstone(ctx, path)
}

// Known returns the live baselined paths.
func (m *Manager) Known(ctx context.Context) ([]store.BaselineInfo, error) {
	return m.store.ListBaselines(ctx, false)
}

// IsNotExist reports whether err means the file is gone.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
