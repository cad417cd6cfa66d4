package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// EntryKind classifies journal entries.
type EntryKind string

// Journal entry kinds.
const (
	EntryStartup    EntryKind = "startup"
	EntryShutdown   EntryKind = "shutdown"
	EntryBaseline   EntryKind = "baseline"
	EntryChange     EntryKind = "change"
	EntrySuppressed EntryKind = "suppressed"
	EntryTombstone  EntryKind = "tombstone"
	EntrySkip       EntryKind = "skip"
	EntryError      EntryKind = "error"
)

// Entry is one line of the journal.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      EntryKind      `json:"kind"`
	Component string         `json:"component"`
	RunID     string         `json:"run_id,omitempty"`
	Path      string         `json:"path,omitempty"`
	Number    uint64         `json:"number,omitempty"`
	Author    string         `json:"author,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// JournalConfig holds configuration for the journal.
type JournalConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultJournalConfig returns the default journal configuration.
func DefaultJournalConfig() *JournalConfig {
	return &JournalConfig{
		FilePath:   filepath.Join(StateDir(), "journal.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  AppName,
	}
}

// Journal is an append-only JSON-lines record of what the monitor did:
// runs started and stopped, baselines created, and change events. It
// rotates like the main log.
type Journal struct {
	config  *JournalConfig
	rotator *FileRotator
	mu      sync.Mutex
	runID   string
}

// NewJournal opens the journal file.
func NewJournal(cfg *JournalConfig) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultJournalConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create journal rotator: %w", err)
	}
	return &Journal{config: cfg, rotator: rotator}, nil
}

// SetRunID sets the run ID stamped on entries that carry none.
func (j *Journal) SetRunID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runID = id
}

// Record appends an entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Component == "" {
		e.Component = j.config.Component
	}
	if e.RunID == "" {
		e.RunID = RunIDFromContext(ctx)
	}
	if e.RunID == "" {
		e.RunID = j.runID
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.rotator.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Startup records the start of a run.
func (j *Journal) Startup(ctx context.Context, runID string, details map[string]any) error {
	j.SetRunID(runID)
	return j.Record(ctx, Entry{Kind: EntryStartup, RunID: runID, Details: details})
}

// Shutdown records the end of a run.
func (j *Journal) Shutdown(ctx context.Context, reason string) error {
	return j.Record(ctx, Entry{Kind: EntryShutdown, Details: map[string]any{"reason": reason}})
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.rotator.Close()
}

// Sync flushes the journal file.
func (j *Journal) Sync() error {
	return j.rotator.Sync()
}
