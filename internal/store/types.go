// Package store provides SQLite-based storage for xlwatch baselines and
// change event history.
package store

// Baseline is the persisted record of a file's last known content.
// Payload holds the codec-encoded snapshot.
type Baseline struct {
	Path          string
	ContentHash   string
	Format        string
	FormatVersion int
	Payload       []byte
	Size          int64
	ModTimeNs     int64
	UpdatedNs     int64
	Deleted       bool
	Author        string
}

// BaselineInfo is a baseline without its payload.
type BaselineInfo struct {
	Path        string
	ContentHash string
	Size        int64
	ModTimeNs   int64
	Deleted     bool
}

// Event is a persisted change event. Changes holds the JSON-encoded cell
// and sheet changes.
type Event struct {
	Number      int64
	EventID     string
	RunID       string
	FilePath    string
	TimestampNs int64
	Author      string
	Suppressed  bool
	Changes     []byte
}

// Stats summarizes the store contents.
type Stats struct {
	Baselines  int64
	Tombstones int64
	Events     int64
	LastEvent  int64
}

const metaEventSeq = "event_seq"
