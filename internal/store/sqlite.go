package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store represents the SQLite baseline and event store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs
// migrations. Staging rows left over from an interrupted commit are purged.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; keeps every transaction serialized inside the process.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if _, err := db.Exec(`DELETE FROM baseline_staging`); err != nil {
		db.Close()
		return nil, fmt.Errorf("purge staging: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// GetBaseline returns the baseline for path, or nil if none is recorded.
// Tombstoned baselines are returned with Deleted set.
func (s *Store) GetBaseline(ctx context.Context, path string) (*Baseline, error) {
	var b Baseline
	var deleted int
	var author sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT path, content_hash, format, format_version, payload, size, mod_time_ns, updated_ns, deleted, author
		FROM baselines WHERE path = ?`, path,
	).Scan(&b.Path, &b.ContentHash, &b.Format, &b.FormatVersion, &b.Payload, &b.Size, &b.ModTimeNs, &b.UpdatedNs, &deleted, &author)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get baseline: %w", err)
	}

	b.Deleted = deleted != 0
	b.Author = author.String
	return &b, nil
}

// CommitBaseline replaces the baseline for b.Path. The record is first
// written to the staging table and then swapped into the live table in one
// transaction, together with ev (if non-nil) and the event sequence
// high-water mark. Readers see either the old or the new baseline.
func (s *Store) CommitBaseline(ctx context.Context, b *Baseline, ev *Event) error {
	if b == nil || b.Path == "" {
		return errors.New("store: baseline path required")
	}
	if b.UpdatedNs == 0 {
		b.UpdatedNs = time.Now().UnixNano()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO baseline_staging
			(path, content_hash, format, format_version, payload, size, mod_time_ns, updated_ns, author)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Path, b.ContentHash, b.Format, b.FormatVersion, b.Payload, b.Size, b.ModTimeNs, b.UpdatedNs, nullString(b.Author),
	)
	if err != nil {
		return fmt.Errorf("stage baseline: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO baselines
			(path, content_hash, format, format_version, payload, size, mod_time_ns, updated_ns, deleted, author)
		SELECT path, content_hash, format, format_version, payload, size, mod_time_ns, updated_ns, 0, author
		FROM baseline_staging WHERE path = ?`, b.Path)
	if err != nil {
		return fmt.Errorf("swap baseline: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("swap baseline: staged record for %s vanished", b.Path)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_staging WHERE path = ?`, b.Path); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}

	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *Event) error {
	changes := ev.Changes
	if changes == nil {
		changes = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (number, event_id, run_id, file_path, timestamp_ns, author, suppressed, changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Number, ev.EventID, ev.RunID, ev.FilePath, ev.TimestampNs, nullString(ev.Author), boolInt(ev.Suppressed), string(changes),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		metaEventSeq, ev.Number,
	)
	if err != nil {
		return fmt.Errorf("update event sequence: %w", err)
	}
	return nil
}

// Tombstone marks the baseline for path as deleted, keeping its content.
// It reports whether a live baseline was marked.
func (s *Store) Tombstone(ctx context.Context, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE baselines SET deleted = 1, updated_ns = ?
		WHERE path = ? AND deleted = 0`, time.Now().UnixNano(), path)
	if err != nil {
		return false, fmt.Errorf("tombstone baseline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteBaseline removes the baseline for path entirely.
func (s *Store) DeleteBaseline(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM baselines WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete baseline: %w", err)
	}
	return nil
}

// ListBaselines returns every recorded baseline without payloads, ordered by
// path. Tombstones are included only when withDeleted is set.
func (s *Store) ListBaselines(ctx context.Context, withDeleted bool) ([]BaselineInfo, error) {
	query := `SELECT path, content_hash, size, mod_time_ns, deleted FROM baselines`
	if !withDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY path ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query baselines: %w", err)
	}
	defer rows.Close()

	var out []BaselineInfo
	for rows.Next() {
		var info BaselineInfo
		var deleted int
		if err := rows.Scan(&info.Path, &info.ContentHash, &info.Size, &info.ModTimeNs, &deleted); err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		info.Deleted = deleted != 0
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate baselines: %w", err)
	}
	return out, nil
}

// EventsSince returns up to limit events numbered above cursor, in number
// order. A limit <= 0 returns all of them.
func (s *Store) EventsSince(ctx context.Context, cursor int64, limit int) ([]Event, error) {
	query := `
		SELECT number, event_id, run_id, file_path, timestamp_ns, author, suppressed, changes
		FROM events WHERE number > ? ORDER BY number ASC`
	args := []any{cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsForFile returns every event recorded for path, in number order.
func (s *Store) EventsForFile(ctx context.Context, path string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, event_id, run_id, file_path, timestamp_ns, author, suppressed, changes
		FROM events WHERE file_path = ? ORDER BY number ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("query events by file: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastEventNumber returns the persisted event sequence high-water mark.
func (s *Store) LastEventNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT value FROM meta WHERE key = ?), 0),
			COALESCE((SELECT MAX(number) FROM events), 0)
		)`, metaEventSeq,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("get last event number: %w", err)
	}
	return n, nil
}

// GetStats returns row counts for the startup summary.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM baselines WHERE deleted = 0),
			(SELECT COUNT(*) FROM baselines WHERE deleted = 1),
			(SELECT COUNT(*) FROM events)`,
	).Scan(&st.Baselines, &st.Tombstones, &st.Events)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	last, err := s.LastEventNumber(ctx)
	if err != nil {
		return nil, err
	}
	st.LastEvent = last
	return &st, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var author sql.NullString
		var suppressed int
		var changes string
		if err := rows.Scan(&e.Number, &e.EventID, &e.RunID, &e.FilePath, &e.TimestampNs, &author, &suppressed, &changes); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Author = author.String
		e.Suppressed = suppressed != 0
		e.Changes = []byte(changes)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
