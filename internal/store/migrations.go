package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward-only schema step. Baselines are a cache of file
// content, so there is no down path: a broken store is deleted and rebuilt.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Baselines, staging area and meta",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Change event history",
		Up:          migrationV2Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS baselines (
    path            TEXT PRIMARY KEY,
    content_hash    TEXT NOT NULL,
    format          TEXT NOT NULL,
    format_version  INTEGER NOT NULL,
    payload         BLOB NOT NULL,
    size            INTEGER NOT NULL,
    mod_time_ns     INTEGER NOT NULL,
    updated_ns      INTEGER NOT NULL,
    deleted         INTEGER NOT NULL DEFAULT 0,
    author          TEXT
);

CREATE TABLE IF NOT EXISTS baseline_staging (
    path            TEXT PRIMARY KEY,
    content_hash    TEXT NOT NULL,
    format          TEXT NOT NULL,
    format_version  INTEGER NOT NULL,
    payload         BLOB NOT NULL,
    size            INTEGER NOT NULL,
    mod_time_ns     INTEGER NOT NULL,
    updated_ns      INTEGER NOT NULL,
    author          TEXT
);

CREATE TABLE IF NOT EXISTS meta (
    key     TEXT PRIMARY KEY,
    value   INTEGER NOT NULL
);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS events (
    number          INTEGER PRIMARY KEY,
    event_id        TEXT NOT NULL UNIQUE,
    run_id          TEXT NOT NULL,
    file_path       TEXT NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    author          TEXT,
    suppressed      INTEGER NOT NULL DEFAULT 0,
    changes         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_file ON events(file_path, number);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ns);
`

// requiredTables must exist once every migration is applied.
var requiredTables = []string{"baselines", "baseline_staging", "meta", "events", "schema_migrations"}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// MigrateDB applies pending migrations, each in its own transaction.
func MigrateDB(db *sql.DB) error {
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
		m.Version, time.Now().UnixNano(), m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// SchemaStatus describes the on-disk schema.
type SchemaStatus struct {
	Version       int      `json:"version"`
	LatestVersion int      `json:"latest_version"`
	MissingTables []string `json:"missing_tables,omitempty"`
}

// OK reports whether the schema is current and complete.
func (s SchemaStatus) OK() bool {
	return s.Version == s.LatestVersion && len(s.MissingTables) == 0
}

// SchemaStatus reads the applied migration version and checks that every
// table the store uses is present.
func (s *Store) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	st := SchemaStatus{LatestVersion: migrations[len(migrations)-1].Version}
	if s.db == nil {
		return st, ErrClosed
	}

	v, err := schemaVersion(ctx, s.db)
	if err != nil {
		return st, err
	}
	st.Version = v

	for _, table := range requiredTables {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&n)
		if err != nil {
			return st, fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			st.MissingTables = append(st.MissingTables, table)
		}
	}
	return st, nil
}
