package store

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the current monotonic user_version this build expects.
// Migrations apply additively: each step takes the database from version
// n-1 to n and never rewrites a prior step.
const schemaVersion = 3

type migrationStep struct {
	version int
	apply   func(*sql.DB) error
}

var migrations = []migrationStep{
	{version: 1, apply: migrateV1CoreSchema},
	{version: 2, apply: migrateV2MergeMetadata},
	{version: 3, apply: migrateV3Timeline},
}

// runMigrations brings db up to schemaVersion, applying each pending step
// directly on db and then advancing PRAGMA user_version. A step is not
// wrapped in a transaction: if it fails part-way, the statements it already
// ran stay applied and user_version stays at the previous version.
func runMigrations(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("%w: reading user_version: %v", ErrSchemaMigration, err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("%w: migrating to version %d: %v", ErrSchemaMigration, m.version, err)
		}
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			return fmt.Errorf("%w: setting user_version to %d: %v", ErrSchemaMigration, m.version, err)
		}
	}
	return nil
}

func migrateV1CoreSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			kind             TEXT NOT NULL,
			summary          TEXT NOT NULL DEFAULT '',
			why              TEXT NOT NULL DEFAULT '',
			file_refs        TEXT NOT NULL DEFAULT '[]',
			parent_id        TEXT REFERENCES nodes(id),
			created_by_task  TEXT NOT NULL DEFAULT '',
			embedding        BLOB,
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,
			removed_at       DATETIME,
			removed_reason   TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_nodes_parent_id ON nodes(parent_id);
		CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(kind);
		CREATE INDEX IF NOT EXISTS idx_nodes_removed_at ON nodes(removed_at);

		CREATE TABLE IF NOT EXISTS edges (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			from_id      TEXT NOT NULL REFERENCES nodes(id),
			to_id        TEXT NOT NULL REFERENCES nodes(id),
			relation     TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_edges_from_id ON edges(from_id);
		CREATE INDEX IF NOT EXISTS idx_edges_to_id ON edges(to_id);
		CREATE INDEX IF NOT EXISTS idx_edges_relation ON edges(relation);
	`)
	return err
}

// migrateV2MergeMetadata adds the merge-reconciliation columns to both
// nodes and edges (merge_group, needs_merge, source_branch,
// merge_timestamp) plus the indices the merge engine and list_conflicts
// scan by. Column additions are guarded by pragma_table_info so the
// migration is idempotent against a store that already has them.
func migrateV2MergeMetadata(db *sql.DB) error {
	addCols := []struct {
		table, column, ddl string
	}{
		{"nodes", "merge_group", `ALTER TABLE nodes ADD COLUMN merge_group TEXT`},
		{"nodes", "needs_merge", `ALTER TABLE nodes ADD COLUMN needs_merge INTEGER NOT NULL DEFAULT 0`},
		{"nodes", "source_branch", `ALTER TABLE nodes ADD COLUMN source_branch TEXT`},
		{"nodes", "merge_timestamp", `ALTER TABLE nodes ADD COLUMN merge_timestamp DATETIME`},
		{"edges", "merge_group", `ALTER TABLE edges ADD COLUMN merge_group TEXT`},
		{"edges", "needs_merge", `ALTER TABLE edges ADD COLUMN needs_merge INTEGER NOT NULL DEFAULT 0`},
		{"edges", "source_branch", `ALTER TABLE edges ADD COLUMN source_branch TEXT`},
		{"edges", "merge_timestamp", `ALTER TABLE edges ADD COLUMN merge_timestamp DATETIME`},
	}

	for _, c := range addCols {
		var count int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?`, c.table)
		if err := db.QueryRow(query, c.column).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_nodes_merge_group ON nodes(merge_group);
		CREATE INDEX IF NOT EXISTS idx_nodes_needs_merge ON nodes(needs_merge);
		CREATE INDEX IF NOT EXISTS idx_edges_merge_group ON edges(merge_group);
		CREATE INDEX IF NOT EXISTS idx_edges_needs_merge ON edges(needs_merge);
	`)
	return err
}

func migrateV3Timeline(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS timeline (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       DATETIME NOT NULL,
			tool            TEXT NOT NULL,
			params          TEXT NOT NULL DEFAULT '',
			result_summary  TEXT NOT NULL DEFAULT '',
			is_write        INTEGER NOT NULL DEFAULT 0,
			is_error        INTEGER NOT NULL DEFAULT 0,
			affected_ids    TEXT NOT NULL DEFAULT '[]'
		);

		CREATE INDEX IF NOT EXISTS idx_timeline_timestamp ON timeline(timestamp);
		CREATE INDEX IF NOT EXISTS idx_timeline_tool ON timeline(tool);
		CREATE INDEX IF NOT EXISTS idx_timeline_is_write ON timeline(is_write);
	`)
	return err
}
