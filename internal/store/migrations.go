package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "snapshot: meta, exes, maps, exe_maps, markov_edges",
		SQL: `
CREATE TABLE meta (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    model_time           INTEGER NOT NULL,
    last_accounting_time INTEGER NOT NULL
);

CREATE TABLE exes (
    path               TEXT PRIMARY KEY,
    update_time        INTEGER NOT NULL,
    total_running_time INTEGER NOT NULL
);

CREATE TABLE maps (
    path        TEXT NOT NULL,
    offset      INTEGER NOT NULL,
    length      INTEGER NOT NULL,
    update_time INTEGER NOT NULL,
    PRIMARY KEY (path, offset, length)
);

CREATE TABLE exe_maps (
    exe_path   TEXT NOT NULL,
    map_path   TEXT NOT NULL,
    map_offset INTEGER NOT NULL,
    map_length INTEGER NOT NULL,
    PRIMARY KEY (exe_path, map_path, map_offset, map_length),
    FOREIGN KEY (exe_path) REFERENCES exes(path) ON DELETE CASCADE,
    FOREIGN KEY (map_path, map_offset, map_length)
        REFERENCES maps(path, offset, length) ON DELETE CASCADE
);

CREATE TABLE markov_edges (
    exe_a_path        TEXT NOT NULL,
    exe_b_path        TEXT NOT NULL,
    -- 4 little-endian float32 values
    time_to_leave     BLOB NOT NULL,
    -- 16 little-endian float32 values, row-major
    transition_prob   BLOB NOT NULL,
    both_running_time INTEGER NOT NULL,
    update_time       INTEGER NOT NULL,
    PRIMARY KEY (exe_a_path, exe_b_path),
    CHECK (exe_a_path < exe_b_path),
    FOREIGN KEY (exe_a_path) REFERENCES exes(path) ON DELETE CASCADE,
    FOREIGN KEY (exe_b_path) REFERENCES exes(path) ON DELETE CASCADE
);

CREATE INDEX idx_exe_maps_map ON exe_maps(map_path, map_offset, map_length);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
