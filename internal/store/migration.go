package store

import (
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 3

// RunMigrations applies any pending database migrations
func (s *Store) RunMigrations() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migration to v1 failed: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	if version < 3 {
		if err := s.migrateToV3(); err != nil {
			return fmt.Errorf("migration to v3 failed: %w", err)
		}
	}

	_, err = s.db.Exec("INSERT OR REPLACE INTO kb_schema_version (version) VALUES (?)", currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// getSchemaVersion returns the current schema version, 0 for a new database
func (s *Store) getSchemaVersion() (int, error) {
	var tableName string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='kb_schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM kb_schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// migrateToV1 creates the catalog and history tables
func (s *Store) migrateToV1() error {
	return s.execAll(
		`CREATE TABLE IF NOT EXISTS kb_schema_version (
			version INTEGER PRIMARY KEY
		)`,

		`CREATE TABLE IF NOT EXISTS kb_kv (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,

		// Type catalog
		`CREATE TABLE IF NOT EXISTS kb_type (
			name TEXT PRIMARY KEY,
			table_name TEXT,
			super TEXT,
			abstract BOOLEAN NOT NULL DEFAULT FALSE,
			unversioned BOOLEAN NOT NULL DEFAULT FALSE,
			attributes JSON NOT NULL DEFAULT '[]',
			seq INTEGER NOT NULL
		)`,

		// One row per committed revision
		`CREATE TABLE IF NOT EXISTS kb_revision (
			rev INTEGER PRIMARY KEY,
			author TEXT NOT NULL,
			date INTEGER NOT NULL,
			message TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS kb_branch (
			branch INTEGER PRIMARY KEY,
			base_branch INTEGER NOT NULL,
			base_rev INTEGER NOT NULL,
			rev INTEGER NOT NULL,
			types JSON
		)`,

		// Item events in commit order
		`CREATE TABLE IF NOT EXISTS kb_event (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			rev INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			type TEXT NOT NULL,
			branch INTEGER NOT NULL,
			name TEXT NOT NULL,
			vals JSON NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_event_rev ON kb_event(rev)`,
	)
}

// migrateToV2 adds old value tracking to update events
func (s *Store) migrateToV2() error {
	var colCount int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('kb_event')
		WHERE name='old_vals'
	`).Scan(&colCount)
	if err != nil {
		return err
	}
	if colCount > 0 {
		return nil
	}
	_, err = s.db.Exec(`ALTER TABLE kb_event ADD COLUMN old_vals JSON`)
	return err
}

// migrateToV3 adds current state storage for unversioned types
func (s *Store) migrateToV3() error {
	return s.execAll(
		`CREATE TABLE IF NOT EXISTS kb_object (
			type TEXT NOT NULL,
			branch INTEGER NOT NULL,
			name TEXT NOT NULL,
			vals JSON NOT NULL,
			PRIMARY KEY (type, branch, name)
		)`,
	)
}

func (s *Store) execAll(stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
