package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open initialises the SQLite database and applies the base schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
            id TEXT PRIMARY KEY,
            source_url TEXT NOT NULL,
            display_name TEXT NOT NULL,
            season TEXT NOT NULL DEFAULT '00',
            enabled INTEGER NOT NULL DEFAULT 1,
            sequence_anchor INTEGER NOT NULL DEFAULT 0,
            last_position INTEGER NOT NULL DEFAULT 0,
            start_number INTEGER NOT NULL DEFAULT 1,
            start_offset INTEGER NOT NULL DEFAULT 0,
            retention_mode TEXT NOT NULL DEFAULT 'keep-all',
            retention_value INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS seen_items (
            subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
            remote_id TEXT NOT NULL,
            seen_at TIMESTAMP NOT NULL,
            PRIMARY KEY (subscription_id, remote_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_seen_items_sub ON seen_items(subscription_id);`,
		`CREATE TABLE IF NOT EXISTS local_items (
            subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
            remote_id TEXT NOT NULL,
            sequence_num INTEGER NOT NULL,
            media_path TEXT NOT NULL,
            descriptor_path TEXT,
            materialized_at TIMESTAMP NOT NULL,
            PRIMARY KEY (subscription_id, remote_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_local_items_seq ON local_items(subscription_id, sequence_num);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
