// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle used by all stores.
type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite is not safe for concurrent writers on one connection
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}

	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Debug().Str("path", path).Msg("Database opened")
	return db, nil
}

func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS backends (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		client_type TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		use_ssl BOOLEAN NOT NULL DEFAULT 0,
		url_base TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		password_encrypted TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS backend_errors (
		backend_id INTEGER PRIMARY KEY REFERENCES backends(id) ON DELETE CASCADE,
		message TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		name TEXT PRIMARY KEY,
		save_path TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS category_external_ids (
		category_name TEXT NOT NULL REFERENCES categories(name) ON DELETE CASCADE ON UPDATE CASCADE,
		backend_id INTEGER NOT NULL REFERENCES backends(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL,
		PRIMARY KEY (category_name, backend_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_category_external_backend
		ON category_external_ids(backend_id, external_id)`,
	`INSERT OR IGNORE INTO categories (name) VALUES ('Default')`,
}
