// Package db provides the SQLite connection and schema behind the sqlite queue backend.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The queue owner is the only writer; a single connection keeps
	// statements strictly ordered.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Work items - one row per active or pending index
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS work_items (
			idx INTEGER PRIMARY KEY,
			data BLOB NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create work_items table: %w", err)
	}

	// Clock checkpoint - single row, rebases expirations after restart
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
