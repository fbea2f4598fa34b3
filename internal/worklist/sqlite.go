package worklist

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dokzlo13/jackalope/internal/db"
)

// SQLiteFile is the database file name inside the data dir.
const SQLiteFile = "worklist.sqlite"

// SQLiteStorage keeps items in a SQLite table keyed by index.
type SQLiteStorage struct {
	db *db.DB
}

// OpenSQLiteStorage opens <dir>/worklist.sqlite, creating it if needed.
func OpenSQLiteStorage(dir string) (*SQLiteStorage, error) {
	if dir == "" {
		return nil, errors.New("sqlite storage: data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	database, err := db.Open(filepath.Join(dir, SQLiteFile))
	if err != nil {
		return nil, err
	}
	return &SQLiteStorage{db: database}, nil
}

// Write implements Storage.
func (s *SQLiteStorage) Write(index uint64, data []byte) error {
	result, err := s.db.Exec(`INSERT OR IGNORE INTO work_items (idx, data) VALUES (?, ?)`, int64(index), data)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: index %d", ErrItemExists, index)
	}
	return nil
}

// Rewrite implements Storage.
func (s *SQLiteStorage) Rewrite(index uint64, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO work_items (idx, data) VALUES (?, ?)
		ON CONFLICT(idx) DO UPDATE SET data = excluded.data
	`, int64(index), data)
	if err != nil {
		return fmt.Errorf("failed to rewrite item: %w", err)
	}
	return nil
}

// Read implements Storage.
func (s *SQLiteStorage) Read(index uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM work_items WHERE idx = ?`, int64(index)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: index %d", ErrItemMissing, index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item: %w", err)
	}
	return data, nil
}

// Delete implements Storage.
func (s *SQLiteStorage) Delete(index uint64) error {
	if _, err := s.db.Exec(`DELETE FROM work_items WHERE idx = ?`, int64(index)); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// Indices implements Storage.
func (s *SQLiteStorage) Indices() ([]uint64, error) {
	rows, err := s.db.Query(`SELECT idx FROM work_items ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var indices []uint64
	for rows.Next() {
		var index int64
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		indices = append(indices, uint64(index))
	}
	return indices, rows.Err()
}

// Purge implements Storage.
func (s *SQLiteStorage) Purge() error {
	if _, err := s.db.Exec(`DELETE FROM work_items`); err != nil {
		return fmt.Errorf("failed to purge items: %w", err)
	}
	return nil
}

// ReadCheckpoint implements Storage.
func (s *SQLiteStorage) ReadCheckpoint() (int64, bool, error) {
	var ts int64
	err := s.db.QueryRow(`SELECT at FROM checkpoint WHERE id = 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return ts, true, nil
}

// WriteCheckpoint implements Storage.
func (s *SQLiteStorage) WriteCheckpoint(ts int64) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoint (id, at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET at = excluded.at
	`, ts)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Close implements Storage.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
