package worklist

import (
	"fmt"
	"strings"
)

// Storage holds one encoded item per index plus the last clock checkpoint.
// It is only ever called by the owning Queue, never concurrently.
type Storage interface {
	// Write stores data at index. Returns ErrItemExists if index is taken.
	Write(index uint64, data []byte) error

	// Rewrite replaces the data stored at index.
	Rewrite(index uint64, data []byte) error

	// Read returns the data at index or ErrItemMissing.
	Read(index uint64) ([]byte, error)

	// Delete removes index. Deleting a missing index is not an error.
	Delete(index uint64) error

	// Indices lists every stored index in ascending order.
	Indices() ([]uint64, error)

	// Purge removes every stored item. The checkpoint is kept.
	Purge() error

	// ReadCheckpoint returns the last checkpoint; ok is false if none was written.
	ReadCheckpoint() (ts int64, ok bool, err error)

	// WriteCheckpoint persists ts.
	WriteCheckpoint(ts int64) error

	Close() error
}

// Storage backend names accepted by OpenStorage.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// OpenStorage opens the named backend rooted at dir.
func OpenStorage(backend, dir string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return OpenFileStorage(dir)
	case BackendSQLite:
		return OpenSQLiteStorage(dir)
	case BackendPebble:
		return OpenPebbleStorage(dir)
	default:
		return nil, fmt.Errorf("unknown queue backend %q (use: file|sqlite|pebble)", backend)
	}
}
