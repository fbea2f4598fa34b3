package worklist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
)

// Keyspace inside the pebble directory:
//
//	item/{index:8 bytes big-endian} - encoded item
//	meta/time                       - decimal checkpoint
var (
	itemPrefix    = []byte("item/")
	itemUpper     = []byte("item0") // '/'+1, exclusive upper bound of the item prefix
	checkpointKey = []byte("meta/time")
)

func itemKey(index uint64) []byte {
	k := make([]byte, len(itemPrefix)+8)
	copy(k, itemPrefix)
	binary.BigEndian.PutUint64(k[len(itemPrefix):], index)
	return k
}

func parseItemKey(key []byte) (uint64, bool) {
	if len(key) != len(itemPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(itemPrefix):]), true
}

// PebbleStorage keeps items in a Pebble database, ordered by index.
type PebbleStorage struct {
	db *pebble.DB
}

// OpenPebbleStorage opens or creates a Pebble database in dir.
func OpenPebbleStorage(dir string) (*PebbleStorage, error) {
	if dir == "" {
		return nil, errors.New("pebble storage: data dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Write implements Storage.
func (s *PebbleStorage) Write(index uint64, data []byte) error {
	key := itemKey(index)
	if _, err := s.get(key); err == nil {
		return fmt.Errorf("%w: index %d", ErrItemExists, index)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

// Rewrite implements Storage.
func (s *PebbleStorage) Rewrite(index uint64, data []byte) error {
	return s.db.Set(itemKey(index), data, pebble.Sync)
}

// Read implements Storage.
func (s *PebbleStorage) Read(index uint64) ([]byte, error) {
	data, err := s.get(itemKey(index))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: index %d", ErrItemMissing, index)
	}
	return data, err
}

// Delete implements Storage.
func (s *PebbleStorage) Delete(index uint64) error {
	return s.db.Delete(itemKey(index), pebble.Sync)
}

// Indices implements Storage.
func (s *PebbleStorage) Indices() ([]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: itemPrefix, UpperBound: itemUpper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var indices []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		if index, ok := parseItemKey(iter.Key()); ok {
			indices = append(indices, index)
		}
	}
	return indices, iter.Error()
}

// Purge implements Storage.
func (s *PebbleStorage) Purge() error {
	return s.db.DeleteRange(itemPrefix, itemUpper, pebble.Sync)
}

// ReadCheckpoint implements Storage.
func (s *PebbleStorage) ReadCheckpoint() (int64, bool, error) {
	data, err := s.get(checkpointKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid checkpoint %q: %w", data, err)
	}
	return ts, true, nil
}

// WriteCheckpoint implements Storage.
func (s *PebbleStorage) WriteCheckpoint(ts int64) error {
	return s.db.Set(checkpointKey, []byte(strconv.FormatInt(ts, 10)), pebble.Sync)
}

// Close implements Storage.
func (s *PebbleStorage) Close() error {
	return s.db.Close()
}
