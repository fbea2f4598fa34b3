package worklist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	itemExt        = ".item"
	checkpointFile = "time"
	tempPrefix     = ".tmp-"
)

// FileStorage keeps each item in <dir>/<index>.item and the checkpoint in <dir>/time.
type FileStorage struct {
	dir string
}

// OpenFileStorage creates dir if needed and removes temp files left by a crash.
func OpenFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("file storage: data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) itemPath(index uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(index, 10)+itemExt)
}

// Write implements Storage.
func (s *FileStorage) Write(index uint64, data []byte) error {
	path := s.itemPath(index)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: index %d", ErrItemExists, index)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.writeAtomic(path, data)
}

// Rewrite implements Storage.
func (s *FileStorage) Rewrite(index uint64, data []byte) error {
	return s.writeAtomic(s.itemPath(index), data)
}

// Read implements Storage.
func (s *FileStorage) Read(index uint64) ([]byte, error) {
	data, err := os.ReadFile(s.itemPath(index))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: index %d", ErrItemMissing, index)
	}
	return data, err
}

// Delete implements Storage.
func (s *FileStorage) Delete(index uint64) error {
	err := os.Remove(s.itemPath(index))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Indices implements Storage. Files whose name is not a decimal index are skipped.
func (s *FileStorage) Indices() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}

	var indices []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, itemExt) {
			continue
		}
		index, err := strconv.ParseUint(strings.TrimSuffix(name, itemExt), 10, 64)
		if err != nil {
			log.Warn().Str("file", name).Msg("Ignoring item file with invalid index")
			continue
		}
		indices = append(indices, index)
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

// Purge implements Storage.
func (s *FileStorage) Purge() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), itemExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ReadCheckpoint implements Storage.
func (s *FileStorage) ReadCheckpoint() (int64, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, checkpointFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid checkpoint %q: %w", data, err)
	}
	return ts, true, nil
}

// WriteCheckpoint implements Storage.
func (s *FileStorage) WriteCheckpoint(ts int64) error {
	return s.writeAtomic(filepath.Join(s.dir, checkpointFile), []byte(strconv.FormatInt(ts, 10)))
}

// Close implements Storage.
func (s *FileStorage) Close() error {
	return nil
}

// writeAtomic writes through a temp file so a crash never leaves a torn item.
func (s *FileStorage) writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
