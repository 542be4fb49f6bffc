package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// FileStore keeps one JSON file per key, sharded by hash under a directory per service.
type FileStore struct {
	dir    string
	closed atomic.Bool
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("cache directory %s is not writable: %w", dir, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(key Key) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

// Save writes to a temporary file in the target directory, syncs it and
// renames it over the final path, so readers only ever see complete entries.
func (s *FileStore) Save(key Key, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	path := s.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *FileStore) path(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(s.dir, safeSegment(key.Service), hash[:2], hash[2:]+".json")
}

func safeSegment(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return filepath.Base(filepath.Clean("/" + s))
}

var _ Store = (*FileStore)(nil)
