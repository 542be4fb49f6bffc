package cache

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrNotExist is returned by a Store when a key has never been written.
	ErrNotExist = errors.New("cache entry does not exist")
	ErrClosed   = errors.New("cache store is closed")
)

// Store persists raw encoded entries. Save must be durable and atomic per key
// before it returns.
type Store interface {
	Load(key Key) ([]byte, error)
	Save(key Key, data []byte) error
	Close() error
}

const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// OpenStore opens the persistent store selected by backend under dir.
func OpenStore(backend, dir string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(filepath.Join(dir, "entries"))
	case BackendBadger:
		return NewBadgerStore(BadgerConfig{Path: filepath.Join(dir, "badger")})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
