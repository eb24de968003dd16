package db

import (
	"errors"
	"path/filepath"
	"sync"
)

// ErrModeConflict is returned when a path is already open with a different
// read-only mode.
var ErrModeConflict = errors.New("db: store already open with a different read-only mode")

// Shared reference-counts stores by path so that every tree opened on a path
// uses the same underlying database.
type Shared[S any] struct {
	mu      sync.Mutex
	entries map[string]*sharedEntry[S]
}

type sharedEntry[S any] struct {
	store    S
	refs     int
	readOnly bool
}

func NewShared[S any]() *Shared[S] {
	return &Shared[S]{entries: make(map[string]*sharedEntry[S])}
}

// StoreKey is the key Shared uses for opts. Temporary stores get the empty
// key and are never shared.
func StoreKey(opts Options) (string, error) {
	if opts.Temporary {
		return "", nil
	}
	return filepath.Abs(opts.Path)
}

// Acquire returns the open store for key or opens it.
func (s *Shared[S]) Acquire(key string, readOnly bool, open func() (S, error)) (S, error) {
	if key == "" {
		return open()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		if e.readOnly != readOnly {
			var zero S
			return zero, ErrModeConflict
		}
		e.refs++
		return e.store, nil
	}
	st, err := open()
	if err != nil {
		return st, err
	}
	s.entries[key] = &sharedEntry[S]{store: st, refs: 1, readOnly: readOnly}
	return st, nil
}

// Release drops one reference and calls closeFn with the last one.
func (s *Shared[S]) Release(key string, st S, closeFn func(S) error) error {
	if key == "" {
		return closeFn(st)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrUnknownDescriptor
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(s.entries, key)
	return closeFn(e.store)
}

// Open reports how many distinct stores are open.
func (s *Shared[S]) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// PrefixKey prepends a tag byte. Libraries that reject empty keys or empty
// values store the tagged form instead.
func PrefixKey(prefix byte, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = prefix
	copy(out[1:], key)
	return out
}
