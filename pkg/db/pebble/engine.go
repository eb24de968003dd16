// Package pebble implements db.Engine on top of github.com/cockroachdb/pebble.
package pebble

import (
	"sync"

	"github.com/eigerco/rsdb/pkg/db"
)

type tree struct {
	store *store
}

// Engine hands out descriptors for pebble-backed configurations, trees and
// iterators. Trees opened on the same path share one pebble.DB.
type Engine struct {
	db.Configs

	mu     sync.Mutex
	stores map[string]*store

	trees *db.Registry[*tree]
	iters *db.Registry[*iterEntry]
}

type iterEntry struct {
	store *store
	it    *Iterator
}

var _ db.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		Configs: db.NewConfigs(),
		stores:  make(map[string]*store),
		trees:   db.NewRegistry[*tree](),
		iters:   db.NewRegistry[*iterEntry](),
	}
}

func (e *Engine) Name() string { return "pebble" }

func (e *Engine) OpenTree(cfg db.ConfigRef) (db.TreeRef, error) {
	opts, err := e.Lookup(cfg)
	if err != nil {
		return 0, err
	}
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	key, err := db.StoreKey(opts)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.stores[key]; ok && key != "" {
		if s.readOnly != opts.ReadOnly {
			return 0, db.ErrModeConflict
		}
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return db.TreeRef(e.trees.Insert(&tree{store: s})), nil
	}

	s, err := openStore(key, opts)
	if err != nil {
		return 0, err
	}
	if key != "" {
		e.stores[key] = s
	}
	return db.TreeRef(e.trees.Insert(&tree{store: s})), nil
}

func (e *Engine) FreeTree(ref db.TreeRef) error {
	t, ok := e.trees.Remove(uintptr(ref))
	if !ok {
		return db.ErrUnknownDescriptor
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	last, err := t.store.release()
	if last && t.store.key != "" {
		delete(e.stores, t.store.key)
	}
	return err
}

func (e *Engine) tree(ref db.TreeRef) (*store, error) {
	t, ok := e.trees.Get(uintptr(ref))
	if !ok {
		return nil, db.ErrUnknownDescriptor
	}
	return t.store, nil
}

func (e *Engine) Flush(ref db.TreeRef) error {
	s, err := e.tree(ref)
	if err != nil {
		return err
	}
	return s.sync()
}

func (e *Engine) Get(ref db.TreeRef, key []byte) (db.Buffer, error) {
	s, err := e.tree(ref)
	if err != nil {
		return db.AbsentBuffer(), err
	}
	return s.get(key)
}

func (e *Engine) Set(ref db.TreeRef, key, value []byte) error {
	s, err := e.tree(ref)
	if err != nil {
		return err
	}
	return s.set(key, value)
}

func (e *Engine) Delete(ref db.TreeRef, key []byte) error {
	s, err := e.tree(ref)
	if err != nil {
		return err
	}
	return s.delete(key)
}

func (e *Engine) CompareAndSwap(ref db.TreeRef, key []byte, expected, newValue db.Value) (bool, db.Buffer, error) {
	s, err := e.tree(ref)
	if err != nil {
		return false, db.AbsentBuffer(), err
	}
	return s.compareAndSwap(key, expected, newValue)
}

func (e *Engine) Scan(ref db.TreeRef, start []byte) (db.IterRef, error) {
	s, err := e.tree(ref)
	if err != nil {
		return 0, err
	}
	it, err := s.newIterator(start)
	if err != nil {
		return 0, err
	}
	return db.IterRef(e.iters.Insert(&iterEntry{store: s, it: it})), nil
}

func (e *Engine) IterNext(ref db.IterRef) (db.Buffer, db.Buffer, bool, error) {
	entry, ok := e.iters.Get(uintptr(ref))
	if !ok {
		return db.AbsentBuffer(), db.AbsentBuffer(), false, db.ErrUnknownDescriptor
	}
	return entry.it.next()
}

func (e *Engine) FreeIter(ref db.IterRef) error {
	entry, ok := e.iters.Remove(uintptr(ref))
	if !ok {
		return db.ErrUnknownDescriptor
	}
	return entry.store.closeIterator(entry.it)
}
