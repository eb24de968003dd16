// Package memory implements db.Engine with an in-process google/btree.
// Stores live as long as the Engine: a tree reopened on the same path sees
// earlier writes, which lets the crash-recovery checks run without a disk.
package memory

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"

	"github.com/google/btree"

	"github.com/eigerco/rsdb/pkg/db"
)

var ErrReadOnly = errors.New("memory: store is read-only")

type keyVal struct {
	key []byte
	val []byte
}

func (kv keyVal) Less(item btree.Item) bool {
	return bytes.Compare(kv.key, item.(keyVal).key) < 0
}

type store struct {
	mutex sync.RWMutex
	tree  *btree.BTree

	// Guarded by Engine.mu.
	open     int
	readOnly bool
}

func newStore() *store {
	return &store{tree: btree.New(16)}
}

type tree struct {
	store    *store
	readOnly bool
}

type iterator struct {
	mu      sync.Mutex
	tree    *tree
	last    []byte
	started bool
	done    bool
}

type Engine struct {
	db.Configs

	mu     sync.Mutex
	stores map[string]*store

	trees *db.Registry[*tree]
	iters *db.Registry[*iterator]
}

var _ db.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		Configs: db.NewConfigs(),
		stores:  make(map[string]*store),
		trees:   db.NewRegistry[*tree](),
		iters:   db.NewRegistry[*iterator](),
	}
}

func (e *Engine) Name() string { return "memory" }

func (e *Engine) OpenTree(cfg db.ConfigRef) (db.TreeRef, error) {
	opts, err := e.Lookup(cfg)
	if err != nil {
		return 0, err
	}
	if err := opts.Validate(); err != nil {
		return 0, err
	}

	if opts.Temporary {
		s := newStore()
		s.open = 1
		return db.TreeRef(e.trees.Insert(&tree{store: s})), nil
	}
	key, err := filepath.Abs(opts.Path)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.stores[key]
	if !ok {
		s = newStore()
		e.stores[key] = s
	}
	if s.open > 0 && s.readOnly != opts.ReadOnly {
		return 0, db.ErrModeConflict
	}
	s.open++
	s.readOnly = opts.ReadOnly
	return db.TreeRef(e.trees.Insert(&tree{store: s, readOnly: opts.ReadOnly})), nil
}

func (e *Engine) FreeTree(ref db.TreeRef) error {
	t, ok := e.trees.Remove(uintptr(ref))
	if !ok {
		return db.ErrUnknownDescriptor
	}

	e.mu.Lock()
	t.store.open--
	e.mu.Unlock()
	return nil
}

func (e *Engine) tree(ref db.TreeRef) (*tree, error) {
	t, ok := e.trees.Get(uintptr(ref))
	if !ok {
		return nil, db.ErrUnknownDescriptor
	}
	return t, nil
}

func (e *Engine) Flush(ref db.TreeRef) error {
	_, err := e.tree(ref)
	return err
}

func (e *Engine) Get(ref db.TreeRef, key []byte) (db.Buffer, error) {
	t, err := e.tree(ref)
	if err != nil {
		return db.AbsentBuffer(), err
	}

	t.store.mutex.RLock()
	defer t.store.mutex.RUnlock()

	return t.store.get(key), nil
}

// get requires the store mutex. Stored slices are never mutated in place, so
// the returned buffer may alias them.
func (s *store) get(key []byte) db.Buffer {
	item := s.tree.Get(keyVal{key: key})
	if item == nil {
		return db.AbsentBuffer()
	}
	return db.OwnedBuffer(item.(keyVal).val)
}

func (s *store) put(key, val []byte) {
	s.tree.ReplaceOrInsert(keyVal{
		key: append([]byte{}, key...),
		val: append([]byte{}, val...),
	})
}

func (e *Engine) Set(ref db.TreeRef, key, value []byte) error {
	t, err := e.tree(ref)
	if err != nil {
		return err
	}
	if t.readOnly {
		return ErrReadOnly
	}

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()

	t.store.put(key, value)
	return nil
}

func (e *Engine) Delete(ref db.TreeRef, key []byte) error {
	t, err := e.tree(ref)
	if err != nil {
		return err
	}
	if t.readOnly {
		return ErrReadOnly
	}

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()

	t.store.tree.Delete(keyVal{key: key})
	return nil
}

func (e *Engine) CompareAndSwap(ref db.TreeRef, key []byte, expected, newValue db.Value) (bool, db.Buffer, error) {
	t, err := e.tree(ref)
	if err != nil {
		return false, db.AbsentBuffer(), err
	}
	if t.readOnly {
		return false, db.AbsentBuffer(), ErrReadOnly
	}

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()

	current := t.store.get(key)
	if !current.Matches(expected) {
		return false, current, nil
	}
	if newValue.Present() {
		t.store.put(key, newValue.Bytes())
	} else {
		t.store.tree.Delete(keyVal{key: key})
	}
	return true, db.AbsentBuffer(), nil
}

func (e *Engine) Scan(ref db.TreeRef, start []byte) (db.IterRef, error) {
	t, err := e.tree(ref)
	if err != nil {
		return 0, err
	}
	it := &iterator{tree: t, last: append([]byte{}, start...)}
	return db.IterRef(e.iters.Insert(it)), nil
}

// IterNext resumes after the last key returned, so writes between calls are
// observed and no key is produced twice.
func (e *Engine) IterNext(ref db.IterRef) (db.Buffer, db.Buffer, bool, error) {
	it, ok := e.iters.Get(uintptr(ref))
	if !ok {
		return db.AbsentBuffer(), db.AbsentBuffer(), false, db.ErrUnknownDescriptor
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.done {
		return db.AbsentBuffer(), db.AbsentBuffer(), false, nil
	}

	s := it.tree.store
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var found *keyVal
	s.tree.AscendGreaterOrEqual(keyVal{key: it.last}, func(item btree.Item) bool {
		kv := item.(keyVal)
		if it.started && bytes.Equal(kv.key, it.last) {
			return true
		}
		found = &kv
		return false
	})
	it.started = true
	if found == nil {
		it.done = true
		return db.AbsentBuffer(), db.AbsentBuffer(), false, nil
	}
	it.last = found.key
	return db.OwnedBuffer(found.key), db.OwnedBuffer(found.val), true, nil
}

func (e *Engine) FreeIter(ref db.IterRef) error {
	if _, ok := e.iters.Remove(uintptr(ref)); !ok {
		return db.ErrUnknownDescriptor
	}
	return nil
}

// Drop forgets the store at path, as if its files were removed.
func (e *Engine) Drop(path string) error {
	key, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.stores, key)
	return nil
}
