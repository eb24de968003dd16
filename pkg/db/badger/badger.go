// Package badger implements db.Engine on top of github.com/dgraph-io/badger.
// Writes are always committed with SyncWrites, so Flush has nothing to do.
package badger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/log"
)

// badger rejects empty keys, so every key is stored with a tag byte in front.
const keyTag byte = 'k'

// maxConflictRetries bounds how often a transaction is retried after
// badger.ErrConflict.
const maxConflictRetries = 64

type badgerStore struct {
	db        *badger.DB
	dir       string
	temporary bool
}

type tree struct {
	key   string
	store *badgerStore
}

type iterator struct {
	mu      sync.Mutex
	store   *badgerStore
	last    []byte
	started bool
	done    bool
}

type Engine struct {
	db.Configs

	stores *db.Shared[*badgerStore]
	trees  *db.Registry[*tree]
	iters  *db.Registry[*iterator]
}

var _ db.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		Configs: db.NewConfigs(),
		stores:  db.NewShared[*badgerStore](),
		trees:   db.NewRegistry[*tree](),
		iters:   db.NewRegistry[*iterator](),
	}
}

func (e *Engine) Name() string { return "badger" }

// logger routes badger's own messages through the engine logger.
type logger struct{}

func (logger) Errorf(format string, args ...interface{}) {
	log.Engine.Error().Str("engine", "badger").Msg(trim(format, args))
}

func (logger) Warningf(format string, args ...interface{}) {
	log.Engine.Warn().Str("engine", "badger").Msg(trim(format, args))
}

func (logger) Infof(format string, args ...interface{}) {
	log.Engine.Debug().Str("engine", "badger").Msg(trim(format, args))
}

func (logger) Debugf(format string, args ...interface{}) {
	log.Engine.Trace().Str("engine", "badger").Msg(trim(format, args))
}

func trim(format string, args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}

func openStore(opts db.Options) (*badgerStore, error) {
	dir := opts.Path
	if opts.Temporary {
		var err error
		dir, err = os.MkdirTemp("", "rsdb-badger-")
		if err != nil {
			return nil, err
		}
	} else if !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	bopts := badger.DefaultOptions(dir).
		WithLogger(logger{}).
		WithReadOnly(opts.ReadOnly).
		WithSyncWrites(true)

	bdb, err := badger.Open(bopts)
	if err != nil {
		if opts.Temporary {
			os.RemoveAll(dir) //nolint:errcheck
		}
		return nil, fmt.Errorf("badger: open %s: %w", dir, err)
	}

	log.Engine.Debug().Str("engine", "badger").Str("path", dir).Msg("store opened")
	return &badgerStore{db: bdb, dir: dir, temporary: opts.Temporary}, nil
}

func (bs *badgerStore) close() error {
	err := bs.db.Close()
	if bs.temporary {
		err = errors.Join(err, os.RemoveAll(bs.dir))
	}
	return err
}

// update runs fn in a read-write transaction, retrying when a concurrent
// commit touched a key fn read.
func (bs *badgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = bs.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

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

	bs, err := e.stores.Acquire(key, opts.ReadOnly, func() (*badgerStore, error) {
		return openStore(opts)
	})
	if err != nil {
		return 0, err
	}
	return db.TreeRef(e.trees.Insert(&tree{key: key, store: bs})), nil
}

func (e *Engine) FreeTree(ref db.TreeRef) error {
	t, ok := e.trees.Remove(uintptr(ref))
	if !ok {
		return db.ErrUnknownDescriptor
	}
	return e.stores.Release(t.key, t.store, (*badgerStore).close)
}

func (e *Engine) store(ref db.TreeRef) (*badgerStore, error) {
	t, ok := e.trees.Get(uintptr(ref))
	if !ok {
		return nil, db.ErrUnknownDescriptor
	}
	return t.store, nil
}

func (e *Engine) Flush(ref db.TreeRef) error {
	_, err := e.store(ref)
	return err
}

// read requires an open transaction.
func read(txn *badger.Txn, key []byte) (db.Buffer, error) {
	item, err := txn.Get(db.PrefixKey(keyTag, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return db.AbsentBuffer(), nil
	} else if err != nil {
		return db.AbsentBuffer(), err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return db.AbsentBuffer(), err
	}
	return db.OwnedBuffer(val), nil
}

func (e *Engine) Get(ref db.TreeRef, key []byte) (db.Buffer, error) {
	bs, err := e.store(ref)
	if err != nil {
		return db.AbsentBuffer(), err
	}

	buf := db.AbsentBuffer()
	err = bs.db.View(func(txn *badger.Txn) error {
		var err error
		buf, err = read(txn, key)
		return err
	})
	return buf, err
}

func (e *Engine) Set(ref db.TreeRef, key, value []byte) error {
	bs, err := e.store(ref)
	if err != nil {
		return err
	}
	return bs.update(func(txn *badger.Txn) error {
		return txn.Set(db.PrefixKey(keyTag, key), append([]byte{}, value...))
	})
}

func (e *Engine) Delete(ref db.TreeRef, key []byte) error {
	bs, err := e.store(ref)
	if err != nil {
		return err
	}
	return bs.update(func(txn *badger.Txn) error {
		return txn.Delete(db.PrefixKey(keyTag, key))
	})
}

// CompareAndSwap reads and writes in one transaction. badger aborts the
// commit with ErrConflict when another commit changed the key in between, and
// the whole comparison is retried against the new value.
func (e *Engine) CompareAndSwap(ref db.TreeRef, key []byte, expected, newValue db.Value) (bool, db.Buffer, error) {
	bs, err := e.store(ref)
	if err != nil {
		return false, db.AbsentBuffer(), err
	}

	var (
		swapped bool
		actual  db.Buffer
	)
	err = bs.update(func(txn *badger.Txn) error {
		swapped, actual = false, db.AbsentBuffer()

		current, err := read(txn, key)
		if err != nil {
			return err
		}
		if !current.Matches(expected) {
			actual = current
			return nil
		}

		swapped = true
		k := db.PrefixKey(keyTag, key)
		if newValue.Present() {
			return txn.Set(k, append([]byte{}, newValue.Bytes()...))
		}
		return txn.Delete(k)
	})
	if err != nil {
		return false, db.AbsentBuffer(), err
	}
	return swapped, actual, nil
}

func (e *Engine) Scan(ref db.TreeRef, start []byte) (db.IterRef, error) {
	bs, err := e.store(ref)
	if err != nil {
		return 0, err
	}
	it := &iterator{store: bs, last: db.PrefixKey(keyTag, start)}
	return db.IterRef(e.iters.Insert(it)), nil
}

// IterNext seeks past the last key it returned inside a fresh read
// transaction.
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

	var key, val []byte
	err := it.store.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		bit := txn.NewIterator(iopts)
		defer bit.Close()

		prefix := []byte{keyTag}
		bit.Seek(it.last)
		if it.started && bit.ValidForPrefix(prefix) && bytes.Equal(bit.Item().Key(), it.last) {
			bit.Next()
		}
		if !bit.ValidForPrefix(prefix) {
			return nil
		}

		item := bit.Item()
		var err error
		val, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		key = item.KeyCopy(nil)
		return nil
	})
	it.started = true
	if err != nil || key == nil {
		it.done = true
		return db.AbsentBuffer(), db.AbsentBuffer(), false, err
	}
	it.last = key
	return db.OwnedBuffer(key[1:]), db.OwnedBuffer(val), true, nil
}

func (e *Engine) FreeIter(ref db.IterRef) error {
	if _, ok := e.iters.Remove(uintptr(ref)); !ok {
		return db.ErrUnknownDescriptor
	}
	return nil
}
