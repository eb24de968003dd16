// Package bbolt implements db.Engine on top of go.etcd.io/bbolt. A tree path
// is a directory holding a single bbolt file.
package bbolt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/log"
)

const (
	fileName = "tree.db"

	// bbolt rejects empty keys, so every key and value is stored with a tag
	// byte in front.
	keyTag   byte = 'k'
	valueTag byte = 'v'
)

var (
	bucketName = []byte("tree")

	errCorruptValue = errors.New("bbolt: stored value is missing its tag")
)

type bboltStore struct {
	db        *bbolt.DB
	dir       string
	temporary bool

	stop chan struct{}
	done chan struct{}
}

type tree struct {
	key   string
	store *bboltStore
}

type iterator struct {
	mu      sync.Mutex
	store   *bboltStore
	last    []byte
	started bool
	done    bool
}

type Engine struct {
	db.Configs

	stores *db.Shared[*bboltStore]
	trees  *db.Registry[*tree]
	iters  *db.Registry[*iterator]
}

var _ db.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		Configs: db.NewConfigs(),
		stores:  db.NewShared[*bboltStore](),
		trees:   db.NewRegistry[*tree](),
		iters:   db.NewRegistry[*iterator](),
	}
}

func (e *Engine) Name() string { return "bbolt" }

func openStore(opts db.Options) (*bboltStore, error) {
	dir := opts.Path
	if opts.Temporary {
		var err error
		dir, err = os.MkdirTemp("", "rsdb-bbolt-")
		if err != nil {
			return nil, err
		}
	} else if !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	bdb, err := bbolt.Open(filepath.Join(dir, fileName), 0644, &bbolt.Options{
		Timeout:  time.Second,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		if opts.Temporary {
			os.RemoveAll(dir) //nolint:errcheck
		}
		return nil, fmt.Errorf("bbolt: open %s: %w", dir, err)
	}

	bdb.NoSync = opts.FlushEvery > 0

	if !opts.ReadOnly {
		err = bdb.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		})
		if err != nil {
			bdb.Close() //nolint:errcheck
			return nil, err
		}
	}

	bs := &bboltStore{
		db:        bdb,
		dir:       dir,
		temporary: opts.Temporary,
	}
	if opts.FlushEvery > 0 && !opts.ReadOnly {
		bs.stop = make(chan struct{})
		bs.done = make(chan struct{})
		go bs.syncLoop(opts.FlushEvery)
	}

	log.Engine.Debug().Str("engine", "bbolt").Str("path", dir).Msg("store opened")
	return bs, nil
}

func (bs *bboltStore) syncLoop(every time.Duration) {
	defer close(bs.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-bs.stop:
			return
		case <-ticker.C:
			if err := bs.db.Sync(); err != nil {
				log.Engine.Error().Err(err).Str("engine", "bbolt").Msg("background sync failed")
			}
		}
	}
}

func (bs *bboltStore) close() error {
	if bs.stop != nil {
		close(bs.stop)
		<-bs.done
	}
	var err error
	if !bs.db.IsReadOnly() {
		err = bs.db.Sync()
	}
	err = errors.Join(err, bs.db.Close())
	if bs.temporary {
		err = errors.Join(err, os.RemoveAll(bs.dir))
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

	bs, err := e.stores.Acquire(key, opts.ReadOnly, func() (*bboltStore, error) {
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
	return e.stores.Release(t.key, t.store, (*bboltStore).close)
}

func (e *Engine) store(ref db.TreeRef) (*bboltStore, error) {
	t, ok := e.trees.Get(uintptr(ref))
	if !ok {
		return nil, db.ErrUnknownDescriptor
	}
	return t.store, nil
}

func (e *Engine) Flush(ref db.TreeRef) error {
	bs, err := e.store(ref)
	if err != nil {
		return err
	}
	if bs.db.IsReadOnly() {
		return nil
	}
	return bs.db.Sync()
}

func decodeValue(v []byte) ([]byte, error) {
	if len(v) == 0 || v[0] != valueTag {
		return nil, errCorruptValue
	}
	return v[1:], nil
}

// Get copies the value out of the memory map before the read transaction
// ends; a transaction held open by a caller would block remapping on growth.
func (e *Engine) Get(ref db.TreeRef, key []byte) (db.Buffer, error) {
	bs, err := e.store(ref)
	if err != nil {
		return db.AbsentBuffer(), err
	}

	var (
		val   []byte
		found bool
	)
	err = bs.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt == nil {
			return nil
		}
		raw := bkt.Get(db.PrefixKey(keyTag, key))
		if raw == nil {
			return nil
		}
		decoded, err := decodeValue(raw)
		if err != nil {
			return err
		}
		val = append([]byte{}, decoded...)
		found = true
		return nil
	})
	if err != nil || !found {
		return db.AbsentBuffer(), err
	}
	return db.OwnedBuffer(val), nil
}

func (e *Engine) Set(ref db.TreeRef, key, value []byte) error {
	bs, err := e.store(ref)
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(db.PrefixKey(keyTag, key), db.PrefixKey(valueTag, value))
	})
}

func (e *Engine) Delete(ref db.TreeRef, key []byte) error {
	bs, err := e.store(ref)
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(db.PrefixKey(keyTag, key))
	})
}

// CompareAndSwap runs inside a single bbolt write transaction; bbolt allows
// one writer at a time, which makes the read and the write atomic.
func (e *Engine) CompareAndSwap(ref db.TreeRef, key []byte, expected, newValue db.Value) (bool, db.Buffer, error) {
	bs, err := e.store(ref)
	if err != nil {
		return false, db.AbsentBuffer(), err
	}

	var (
		swapped bool
		actual  = db.AbsentBuffer()
	)
	err = bs.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		k := db.PrefixKey(keyTag, key)

		current := db.AbsentBuffer()
		if raw := bkt.Get(k); raw != nil {
			val, err := decodeValue(raw)
			if err != nil {
				return err
			}
			// The transaction ends before the caller reads the buffer.
			current = db.OwnedBuffer(append([]byte{}, val...))
		}
		if !current.Matches(expected) {
			actual = current
			return nil
		}

		swapped = true
		if newValue.Present() {
			return bkt.Put(k, db.PrefixKey(valueTag, newValue.Bytes()))
		}
		return bkt.Delete(k)
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

// IterNext opens a short read transaction per step and seeks past the last
// key it returned, so no transaction outlives a call.
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
	err := it.store.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		k, v := c.Seek(it.last)
		if it.started && bytes.Equal(k, it.last) {
			k, v = c.Next()
		}
		if k == nil || k[0] != keyTag {
			return nil
		}
		decoded, err := decodeValue(v)
		if err != nil {
			return err
		}
		key = append([]byte{}, k...)
		val = append([]byte{}, decoded...)
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
