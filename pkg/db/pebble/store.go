package pebble

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/log"
)

// store is one open pebble.DB. Trees opened on the same path share it.
type store struct {
	key      string
	readOnly bool
	db       *pebble.DB
	wo       *pebble.WriteOptions

	// mu serializes mutations, which is what makes compareAndSwap atomic.
	mu     sync.RWMutex
	refs   int
	iters  map[*Iterator]struct{}
	closed bool

	stop chan struct{}
	done chan struct{}
}

func openStore(key string, opts db.Options) (*store, error) {
	cache := pebble.NewCache(int64(opts.CacheCapacity))
	defer cache.Unref()

	pOpts := &pebble.Options{
		Cache:    cache,
		ReadOnly: opts.ReadOnly,
		Logger:   logger{},
	}
	if opts.Temporary {
		pOpts.FS = vfs.NewMem()
	}
	compression := pebble.NoCompression
	if opts.UseCompression {
		compression = pebble.SnappyCompression
	}
	pOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pOpts.Levels {
		pOpts.Levels[i].Compression = compression
	}

	dir := opts.Path
	if opts.Temporary && dir == "" {
		dir = "temporary"
	}
	pdb, err := pebble.Open(dir, pOpts)
	if err != nil {
		return nil, fmt.Errorf(ErrOpeningStore, dir, err)
	}

	s := &store{
		key:      key,
		readOnly: opts.ReadOnly,
		db:       pdb,
		wo:       pebble.Sync,
		refs:     1,
		iters:    make(map[*Iterator]struct{}),
	}
	if opts.FlushEvery > 0 && !opts.ReadOnly {
		s.wo = pebble.NoSync
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.flushLoop(opts.FlushEvery)
	}

	log.Engine.Debug().Str("engine", "pebble").Str("path", dir).
		Bool("temporary", opts.Temporary).Bool("read_only", opts.ReadOnly).Msg("store opened")
	return s, nil
}

// logger routes pebble's own messages through the engine logger.
type logger struct{}

func (logger) Infof(format string, args ...interface{}) {
	log.Engine.Debug().Str("engine", "pebble").Msgf(format, args...)
}

func (logger) Errorf(format string, args ...interface{}) {
	log.Engine.Error().Str("engine", "pebble").Msgf(format, args...)
}

func (logger) Fatalf(format string, args ...interface{}) {
	log.Engine.Fatal().Str("engine", "pebble").Msgf(format, args...)
}

func (s *store) flushLoop(every time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.sync(); err != nil && !errors.Is(err, ErrClosed) {
				log.Engine.Error().Err(err).Str("engine", "pebble").Msg("background sync failed")
			}
		}
	}
}

// sync forces the WAL to stable storage.
func (s *store) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return nil
	}
	return s.db.LogData(nil, pebble.Sync)
}

func (s *store) get(key []byte) (db.Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return db.AbsentBuffer(), ErrClosed
	}
	return s.read(key)
}

// read requires s.mu to be held.
func (s *store) read(key []byte) (db.Buffer, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return db.AbsentBuffer(), nil
	}
	if err != nil {
		return db.AbsentBuffer(), err
	}
	return db.NewBuffer(value, closer.Close), nil
}

func (s *store) set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.Set(key, value, s.wo)
}

func (s *store) delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.Delete(key, s.wo)
}

// release drops one reference and closes the DB with the last one. Iterators
// still open at that point are closed first.
func (s *store) release() (last bool, err error) {
	s.mu.Lock()
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	iters := s.iters
	s.iters = nil
	s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	for it := range iters {
		if cerr := it.close(); cerr != nil {
			log.Engine.Warn().Err(cerr).Str("engine", "pebble").Msg("closing orphaned iterator")
		}
	}
	// Acknowledged NoSync writes reach the WAL before close.
	if !s.readOnly {
		err = s.db.LogData(nil, pebble.Sync)
	}
	return true, errors.Join(err, s.db.Close())
}
