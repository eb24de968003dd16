package pebble

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/rsdb/pkg/db"
)

type Iterator struct {
	mu      sync.Mutex
	iter    *pebble.Iterator
	started bool
	done    bool
	closed  bool
}

func (s *store) newIterator(start []byte) (*Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	lower := make([]byte, len(start))
	copy(lower, start)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
	})
	if err != nil {
		return nil, fmt.Errorf(ErrInIteratorCreation, err)
	}
	it := &Iterator{iter: iter}
	s.iters[it] = struct{}{}
	return it, nil
}

// next returns borrowed key and value buffers that stay valid until the
// iterator moves again.
func (it *Iterator) next() (db.Buffer, db.Buffer, bool, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return db.AbsentBuffer(), db.AbsentBuffer(), false, ErrClosed
	}
	if it.done {
		return db.AbsentBuffer(), db.AbsentBuffer(), false, nil
	}

	var ok bool
	// If the iterator is un-positioned, position it at the first key
	if !it.started {
		it.started = true
		ok = it.iter.First()
	} else {
		ok = it.iter.Next()
	}
	if !ok {
		it.done = true
		return db.AbsentBuffer(), db.AbsentBuffer(), false, it.iter.Error()
	}

	val, err := it.iter.ValueAndErr()
	if err != nil {
		it.done = true
		return db.AbsentBuffer(), db.AbsentBuffer(), false, fmt.Errorf(ErrIteratorValue, err)
	}
	return db.NewBuffer(it.iter.Key(), nil), db.NewBuffer(val, nil), true, nil
}

func (it *Iterator) close() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return nil
	}
	it.closed = true
	return it.iter.Close()
}

func (s *store) closeIterator(it *Iterator) error {
	s.mu.Lock()
	if s.iters != nil {
		delete(s.iters, it)
	}
	s.mu.Unlock()
	return it.close()
}
