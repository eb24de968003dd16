package pebble

import (
	"github.com/eigerco/rsdb/pkg/db"
)

// compareAndSwap reads the current value and applies the update in one
// critical section. The buffer returned on mismatch comes from that same read.
func (s *store) compareAndSwap(key []byte, expected, newValue db.Value) (bool, db.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, db.AbsentBuffer(), ErrClosed
	}

	current, err := s.read(key)
	if err != nil {
		return false, db.AbsentBuffer(), err
	}
	if !current.Matches(expected) {
		return false, current, nil
	}
	if err := current.Free(); err != nil {
		return false, db.AbsentBuffer(), err
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if newValue.Present() {
		err = batch.Set(key, newValue.Bytes(), nil)
	} else {
		err = batch.Delete(key, nil)
	}
	if err != nil {
		return false, db.AbsentBuffer(), err
	}
	if err := batch.Commit(s.wo); err != nil {
		return false, db.AbsentBuffer(), err
	}
	return true, db.AbsentBuffer(), nil
}
