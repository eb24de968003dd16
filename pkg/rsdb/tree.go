package rsdb

import (
	"errors"
	"runtime"
	"sync"

	"github.com/eigerco/rsdb/pkg/db"
)

// CASResult is the outcome of CompareAndSwap. Actual holds the stored value
// when the swap did not happen and is the zero Value otherwise.
type CASResult struct {
	Swapped bool
	Actual  db.Value
}

// Tree is an open store. It is safe for concurrent use; Close waits for
// operations already in flight.
type Tree struct {
	engine db.Engine
	h      *handle[db.TreeRef]

	// Handles of open cursors. The Cursor values are not referenced, so a
	// dropped cursor can still be finalized.
	mu      sync.Mutex
	cursors map[*handle[db.IterRef]]struct{}
}

func newTree(engine db.Engine, h *handle[db.TreeRef]) *Tree {
	t := &Tree{
		engine:  engine,
		h:       h,
		cursors: make(map[*handle[db.IterRef]]struct{}),
	}
	runtime.SetFinalizer(t, (*Tree).finalize)
	return t
}

// copyOut copies buf into Go memory and hands the buffer back to the engine.
func copyOut(buf db.Buffer) (db.Value, error) {
	v, err := buf.CopyAndFree()
	return v, backend("free buffer", err)
}

// Get returns the value stored under key. ok is false when the key is
// absent; an empty value is present.
func (t *Tree) Get(key []byte) (value []byte, ok bool, err error) {
	err = t.h.use(func(raw db.TreeRef) error {
		buf, err := t.engine.Get(raw, key)
		if err != nil {
			return errors.Join(backend("get", err), backend("free buffer", buf.Free()))
		}
		v, err := copyOut(buf)
		value, ok = v.Bytes(), v.Present()
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return value, ok, nil
}

func (t *Tree) Set(key, value []byte) error {
	return t.h.use(func(raw db.TreeRef) error {
		return backend("set", t.engine.Set(raw, key, value))
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (t *Tree) Delete(key []byte) error {
	return t.h.use(func(raw db.TreeRef) error {
		return backend("delete", t.engine.Delete(raw, key))
	})
}

// CompareAndSwap sets key to newValue if it currently holds expected. An
// absent expected requires the key to be missing; an absent newValue deletes
// the key. On a mismatch the result carries the value read by the same
// atomic engine call.
func (t *Tree) CompareAndSwap(key []byte, expected, newValue db.Value) (CASResult, error) {
	var res CASResult
	err := t.h.use(func(raw db.TreeRef) error {
		swapped, actual, err := t.engine.CompareAndSwap(raw, key, expected, newValue)
		if err != nil {
			return errors.Join(backend("compare and swap", err), backend("free buffer", actual.Free()))
		}
		v, err := copyOut(actual)
		if err != nil {
			return err
		}
		res.Swapped = swapped
		if !swapped {
			res.Actual = v
		}
		return nil
	})
	if err != nil {
		return CASResult{}, err
	}
	return res, nil
}

// Scan returns a cursor over the pairs whose key is at least start, in
// ascending key order. The cursor must be closed; closing the tree closes it
// too.
func (t *Tree) Scan(start []byte) (*Cursor, error) {
	var c *Cursor
	err := t.h.use(func(raw db.TreeRef) error {
		ref, err := t.engine.Scan(raw, start)
		if err != nil {
			return errors.Join(ErrScanFailed, backend("scan", err))
		}
		h, err := acquire("cursor", ref, t.engine.FreeIter)
		if err != nil {
			return ErrScanFailed
		}
		c = newCursor(t, h)

		t.mu.Lock()
		t.cursors[h] = struct{}{}
		t.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ScanFunc calls fn for every pair from start onwards and closes the cursor
// on every exit path. An error from fn stops the scan and is returned.
func (t *Tree) ScanFunc(start []byte, fn func(key, value []byte) error) (err error) {
	c, err := t.Scan(start)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}()

	for c.Next() {
		if err := fn(c.Key(), c.Value()); err != nil {
			return err
		}
	}
	return c.Err()
}

// Flush persists buffered writes.
func (t *Tree) Flush() error {
	return t.h.use(func(raw db.TreeRef) error {
		return backend("flush", t.engine.Flush(raw))
	})
}

func (t *Tree) forget(h *handle[db.IterRef]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.cursors, h)
}

// closeCursors runs under the tree's write lock, so no Scan can register a
// new cursor meanwhile. Iterators are always freed before their tree.
func (t *Tree) closeCursors() {
	t.mu.Lock()
	open := make([]*handle[db.IterRef], 0, len(t.cursors))
	for h := range t.cursors {
		open = append(open, h)
	}
	clear(t.cursors)
	t.mu.Unlock()

	for _, h := range open {
		closeHandle(h, "free iterator", nil) //nolint:errcheck // logged by closeHandle
	}
}

func (t *Tree) finalize() {
	t.h.finalize(t.closeCursors)
}

// Close releases every open cursor and then the tree. Calling it again does
// nothing.
func (t *Tree) Close() error {
	return closeHandle(t.h, "free tree", t.closeCursors)
}
