package rsdb

import (
	"errors"
	"runtime"
	"sync"

	"github.com/eigerco/rsdb/pkg/db"
)

type CursorState int

const (
	CursorOpen CursorState = iota
	CursorExhausted
	CursorReleased
)

func (s CursorState) String() string {
	switch s {
	case CursorOpen:
		return "open"
	case CursorExhausted:
		return "exhausted"
	case CursorReleased:
		return "released"
	}
	return "unknown"
}

// Cursor walks a tree in ascending key order:
//
//	for c.Next() {
//		use(c.Key(), c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
//
// Exhaustion is terminal. Key and Value are copies owned by the caller and
// stay valid after the next call to Next.
type Cursor struct {
	tree *Tree
	h    *handle[db.IterRef]

	mu        sync.Mutex
	exhausted bool
	key       []byte
	value     []byte
	err       error
}

func newCursor(t *Tree, h *handle[db.IterRef]) *Cursor {
	c := &Cursor{tree: t, h: h}
	runtime.SetFinalizer(c, (*Cursor).finalize)
	return c
}

// Next advances to the next pair. It returns false once the cursor is
// exhausted, released or has failed; Err tells these apart.
func (c *Cursor) Next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.key, c.value = nil, nil
	if c.exhausted || c.err != nil {
		return false
	}

	err := c.h.use(func(raw db.IterRef) error {
		kb, vb, ok, err := c.tree.engine.IterNext(raw)
		if err != nil {
			return errors.Join(backend("iterator next", err),
				backend("free buffer", kb.Free()), backend("free buffer", vb.Free()))
		}
		if !ok {
			c.exhausted = true
			return nil
		}
		k, kerr := copyOut(kb)
		v, verr := copyOut(vb)
		if err := errors.Join(kerr, verr); err != nil {
			return err
		}
		c.key, c.value = k.Bytes(), v.Bytes()
		return nil
	})
	if errors.Is(err, ErrUseAfterRelease) {
		return false
	}
	if err != nil {
		c.err = err
		return false
	}
	return !c.exhausted
}

func (c *Cursor) Key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.key
}

func (c *Cursor) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.value
}

// Err returns the first error met by Next, or ErrUseAfterRelease if the
// cursor was closed before it was exhausted.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	if !c.exhausted && c.h.isReleased() {
		return ErrUseAfterRelease
	}
	return nil
}

func (c *Cursor) State() CursorState {
	if c.h.isReleased() {
		return CursorReleased
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return CursorExhausted
	}
	return CursorOpen
}

// Close releases the cursor. Calling it again does nothing.
func (c *Cursor) Close() error {
	err := closeHandle(c.h, "free iterator", nil)
	c.tree.forget(c.h)
	return err
}

func (c *Cursor) finalize() {
	c.h.finalize(nil)
	c.tree.forget(c.h)
}
