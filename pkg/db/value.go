package db

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

// Value is an optional byte sequence. Presence is carried explicitly, so a
// present zero-length value is distinct from an absent one.
type Value struct {
	data    []byte
	present bool
}

// Absent is the missing Value.
var Absent = Value{}

// Some returns a present Value holding b. A nil b is a present, empty value.
func Some(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{data: b, present: true}
}

func (v Value) Present() bool { return v.present }

// Bytes returns the held bytes, or nil when absent.
func (v Value) Bytes() []byte {
	if !v.present {
		return nil
	}
	return v.data
}

// Equal reports whether both values are absent, or both present with equal bytes.
func (v Value) Equal(o Value) bool {
	if v.present != o.present {
		return false
	}
	return !v.present || bytes.Equal(v.data, o.data)
}

func (v Value) String() string {
	if !v.present {
		return "<absent>"
	}
	return fmt.Sprintf("%q", v.data)
}

// Buffer is a byte sequence returned across the boundary. Its memory belongs
// to the engine until Free is called; callers copy out anything they keep.
type Buffer struct {
	data    []byte
	present bool
	free    func() error
	freed   *atomic.Bool
}

// AbsentBuffer is the buffer an engine returns for a missing key.
func AbsentBuffer() Buffer {
	return Buffer{}
}

// NewBuffer wraps engine-owned bytes. free, if non-nil, releases the memory
// and runs at most once.
func NewBuffer(data []byte, free func() error) Buffer {
	if data == nil {
		data = []byte{}
	}
	return Buffer{data: data, present: true, free: free, freed: new(atomic.Bool)}
}

// OwnedBuffer wraps bytes the caller may keep; Free is a no-op.
func OwnedBuffer(data []byte) Buffer {
	return NewBuffer(data, nil)
}

func (b Buffer) Present() bool { return b.present }

// Bytes borrows the engine memory. The slice must not be used after Free.
func (b Buffer) Bytes() []byte { return b.data }

// Copy returns a Value that owns a copy of the buffer contents.
func (b Buffer) Copy() Value {
	if !b.present {
		return Absent
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return Some(out)
}

// Free hands the memory back to the engine. Calling it more than once, or on
// an absent buffer, is a no-op.
func (b Buffer) Free() error {
	if !b.present || b.free == nil {
		return nil
	}
	if !b.freed.CompareAndSwap(false, true) {
		return nil
	}
	return b.free()
}

// CopyAndFree copies the contents out and frees the buffer.
func (b Buffer) CopyAndFree() (Value, error) {
	v := b.Copy()
	return v, b.Free()
}

// Matches reports whether the buffer holds exactly v, presence included.
func (b Buffer) Matches(v Value) bool {
	if b.present != v.present {
		return false
	}
	return !v.present || bytes.Equal(b.data, v.data)
}
