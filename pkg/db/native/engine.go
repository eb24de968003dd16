// Package native implements db.Engine by loading an rsdb shared library at
// runtime with github.com/ebitengine/purego. No cgo is involved.
package native

import (
	"errors"
	"runtime"
	"sync"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/log"
)

var ErrNullHandle = errors.New("native: library returned a null handle")

// ref guards one native pointer. Calls hold the read lock; free takes the
// write lock so the pointer is never used after the library released it.
type ref struct {
	mu  sync.RWMutex
	ptr uintptr
}

// use runs fn on one OS thread, so the rsdb_last_error read by fn belongs to
// the call fn made.
func (r *ref) use(fn func(ptr uintptr) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ptr == 0 {
		return db.ErrUnknownDescriptor
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return fn(r.ptr)
}

func (r *ref) free(fn func(ptr uintptr)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ptr == 0 {
		return db.ErrUnknownDescriptor
	}
	fn(r.ptr)
	r.ptr = 0
	return nil
}

type Engine struct {
	lib *library

	configs *db.Registry[*ref]
	trees   *db.Registry[*ref]
	iters   *db.Registry[*ref]
}

var _ db.Engine = (*Engine)(nil)

// Load opens the library at path, or DefaultLibrary when path is empty.
func Load(path string) (*Engine, error) {
	if path == "" {
		path = DefaultLibrary
	}
	lib, err := loadLibrary(path)
	if err != nil {
		return nil, err
	}
	log.Engine.Debug().Str("engine", "native").Str("library", path).Msg("library loaded")
	return newEngine(lib), nil
}

func newEngine(lib *library) *Engine {
	return &Engine{
		lib:     lib,
		configs: db.NewRegistry[*ref](),
		trees:   db.NewRegistry[*ref](),
		iters:   db.NewRegistry[*ref](),
	}
}

func (e *Engine) Name() string { return "native" }

func lookup(reg *db.Registry[*ref], id uintptr) (*ref, error) {
	r, ok := reg.Get(id)
	if !ok {
		return nil, db.ErrUnknownDescriptor
	}
	return r, nil
}

func (e *Engine) CreateConfig() db.ConfigRef {
	ptr := e.lib.createConfig()
	if ptr == 0 {
		return 0
	}
	return db.ConfigRef(e.configs.Insert(&ref{ptr: ptr}))
}

func (e *Engine) withConfig(cfg db.ConfigRef, fn func(ptr uintptr)) error {
	r, err := lookup(e.configs, uintptr(cfg))
	if err != nil {
		return err
	}
	return r.use(func(ptr uintptr) error {
		fn(ptr)
		return e.lib.takeError()
	})
}

func (e *Engine) ConfigSetPath(cfg db.ConfigRef, path []byte) error {
	cpath := cString(path)
	defer runtime.KeepAlive(cpath)

	return e.withConfig(cfg, func(ptr uintptr) {
		e.lib.configSetPath(ptr, slicePtr(cpath))
	})
}

func flag(on bool) uint8 {
	if on {
		return 1
	}
	return 0
}

func (e *Engine) ConfigSetTemporary(cfg db.ConfigRef, on bool) error {
	if e.lib.configSetTemporary == nil {
		return db.ErrUnsupported
	}
	return e.withConfig(cfg, func(ptr uintptr) { e.lib.configSetTemporary(ptr, flag(on)) })
}

func (e *Engine) ConfigSetReadOnly(cfg db.ConfigRef, on bool) error {
	if e.lib.configSetReadOnly == nil {
		return db.ErrUnsupported
	}
	return e.withConfig(cfg, func(ptr uintptr) { e.lib.configSetReadOnly(ptr, flag(on)) })
}

func (e *Engine) ConfigSetCacheCapacity(cfg db.ConfigRef, bytes uint64) error {
	if e.lib.configSetCacheCapacity == nil {
		return db.ErrUnsupported
	}
	return e.withConfig(cfg, func(ptr uintptr) { e.lib.configSetCacheCapacity(ptr, bytes) })
}

func (e *Engine) ConfigSetUseCompression(cfg db.ConfigRef, on bool) error {
	if e.lib.configUseCompression == nil {
		return db.ErrUnsupported
	}
	return e.withConfig(cfg, func(ptr uintptr) { e.lib.configUseCompression(ptr, flag(on)) })
}

func (e *Engine) ConfigSetFlushEvery(cfg db.ConfigRef, ms uint64) error {
	if e.lib.configFlushEveryMs == nil {
		return db.ErrUnsupported
	}
	return e.withConfig(cfg, func(ptr uintptr) { e.lib.configFlushEveryMs(ptr, ms) })
}

func (e *Engine) FreeConfig(cfg db.ConfigRef) error {
	r, ok := e.configs.Remove(uintptr(cfg))
	if !ok {
		return db.ErrUnknownDescriptor
	}
	return r.free(e.lib.freeConfig)
}

func (e *Engine) OpenTree(cfg db.ConfigRef) (db.TreeRef, error) {
	r, err := lookup(e.configs, uintptr(cfg))
	if err != nil {
		return 0, err
	}

	var tree uintptr
	err = r.use(func(ptr uintptr) error {
		tree = e.lib.openTree(ptr)
		if tree == 0 {
			if err := e.lib.takeError(); err != nil {
				return err
			}
			return ErrNullHandle
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return db.TreeRef(e.trees.Insert(&ref{ptr: tree})), nil
}

func (e *Engine) FreeTree(tree db.TreeRef) error {
	r, ok := e.trees.Remove(uintptr(tree))
	if !ok {
		return db.ErrUnknownDescriptor
	}
	return r.free(e.lib.freeTree)
}

func (e *Engine) withTree(tree db.TreeRef, fn func(ptr uintptr) error) error {
	r, err := lookup(e.trees, uintptr(tree))
	if err != nil {
		return err
	}
	return r.use(fn)
}

func (e *Engine) Flush(tree db.TreeRef) error {
	return e.withTree(tree, func(ptr uintptr) error {
		if e.lib.flush == nil {
			return nil
		}
		e.lib.flush(ptr)
		return e.lib.takeError()
	})
}

// result turns a (pointer, length) pair the library allocated into a buffer
// released with rsdb_free_buf. A null pointer is an absent value.
func (e *Engine) result(p, n uintptr) db.Buffer {
	if p == 0 {
		return db.AbsentBuffer()
	}
	return db.NewBuffer(borrow(p, n), func() error {
		e.lib.freeBuf(p, n)
		return nil
	})
}

// discard releases a buffer the caller will never see.
func (e *Engine) discard(p, n uintptr) {
	if p != 0 {
		e.lib.freeBuf(p, n)
	}
}

// entry is result for iterator output, where both sides are always present.
func (e *Engine) entry(p, n uintptr) db.Buffer {
	if p == 0 {
		return db.OwnedBuffer(nil)
	}
	return e.result(p, n)
}

func (e *Engine) Get(tree db.TreeRef, key []byte) (db.Buffer, error) {
	buf := db.AbsentBuffer()
	err := e.withTree(tree, func(ptr uintptr) error {
		var vlen uintptr
		p := e.lib.get(ptr, slicePtr(key), uintptr(len(key)), &vlen)
		runtime.KeepAlive(key)
		if err := e.lib.takeError(); err != nil {
			e.discard(p, vlen)
			return err
		}
		buf = e.result(p, vlen)
		return nil
	})
	return buf, err
}

func (e *Engine) Set(tree db.TreeRef, key, value []byte) error {
	return e.withTree(tree, func(ptr uintptr) error {
		e.lib.set(ptr, slicePtr(key), uintptr(len(key)), slicePtr(value), uintptr(len(value)))
		runtime.KeepAlive(key)
		runtime.KeepAlive(value)
		return e.lib.takeError()
	})
}

func (e *Engine) Delete(tree db.TreeRef, key []byte) error {
	return e.withTree(tree, func(ptr uintptr) error {
		e.lib.del(ptr, slicePtr(key), uintptr(len(key)))
		runtime.KeepAlive(key)
		return e.lib.takeError()
	})
}

func (e *Engine) CompareAndSwap(tree db.TreeRef, key []byte, expected, newValue db.Value) (bool, db.Buffer, error) {
	var (
		swapped bool
		actual  = db.AbsentBuffer()
	)
	err := e.withTree(tree, func(ptr uintptr) error {
		old, next := expected.Bytes(), newValue.Bytes()
		var p, n uintptr
		ok := e.lib.cas(ptr,
			slicePtr(key), uintptr(len(key)),
			valuePtr(old, expected.Present()), uintptr(len(old)),
			valuePtr(next, newValue.Present()), uintptr(len(next)),
			&p, &n)

		// Keep slices alive until after the FFI call completes
		runtime.KeepAlive(key)
		runtime.KeepAlive(old)
		runtime.KeepAlive(next)

		if err := e.lib.takeError(); err != nil {
			e.discard(p, n)
			return err
		}
		swapped = ok == 1
		if swapped {
			e.discard(p, n)
			return nil
		}
		actual = e.result(p, n)
		return nil
	})
	return swapped, actual, err
}

func (e *Engine) Scan(tree db.TreeRef, start []byte) (db.IterRef, error) {
	var it uintptr
	err := e.withTree(tree, func(ptr uintptr) error {
		it = e.lib.scan(ptr, slicePtr(start), uintptr(len(start)))
		runtime.KeepAlive(start)
		if it == 0 {
			if err := e.lib.takeError(); err != nil {
				return err
			}
			return ErrNullHandle
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return db.IterRef(e.iters.Insert(&ref{ptr: it})), nil
}

func (e *Engine) IterNext(it db.IterRef) (db.Buffer, db.Buffer, bool, error) {
	r, err := lookup(e.iters, uintptr(it))
	if err != nil {
		return db.AbsentBuffer(), db.AbsentBuffer(), false, err
	}

	key, val := db.AbsentBuffer(), db.AbsentBuffer()
	var more bool
	err = r.use(func(ptr uintptr) error {
		var kp, klen, vp, vlen uintptr
		more = e.lib.iterNext(ptr, &kp, &klen, &vp, &vlen) == 1
		if err := e.lib.takeError(); err != nil {
			more = false
			e.discard(kp, klen)
			e.discard(vp, vlen)
			return err
		}
		if more {
			key, val = e.entry(kp, klen), e.entry(vp, vlen)
		}
		return nil
	})
	return key, val, more, err
}

func (e *Engine) FreeIter(it db.IterRef) error {
	r, ok := e.iters.Remove(uintptr(it))
	if !ok {
		return db.ErrUnknownDescriptor
	}
	return r.free(e.lib.freeIter)
}
