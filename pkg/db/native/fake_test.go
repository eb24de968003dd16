package native

import (
	"bytes"
	"sort"
	"sync"
	"unsafe"
)

// fakeLibrary is an in-process stand-in for librsdb.so. It hands out Go
// memory as library buffers and tracks which of them are still live.
type fakeLibrary struct {
	mu sync.Mutex

	data  map[string][]byte
	live  map[uintptr][]byte
	iters map[uintptr]*fakeIter
	next  uintptr

	frees    int
	badFrees int

	// failWith, when set, is reported by rsdb_last_error after every call.
	// The calls still return their buffers.
	failWith []byte

	// casActualOnSwap makes a successful cas also return the old value.
	casActualOnSwap bool

	// Pointers seen by the last cas.
	casOld, casNew uintptr
}

type fakeIter struct {
	keys []string
	pos  int
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		data:  make(map[string][]byte),
		live:  make(map[uintptr][]byte),
		iters: make(map[uintptr]*fakeIter),
		next:  0x1000,
	}
}

func (f *fakeLibrary) fail(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg == "" {
		f.failWith = nil
		return
	}
	f.failWith = cString([]byte(msg))
}

// counts returns the frees seen, double or unknown frees and buffers never
// freed.
func (f *fakeLibrary) counts() (frees, badFrees, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.frees, f.badFrees, len(f.live)
}

func (f *fakeLibrary) casPointers() (old, next uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.casOld, f.casNew
}

// handle requires f.mu.
func (f *fakeLibrary) handle() uintptr {
	f.next += 8
	return f.next
}

// alloc copies b into a buffer the engine must give back through freeBuf.
// Empty values still get a non-null pointer.
func (f *fakeLibrary) alloc(b []byte) (uintptr, uintptr) {
	buf := make([]byte, len(b)+1)
	copy(buf, b)
	p := uintptr(unsafe.Pointer(&buf[0]))
	f.live[p] = buf
	return p, uintptr(len(b))
}

// allocEntry follows the iterator convention: an empty side is NULL.
func (f *fakeLibrary) allocEntry(b []byte) (uintptr, uintptr) {
	if len(b) == 0 {
		return 0, 0
	}
	return f.alloc(b)
}

func (f *fakeLibrary) library() *library {
	return &library{
		createConfig: func() uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.handle()
		},
		configSetPath: func(cfg, path uintptr) {},
		freeConfig:    func(cfg uintptr) {},
		openTree: func(cfg uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.handle()
		},
		freeTree: func(tree uintptr) {},
		get: func(tree, key, klen uintptr, vlen *uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()

			v, ok := f.data[string(borrow(key, klen))]
			if !ok {
				return 0
			}
			p, n := f.alloc(v)
			*vlen = n
			return p
		},
		set: func(tree, key, klen, val, vlen uintptr) {
			f.mu.Lock()
			defer f.mu.Unlock()

			f.data[string(borrow(key, klen))] = bytes.Clone(borrow(val, vlen))
		},
		del: func(tree, key, klen uintptr) {
			f.mu.Lock()
			defer f.mu.Unlock()

			delete(f.data, string(borrow(key, klen)))
		},
		cas: func(tree, key, klen, old, oldlen, next, nextlen uintptr, actual, actualLen *uintptr) uint8 {
			f.mu.Lock()
			defer f.mu.Unlock()

			f.casOld, f.casNew = old, next
			k := string(borrow(key, klen))
			cur, exists := f.data[k]

			match := old == 0 && !exists ||
				old != 0 && exists && bytes.Equal(cur, borrow(old, oldlen))
			if exists && (!match || f.casActualOnSwap) {
				*actual, *actualLen = f.alloc(cur)
			}
			if !match {
				return 0
			}
			if next == 0 {
				delete(f.data, k)
			} else {
				f.data[k] = bytes.Clone(borrow(next, nextlen))
			}
			return 1
		},
		scan: func(tree, key, klen uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()

			start := string(borrow(key, klen))
			it := &fakeIter{}
			for k := range f.data {
				if k >= start {
					it.keys = append(it.keys, k)
				}
			}
			sort.Strings(it.keys)
			h := f.handle()
			f.iters[h] = it
			return h
		},
		iterNext: func(h uintptr, k, klen, v, vlen *uintptr) uint8 {
			f.mu.Lock()
			defer f.mu.Unlock()

			it := f.iters[h]
			if it.pos >= len(it.keys) {
				return 0
			}
			key := it.keys[it.pos]
			it.pos++
			*k, *klen = f.allocEntry([]byte(key))
			*v, *vlen = f.allocEntry(f.data[key])
			return 1
		},
		freeIter: func(h uintptr) {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.iters, h)
		},
		freeBuf: func(buf, n uintptr) {
			f.mu.Lock()
			defer f.mu.Unlock()

			if _, ok := f.live[buf]; !ok {
				f.badFrees++
				return
			}
			delete(f.live, buf)
			f.frees++
		},
		lastError: func() uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()

			if f.failWith == nil {
				return 0
			}
			return uintptr(unsafe.Pointer(&f.failWith[0]))
		},
	}
}
