package native

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

// DefaultLibrary is the file name dlopen searches for when no path is given.
const DefaultLibrary = "librsdb.so"

var ErrMissingSymbol = errors.New("native: required symbol missing")

// library holds the C entry points of an rsdb shared object.
// Note: all pointer parameters use uintptr because purego on ARM64 doesn't
// support slices.
type library struct {
	handle uintptr

	createConfig  func() uintptr
	configSetPath func(cfg uintptr, path uintptr)
	freeConfig    func(cfg uintptr)
	openTree      func(cfg uintptr) uintptr
	freeTree      func(tree uintptr)
	get           func(tree, key, klen uintptr, vlen *uintptr) uintptr
	set           func(tree, key, klen, val, vlen uintptr)
	del           func(tree, key, klen uintptr)
	cas           func(tree, key, klen, old, oldlen, next, nextlen uintptr, actual, actualLen *uintptr) uint8
	scan          func(tree, key, klen uintptr) uintptr
	iterNext      func(it uintptr, k, klen, v, vlen *uintptr) uint8
	freeIter      func(it uintptr)
	freeBuf       func(buf, n uintptr)

	// Optional; nil when the library does not export them.
	configSetTemporary     func(cfg uintptr, on uint8)
	configSetReadOnly      func(cfg uintptr, on uint8)
	configSetCacheCapacity func(cfg uintptr, bytes uint64)
	configUseCompression   func(cfg uintptr, on uint8)
	configFlushEveryMs     func(cfg uintptr, ms uint64)
	flush                  func(tree uintptr)
	lastError              func() uintptr
}

type symbol struct {
	name     string
	fptr     any
	required bool
}

func loadLibrary(path string) (*library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("native: dlopen %s: %w", path, err)
	}

	lib := &library{handle: handle}
	symbols := []symbol{
		{"rsdb_create_config", &lib.createConfig, true},
		{"rsdb_config_set_path", &lib.configSetPath, true},
		{"rsdb_free_config", &lib.freeConfig, true},
		{"rsdb_open_tree", &lib.openTree, true},
		{"rsdb_free_tree", &lib.freeTree, true},
		{"rsdb_get", &lib.get, true},
		{"rsdb_set", &lib.set, true},
		{"rsdb_del", &lib.del, true},
		{"rsdb_cas", &lib.cas, true},
		{"rsdb_scan", &lib.scan, true},
		{"rsdb_iter_next", &lib.iterNext, true},
		{"rsdb_free_iter", &lib.freeIter, true},
		{"rsdb_free_buf", &lib.freeBuf, true},
		{"rsdb_config_set_temporary", &lib.configSetTemporary, false},
		{"rsdb_config_set_read_only", &lib.configSetReadOnly, false},
		{"rsdb_config_set_cache_capacity", &lib.configSetCacheCapacity, false},
		{"rsdb_config_use_compression", &lib.configUseCompression, false},
		{"rsdb_config_flush_every_ms", &lib.configFlushEveryMs, false},
		{"rsdb_flush", &lib.flush, false},
		{"rsdb_last_error", &lib.lastError, false},
	}
	for _, s := range symbols {
		// RegisterLibFunc panics on a missing symbol, so look it up first.
		sym, err := purego.Dlsym(handle, s.name)
		if err != nil {
			if s.required {
				purego.Dlclose(handle) //nolint:errcheck
				return nil, fmt.Errorf("%w: %s", ErrMissingSymbol, s.name)
			}
			continue
		}
		purego.RegisterFunc(s.fptr, sym)
	}
	return lib, nil
}

// takeError returns the library's pending error, if it reports one.
func (l *library) takeError() error {
	if l.lastError == nil {
		return nil
	}
	p := l.lastError()
	if p == 0 {
		return nil
	}
	return errors.New(goString(p))
}

func goString(p uintptr) string {
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 { //nolint:govet
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n)) //nolint:govet
}

// slicePtr returns a pointer to the first element of a byte slice.
// For empty slices, returns a dummy non-null pointer: the library reads a
// null pointer as an absent value.
func slicePtr(s []byte) uintptr {
	if len(s) == 0 {
		return uintptr(unsafe.Pointer(&struct{}{}))
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

// valuePtr maps an absent value to NULL.
func valuePtr(s []byte, present bool) uintptr {
	if !present {
		return 0
	}
	return slicePtr(s)
}

// cString returns a NUL-terminated copy of s.
func cString(s []byte) []byte {
	out := make([]byte, len(s)+1)
	copy(out, s)
	return out
}

// borrow views n library-owned bytes at p.
func borrow(p, n uintptr) []byte {
	if n == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n) //nolint:govet
}
