package native

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/rsdb/internal/testutils"
	"github.com/eigerco/rsdb/internal/testutils/enginetest"
	"github.com/eigerco/rsdb/pkg/db"
)

// libraryEnv names a built rsdb shared library; the contract suite is skipped
// without it.
const libraryEnv = "RSDB_NATIVE_LIB"

func loadOrSkip(t *testing.T) *Engine {
	path := os.Getenv(libraryEnv)
	if path == "" {
		t.Skipf("%s not set", libraryEnv)
	}
	e, err := Load(path)
	require.NoError(t, err)
	return e
}

func TestEngineContract(t *testing.T) {
	e := loadOrSkip(t)
	setup := func(t *testing.T) (db.Engine, db.ConfigRef) {
		cfg := e.CreateConfig()
		require.NotZero(t, cfg)
		require.NoError(t, e.ConfigSetPath(cfg, []byte(testutils.TreePath(t))))
		return e, cfg
	}

	enginetest.Run(t, setup)
	t.Run("reopen", func(t *testing.T) {
		enginetest.RunReopen(t, setup)
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing_library", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "librsdb.so"))
		assert.Error(t, err)
	})

	t.Run("not_a_library", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "librsdb.so")
		require.NoError(t, os.WriteFile(path, []byte("not an ELF file"), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestPointerHelpers(t *testing.T) {
	tests := []struct {
		name    string
		value   []byte
		present bool
		null    bool
	}{
		{
			name:    "absent",
			value:   nil,
			present: false,
			null:    true,
		},
		{
			name:    "present_empty",
			value:   []byte{},
			present: true,
			null:    false,
		},
		{
			name:    "present_nil_slice",
			value:   nil,
			present: true,
			null:    false,
		},
		{
			name:    "bytes",
			value:   []byte("v"),
			present: true,
			null:    false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valuePtr(tc.value, tc.present)
			assert.Equal(t, tc.null, p == 0)
		})
	}
}

func TestCString(t *testing.T) {
	path := []byte("TREE\x00EEEEEEE")
	c := cString(path)
	require.Len(t, c, len(path)+1)
	assert.Equal(t, byte(0), c[len(c)-1])

	s := cString([]byte("TREEEEEEE"))
	assert.Equal(t, "TREEEEEEE", goString(uintptr(unsafe.Pointer(&s[0]))))
}

func TestBorrow(t *testing.T) {
	data := []byte("abc")
	got := borrow(uintptr(unsafe.Pointer(&data[0])), 2)
	assert.Equal(t, []byte("ab"), got)
	assert.Equal(t, []byte{}, borrow(0, 0))
}

func fakeSetup(f *fakeLibrary) enginetest.Setup {
	return func(t *testing.T) (db.Engine, db.ConfigRef) {
		e := newEngine(f.library())
		cfg := e.CreateConfig()
		require.NotZero(t, cfg)
		require.NoError(t, e.ConfigSetPath(cfg, []byte("TREEEEEEE")))
		return e, cfg
	}
}

func TestEngineContractFakeLibrary(t *testing.T) {
	setup := func(t *testing.T) (db.Engine, db.ConfigRef) {
		f := newFakeLibrary()
		t.Cleanup(func() {
			_, bad, live := f.counts()
			assert.Zero(t, bad, "buffers freed twice or never handed out")
			assert.Zero(t, live, "buffers never freed")
		})
		return fakeSetup(f)(t)
	}

	enginetest.Run(t, setup)
	t.Run("reopen", func(t *testing.T) {
		enginetest.RunReopen(t, setup)
	})
}

func openFake(t *testing.T) (*fakeLibrary, *Engine, db.TreeRef) {
	f := newFakeLibrary()
	e, cfg := fakeSetup(f)(t)
	tree, err := e.OpenTree(cfg)
	require.NoError(t, err)
	require.NoError(t, e.FreeConfig(cfg))
	t.Cleanup(func() {
		assert.NoError(t, e.FreeTree(tree))
	})
	return f, e.(*Engine), tree
}

func TestCASMarshalling(t *testing.T) {
	tests := []struct {
		name        string
		expected    db.Value
		newValue    db.Value
		oldIsNull   bool
		nextIsNull  bool
		wantSwapped bool
	}{
		{
			name:        "absent_expected",
			expected:    db.Absent,
			newValue:    db.Some([]byte("v")),
			oldIsNull:   true,
			nextIsNull:  false,
			wantSwapped: false,
		},
		{
			name:        "present_empty_expected",
			expected:    db.Some([]byte{}),
			newValue:    db.Some([]byte("v")),
			oldIsNull:   false,
			nextIsNull:  false,
			wantSwapped: true,
		},
		{
			name:        "absent_new_deletes",
			expected:    db.Some([]byte{}),
			newValue:    db.Absent,
			oldIsNull:   false,
			nextIsNull:  true,
			wantSwapped: true,
		},
		{
			name:        "present_empty_new",
			expected:    db.Some([]byte{}),
			newValue:    db.Some(nil),
			oldIsNull:   false,
			nextIsNull:  false,
			wantSwapped: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, e, tree := openFake(t)
			require.NoError(t, e.Set(tree, []byte("k"), []byte{}))

			swapped, actual, err := e.CompareAndSwap(tree, []byte("k"), tc.expected, tc.newValue)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSwapped, swapped)
			require.NoError(t, actual.Free())

			old, next := f.casPointers()
			assert.Equal(t, tc.oldIsNull, old == 0, "expected pointer")
			assert.Equal(t, tc.nextIsNull, next == 0, "new pointer")

			_, bad, live := f.counts()
			assert.Zero(t, bad)
			assert.Zero(t, live)
		})
	}
}

func TestLibraryBuffers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f *fakeLibrary, e *Engine, tree db.TreeRef)
	}{
		{
			name: "get_frees_once",
			fn: func(t *testing.T, f *fakeLibrary, e *Engine, tree db.TreeRef) {
				require.NoError(t, e.Set(tree, []byte("k"), []byte("v")))

				buf, err := e.Get(tree, []byte("k"))
				require.NoError(t, err)
				assert.Equal(t, []byte("v"), buf.Bytes())
				require.NoError(t, buf.Free())
				require.NoError(t, buf.Free())

				frees, bad, live := f.counts()
				assert.Equal(t, 1, frees)
				assert.Zero(t, bad)
				assert.Zero(t, live)
			},
		},
		{
			name: "get_absent_and_empty",
			fn: func(t *testing.T, f *fakeLibrary, e *Engine, tree db.TreeRef) {
				require.NoError(t, e.Set(tree, []byte("empty"), nil))

				buf, err := e.Get(tree, []byte("missing"))
				require.NoError(t, err)
				assert.False(t, buf.Present())

				buf, err = e.Get(tree, []byte("empty"))
				require.NoError(t, err)
				assert.True(t, buf.Present())
				assert.Empty(t, buf.Bytes())
				require.NoError(t, buf.Free())

				frees, _, live := f.counts()
				assert.Equal(t, 1, frees)
				assert.Zero(t, live)
			},
		},
		{
			name: "swapped_cas_frees_returned_buffer",
			fn: func(t *testing.T, f *fakeLibrary, e *Engine, tree db.TreeRef) {
				f.casActualOnSwap = true
				require.NoError(t, e.Set(tree, []byte("k"), []byte("old")))

				swapped, actual, err := e.CompareAndSwap(tree, []byte("k"), db.Some([]byte("old")), db.Some([]byte("new")))
				require.NoError(t, err)
				assert.True(t, swapped)
				assert.False(t, actual.Present())

				frees, bad, live := f.counts()
				assert.Equal(t, 1, frees)
				assert.Zero(t, bad)
				assert.Zero(t, live)
			},
		},
		{
			name: "failed_cas_returns_actual",
			fn: func(t *testing.T, f *fakeLibrary, e *Engine, tree db.TreeRef) {
				require.NoError(t, e.Set(tree, []byte("k"), []byte("other")))

				swapped, actual, err := e.CompareAndSwap(tree, []byte("k"), db.Some([]byte("old")), db.Some([]byte("new")))
				require.NoError(t, err)
				assert.False(t, swapped)
				assert.True(t, actual.Matches(db.Some([]byte("other"))))

				_, _, live := f.counts()
				assert.Equal(t, 1, live)
				require.NoError(t, actual.Free())
				frees, _, live := f.counts()
				assert.Equal(t, 1, frees)
				assert.Zero(t, live)
			},
		},
		{
			name: "iterator_entries",
			fn: func(t *testing.T, f *fakeLibrary, e *Engine, tree db.TreeRef) {
				require.NoError(t, e.Set(tree, []byte{}, []byte("root")))
				require.NoError(t, e.Set(tree, []byte("a"), []byte{}))

				it, err := e.Scan(tree, nil)
				require.NoError(t, err)
				defer e.FreeIter(it) //nolint:errcheck

				k, v, ok, err := e.IterNext(it)
				require.NoError(t, err)
				require.True(t, ok)
				assert.True(t, k.Matches(db.Some([]byte{})), "empty key is present")
				assert.True(t, v.Matches(db.Some([]byte("root"))))
				require.NoError(t, k.Free())
				require.NoError(t, v.Free())

				k, v, ok, err = e.IterNext(it)
				require.NoError(t, err)
				require.True(t, ok)
				assert.True(t, k.Matches(db.Some([]byte("a"))))
				assert.True(t, v.Matches(db.Some([]byte{})), "empty value is present")
				require.NoError(t, k.Free())
				require.NoError(t, v.Free())

				_, _, ok, err = e.IterNext(it)
				require.NoError(t, err)
				assert.False(t, ok)

				frees, bad, live := f.counts()
				assert.Equal(t, 2, frees)
				assert.Zero(t, bad)
				assert.Zero(t, live)
			},
		},
		{
			name: "errors_never_return_live_buffers",
			fn: func(t *testing.T, f *fakeLibrary, e *Engine, tree db.TreeRef) {
				require.NoError(t, e.Set(tree, []byte("k"), []byte("v")))
				it, err := e.Scan(tree, nil)
				require.NoError(t, err)
				defer e.FreeIter(it) //nolint:errcheck

				f.fail("io error")
				defer f.fail("")

				buf, err := e.Get(tree, []byte("k"))
				assert.EqualError(t, err, "io error")
				assert.False(t, buf.Present())

				_, actual, err := e.CompareAndSwap(tree, []byte("k"), db.Some([]byte("x")), db.Absent)
				assert.EqualError(t, err, "io error")
				assert.False(t, actual.Present())

				k, v, ok, err := e.IterNext(it)
				assert.EqualError(t, err, "io error")
				assert.False(t, ok)
				assert.False(t, k.Present())
				assert.False(t, v.Present())

				frees, bad, live := f.counts()
				assert.Equal(t, 4, frees, "get, cas actual, iterator key and value")
				assert.Zero(t, bad)
				assert.Zero(t, live)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, e, tree := openFake(t)
			tc.fn(t, f, e, tree)
		})
	}
}

func TestOptionalSymbols(t *testing.T) {
	f, e, tree := openFake(t)
	cfg := e.CreateConfig()
	defer e.FreeConfig(cfg) //nolint:errcheck

	assert.ErrorIs(t, e.ConfigSetTemporary(cfg, true), db.ErrUnsupported)
	assert.ErrorIs(t, e.ConfigSetReadOnly(cfg, true), db.ErrUnsupported)
	assert.ErrorIs(t, e.ConfigSetCacheCapacity(cfg, 1), db.ErrUnsupported)
	assert.ErrorIs(t, e.ConfigSetUseCompression(cfg, false), db.ErrUnsupported)
	assert.ErrorIs(t, e.ConfigSetFlushEvery(cfg, 1), db.ErrUnsupported)
	assert.NoError(t, e.Flush(tree))

	var flushed int
	e.lib.flush = func(uintptr) { flushed++ }
	assert.NoError(t, e.Flush(tree))
	assert.Equal(t, 1, flushed)

	e.lib.lastError = nil
	f.fail("ignored without rsdb_last_error")
	assert.NoError(t, e.Set(tree, []byte("k"), []byte("v")))
}
