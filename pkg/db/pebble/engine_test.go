package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/rsdb/internal/testutils"
	"github.com/eigerco/rsdb/internal/testutils/enginetest"
	"github.com/eigerco/rsdb/pkg/db"
)

func setupAt(path string, flushEveryMs uint64) enginetest.Setup {
	return func(t *testing.T) (db.Engine, db.ConfigRef) {
		e := NewEngine()
		cfg := e.CreateConfig()
		require.NotZero(t, cfg)
		require.NoError(t, e.ConfigSetPath(cfg, []byte(path)))
		require.NoError(t, e.ConfigSetFlushEvery(cfg, flushEveryMs))
		return e, cfg
	}
}

func setupFresh(flushEveryMs uint64) enginetest.Setup {
	return func(t *testing.T) (db.Engine, db.ConfigRef) {
		return setupAt(testutils.TreePath(t), flushEveryMs)(t)
	}
}

func TestEngineContract(t *testing.T) {
	t.Run("synced_writes", func(t *testing.T) {
		enginetest.Run(t, setupFresh(0))
	})
	t.Run("background_sync", func(t *testing.T) {
		enginetest.Run(t, setupFresh(5))
	})
}

func TestEngineReopen(t *testing.T) {
	enginetest.RunReopen(t, setupFresh(0))
}

func TestEngine(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e *Engine)
	}{
		{
			name: "temporary_store",
			fn:   testTemporaryStore,
		},
		{
			name: "path_required",
			fn:   testPathRequired,
		},
		{
			name: "read_only_store",
			fn:   testReadOnlyStore,
		},
		{
			name: "free_tree_closes_iterators",
			fn:   testFreeTreeClosesIterators,
		},
		{
			name: "flush",
			fn:   testFlush,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, NewEngine())
		})
	}
}

func testTemporaryStore(t *testing.T, e *Engine) {
	cfg := e.CreateConfig()
	defer e.FreeConfig(cfg) //nolint:errcheck
	require.NoError(t, e.ConfigSetTemporary(cfg, true))

	tree, err := e.OpenTree(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set(tree, []byte("k"), []byte("v")))
	require.NoError(t, e.FreeTree(tree))

	// Temporary stores do not outlive their tree.
	tree, err = e.OpenTree(cfg)
	require.NoError(t, err)
	defer e.FreeTree(tree) //nolint:errcheck

	buf, err := e.Get(tree, []byte("k"))
	require.NoError(t, err)
	assert.False(t, buf.Present())
}

func testPathRequired(t *testing.T, e *Engine) {
	cfg := e.CreateConfig()
	defer e.FreeConfig(cfg) //nolint:errcheck

	tree, err := e.OpenTree(cfg)
	assert.Zero(t, tree)
	assert.ErrorIs(t, err, db.ErrPathNotSet)
}

func testReadOnlyStore(t *testing.T, e *Engine) {
	path := testutils.TreePath(t)

	rw := e.CreateConfig()
	defer e.FreeConfig(rw) //nolint:errcheck
	require.NoError(t, e.ConfigSetPath(rw, []byte(path)))
	tree, err := e.OpenTree(rw)
	require.NoError(t, err)
	require.NoError(t, e.Set(tree, []byte("k1"), []byte("v1")))

	ro := e.CreateConfig()
	defer e.FreeConfig(ro) //nolint:errcheck
	require.NoError(t, e.ConfigSetPath(ro, []byte(path)))
	require.NoError(t, e.ConfigSetReadOnly(ro, true))

	_, err = e.OpenTree(ro)
	assert.ErrorIs(t, err, db.ErrModeConflict)
	require.NoError(t, e.FreeTree(tree))

	tree, err = e.OpenTree(ro)
	require.NoError(t, err)
	defer e.FreeTree(tree) //nolint:errcheck

	buf, err := e.Get(tree, []byte("k1"))
	require.NoError(t, err)
	v, err := buf.CopyAndFree()
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v.Bytes())

	assert.Error(t, e.Set(tree, []byte("k2"), []byte("v2")), "writes to a read-only store must surface")
}

func testFreeTreeClosesIterators(t *testing.T, e *Engine) {
	cfg := e.CreateConfig()
	defer e.FreeConfig(cfg) //nolint:errcheck
	require.NoError(t, e.ConfigSetPath(cfg, []byte(testutils.TreePath(t))))

	tree, err := e.OpenTree(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set(tree, []byte("a"), []byte("1")))

	it, err := e.Scan(tree, nil)
	require.NoError(t, err)
	require.NoError(t, e.FreeTree(tree))

	_, _, ok, err := e.IterNext(it)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, e.FreeIter(it))
}

func testFlush(t *testing.T, e *Engine) {
	cfg := e.CreateConfig()
	defer e.FreeConfig(cfg) //nolint:errcheck
	require.NoError(t, e.ConfigSetPath(cfg, []byte(testutils.TreePath(t))))
	require.NoError(t, e.ConfigSetFlushEvery(cfg, 1000))

	tree, err := e.OpenTree(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set(tree, []byte("a"), []byte("1")))
	assert.NoError(t, e.Flush(tree))
	require.NoError(t, e.FreeTree(tree))

	assert.ErrorIs(t, e.Flush(tree), db.ErrUnknownDescriptor)
}
