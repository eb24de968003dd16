// Package enginetest holds the boundary contract every db.Engine must honour.
package enginetest

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/rsdb/internal/testutils"
	"github.com/eigerco/rsdb/pkg/db"
)

// Setup returns an engine and a configuration descriptor that OpenTree can
// use. The suite frees the configuration.
type Setup func(t *testing.T) (db.Engine, db.ConfigRef)

func Run(t *testing.T, setup Setup) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e db.Engine, tree db.TreeRef)
	}{
		{
			name: "set_get_roundtrip",
			fn:   testRoundtrip,
		},
		{
			name: "absent_versus_empty",
			fn:   testAbsentVersusEmpty,
		},
		{
			name: "delete_operations",
			fn:   testDelete,
		},
		{
			name: "cas_expected_value",
			fn:   testCASExpectedValue,
		},
		{
			name: "cas_absent_expected",
			fn:   testCASAbsentExpected,
		},
		{
			name: "cas_absent_new_deletes",
			fn:   testCASDelete,
		},
		{
			name: "cas_contention",
			fn:   testCASContention,
		},
		{
			name: "scan_order",
			fn:   testScanOrder,
		},
		{
			name: "scan_exhaustion_is_terminal",
			fn:   testScanExhaustion,
		},
		{
			name: "unknown_descriptors",
			fn:   testUnknownDescriptors,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, cfg := setup(t)
			tree, err := e.OpenTree(cfg)
			require.NoError(t, err)
			require.NotZero(t, tree)
			require.NoError(t, e.FreeConfig(cfg))
			defer func() {
				assert.NoError(t, e.FreeTree(tree))
			}()

			tc.fn(t, e, tree)
		})
	}

	t.Run("trees_share_a_path", func(t *testing.T) {
		e, cfg := setup(t)
		defer e.FreeConfig(cfg) //nolint:errcheck

		testSharedTrees(t, e, cfg)
	})
}

// RunReopen checks that a value written through one tree is visible through a
// tree opened later on the same configuration, after the first was freed.
func RunReopen(t *testing.T, setup Setup) {
	e, cfg := setup(t)
	defer e.FreeConfig(cfg) //nolint:errcheck

	tree, err := e.OpenTree(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set(tree, []byte("k1"), []byte("v1")))
	require.NoError(t, e.Set(tree, []byte("empty"), []byte{}))
	require.NoError(t, e.FreeTree(tree))

	tree, err = e.OpenTree(cfg)
	require.NoError(t, err)
	defer e.FreeTree(tree) //nolint:errcheck

	assertValue(t, e, tree, []byte("k1"), db.Some([]byte("v1")))
	assertValue(t, e, tree, []byte("empty"), db.Some([]byte{}))
	assertValue(t, e, tree, []byte("k2"), db.Absent)
}

func get(t *testing.T, e db.Engine, tree db.TreeRef, key []byte) db.Value {
	buf, err := e.Get(tree, key)
	require.NoError(t, err)
	v, err := buf.CopyAndFree()
	require.NoError(t, err)
	return v
}

func assertValue(t *testing.T, e db.Engine, tree db.TreeRef, key []byte, want db.Value) {
	t.Helper()
	got := get(t, e, tree, key)
	assert.True(t, want.Equal(got), "key %q: want %s, got %s", key, want, got)
}

func testRoundtrip(t *testing.T, e db.Engine, tree db.TreeRef) {
	for _, kv := range testutils.Awkward {
		require.NoError(t, e.Set(tree, kv.Key, kv.Value), kv.Name)
	}
	for _, kv := range testutils.Awkward {
		assertValue(t, e, tree, kv.Key, db.Some(kv.Value))
	}

	// Overwrite
	require.NoError(t, e.Set(tree, []byte("k1"), []byte("v2")))
	assertValue(t, e, tree, []byte("k1"), db.Some([]byte("v2")))

	// Large values cross the boundary intact.
	big := testutils.RandomBytes(t, 1<<16)
	require.NoError(t, e.Set(tree, []byte("big"), big))
	assertValue(t, e, tree, []byte("big"), db.Some(big))
}

func testAbsentVersusEmpty(t *testing.T, e db.Engine, tree db.TreeRef) {
	buf, err := e.Get(tree, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, buf.Present())
	require.NoError(t, buf.Free())

	require.NoError(t, e.Set(tree, []byte("empty"), nil))
	buf, err = e.Get(tree, []byte("empty"))
	require.NoError(t, err)
	assert.True(t, buf.Present())
	assert.Empty(t, buf.Bytes())
	require.NoError(t, buf.Free())
}

func testDelete(t *testing.T, e db.Engine, tree db.TreeRef) {
	for _, kv := range testutils.Awkward {
		require.NoError(t, e.Set(tree, kv.Key, kv.Value))
		require.NoError(t, e.Delete(tree, kv.Key))
		assertValue(t, e, tree, kv.Key, db.Absent)
	}

	// Delete non-existent key should not error
	assert.NoError(t, e.Delete(tree, []byte("non-existent")))
}

func testCASExpectedValue(t *testing.T, e db.Engine, tree db.TreeRef) {
	key := []byte("x")
	require.NoError(t, e.Set(tree, key, []byte("other")))

	swapped, actual, err := e.CompareAndSwap(tree, key, db.Some([]byte("old")), db.Some([]byte("new")))
	require.NoError(t, err)
	assert.False(t, swapped)
	got, err := actual.CopyAndFree()
	require.NoError(t, err)
	assert.True(t, db.Some([]byte("other")).Equal(got), "actual: %s", got)
	assertValue(t, e, tree, key, db.Some([]byte("other")))

	swapped, actual, err = e.CompareAndSwap(tree, key, db.Some([]byte("other")), db.Some([]byte("new")))
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.False(t, actual.Present(), "no payload on success")
	assertValue(t, e, tree, key, db.Some([]byte("new")))

	// A present-empty expected value does not match an absent key.
	swapped, actual, err = e.CompareAndSwap(tree, []byte("missing"), db.Some(nil), db.Some([]byte("v")))
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.False(t, actual.Present())
	assertValue(t, e, tree, []byte("missing"), db.Absent)

	// And an absent expected does not match a present-empty value.
	require.NoError(t, e.Set(tree, []byte("empty"), nil))
	swapped, actual, err = e.CompareAndSwap(tree, []byte("empty"), db.Absent, db.Some([]byte("v")))
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.True(t, actual.Present())
	assert.Empty(t, actual.Bytes())
	require.NoError(t, actual.Free())
}

func testCASAbsentExpected(t *testing.T, e db.Engine, tree db.TreeRef) {
	key := []byte("fresh")

	swapped, actual, err := e.CompareAndSwap(tree, key, db.Absent, db.Some([]byte("v")))
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.False(t, actual.Present())

	swapped, actual, err = e.CompareAndSwap(tree, key, db.Absent, db.Some([]byte("w")))
	require.NoError(t, err)
	assert.False(t, swapped)
	got, err := actual.CopyAndFree()
	require.NoError(t, err)
	assert.True(t, db.Some([]byte("v")).Equal(got))
	assertValue(t, e, tree, key, db.Some([]byte("v")))
}

func testCASDelete(t *testing.T, e db.Engine, tree db.TreeRef) {
	key := []byte("doomed")
	require.NoError(t, e.Set(tree, key, []byte("v")))

	swapped, _, err := e.CompareAndSwap(tree, key, db.Some([]byte("v")), db.Absent)
	require.NoError(t, err)
	assert.True(t, swapped)
	assertValue(t, e, tree, key, db.Absent)

	// Absent to absent succeeds and leaves the key missing.
	swapped, _, err = e.CompareAndSwap(tree, key, db.Absent, db.Absent)
	require.NoError(t, err)
	assert.True(t, swapped)
	assertValue(t, e, tree, key, db.Absent)
}

func testCASContention(t *testing.T, e db.Engine, tree db.TreeRef) {
	key := []byte("contended")
	v0 := []byte("v0")
	require.NoError(t, e.Set(tree, key, v0))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int
		actuals = make(map[int]db.Value)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			swapped, actual, err := e.CompareAndSwap(tree, key, db.Some(v0), db.Some([]byte(fmt.Sprintf("v%d", i+1))))
			assert.NoError(t, err)
			got, err := actual.CopyAndFree()
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			if swapped {
				winners = append(winners, i)
			} else {
				actuals[i] = got
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one CAS must win")
	winning := db.Some([]byte(fmt.Sprintf("v%d", winners[0]+1)))
	for i, got := range actuals {
		assert.True(t, winning.Equal(got), "worker %d saw %s, winner wrote %s", i, got, winning)
	}
	assertValue(t, e, tree, key, winning)
}

type pair struct {
	key, value []byte
}

func drain(t *testing.T, e db.Engine, tree db.TreeRef, start []byte) []pair {
	it, err := e.Scan(tree, start)
	require.NoError(t, err)
	require.NotZero(t, it)
	defer func() {
		assert.NoError(t, e.FreeIter(it))
	}()

	var out []pair
	for {
		k, v, ok, err := e.IterNext(it)
		require.NoError(t, err)
		if !ok {
			return out
		}
		key, err := k.CopyAndFree()
		require.NoError(t, err)
		val, err := v.CopyAndFree()
		require.NoError(t, err)
		out = append(out, pair{key: key.Bytes(), value: val.Bytes()})
	}
}

func testScanOrder(t *testing.T, e db.Engine, tree db.TreeRef) {
	keys := []string{"d", "a", "c\x00", "b", "c", "e", "ca"}
	for _, k := range keys {
		require.NoError(t, e.Set(tree, []byte(k), []byte("value-"+k)))
	}

	all := drain(t, e, tree, nil)
	require.Len(t, all, len(keys))
	for i := 1; i < len(all); i++ {
		assert.Equal(t, -1, bytes.Compare(all[i-1].key, all[i].key), "keys must strictly ascend")
	}
	for _, p := range all {
		assert.Equal(t, "value-"+string(p.key), string(p.value))
	}

	from := drain(t, e, tree, []byte("c"))
	var got []string
	for _, p := range from {
		got = append(got, string(p.key))
	}
	assert.Equal(t, []string{"c", "c\x00", "ca", "d", "e"}, got)

	// A start key between existing keys.
	from = drain(t, e, tree, []byte("cb"))
	require.NotEmpty(t, from)
	assert.Equal(t, "d", string(from[0].key))

	assert.Empty(t, drain(t, e, tree, []byte("f")))
}

func testScanExhaustion(t *testing.T, e db.Engine, tree db.TreeRef) {
	require.NoError(t, e.Set(tree, []byte("only"), []byte("one")))

	it, err := e.Scan(tree, nil)
	require.NoError(t, err)
	defer e.FreeIter(it) //nolint:errcheck

	_, _, ok, err := e.IterNext(it)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok, err = e.IterNext(it)
	require.NoError(t, err)
	require.False(t, ok)

	// A key written after exhaustion is never produced by the same iterator.
	require.NoError(t, e.Set(tree, []byte("zzz"), []byte("late")))
	_, _, ok, err = e.IterNext(it)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testUnknownDescriptors(t *testing.T, e db.Engine, tree db.TreeRef) {
	it, err := e.Scan(tree, nil)
	require.NoError(t, err)
	require.NoError(t, e.FreeIter(it))
	assert.Error(t, e.FreeIter(it), "double free must be detected, not performed")

	_, _, _, err = e.IterNext(it)
	assert.Error(t, err)
}

func testSharedTrees(t *testing.T, e db.Engine, cfg db.ConfigRef) {
	first, err := e.OpenTree(cfg)
	require.NoError(t, err)
	second, err := e.OpenTree(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "trees are independent descriptors")

	require.NoError(t, e.Set(first, []byte("shared"), []byte("yes")))
	assertValue(t, e, second, []byte("shared"), db.Some([]byte("yes")))

	require.NoError(t, e.FreeTree(first))
	assert.Error(t, e.FreeTree(first))

	// The second tree keeps working after the first is gone.
	assertValue(t, e, second, []byte("shared"), db.Some([]byte("yes")))
	require.NoError(t, e.FreeTree(second))
}
