package db

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry[string]()

	a := reg.Insert("a")
	b := reg.Insert("b")
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, reg.Len())

	v, ok := reg.Get(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = reg.Remove(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = reg.Remove(a)
	assert.False(t, ok, "second remove must not succeed")
	_, ok = reg.Get(a)
	assert.False(t, ok)

	c := reg.Insert("c")
	assert.NotEqual(t, a, c, "descriptors are never reused")
}

func TestRegistryConcurrentInsert(t *testing.T) {
	reg := NewRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := reg.Insert(i)
			_, ok := reg.Remove(d)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, reg.Len())
}

func TestConfigs(t *testing.T) {
	cfgs := NewConfigs()

	cfg := cfgs.CreateConfig()
	require.NotZero(t, cfg)

	opts, err := cfgs.Lookup(cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
	assert.ErrorIs(t, opts.Validate(), ErrPathNotSet)

	require.NoError(t, cfgs.ConfigSetPath(cfg, []byte("first")))
	require.NoError(t, cfgs.ConfigSetPath(cfg, []byte("TREEEEEEE")))
	require.NoError(t, cfgs.ConfigSetReadOnly(cfg, true))
	require.NoError(t, cfgs.ConfigSetCacheCapacity(cfg, 4096))
	require.NoError(t, cfgs.ConfigSetUseCompression(cfg, false))
	require.NoError(t, cfgs.ConfigSetFlushEvery(cfg, 0))

	opts, err = cfgs.Lookup(cfg)
	require.NoError(t, err)
	assert.Equal(t, "TREEEEEEE", opts.Path, "last write wins")
	assert.True(t, opts.ReadOnly)
	assert.Equal(t, uint64(4096), opts.CacheCapacity)
	assert.False(t, opts.UseCompression)
	assert.Equal(t, time.Duration(0), opts.FlushEvery)
	assert.NoError(t, opts.Validate())

	require.NoError(t, cfgs.ConfigSetTemporary(cfg, true))
	opts, err = cfgs.Lookup(cfg)
	require.NoError(t, err)
	assert.Error(t, opts.Validate(), "temporary and read-only conflict")

	require.NoError(t, cfgs.FreeConfig(cfg))
	assert.ErrorIs(t, cfgs.FreeConfig(cfg), ErrUnknownDescriptor)
	assert.ErrorIs(t, cfgs.ConfigSetPath(cfg, []byte("x")), ErrUnknownDescriptor)
}
