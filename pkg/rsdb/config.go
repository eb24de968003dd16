package rsdb

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/log"
)

// Config owns one engine configuration. Closing it does not affect trees it
// already opened.
type Config struct {
	engine db.Engine
	h      *handle[db.ConfigRef]

	mu        sync.Mutex
	pathSet   bool
	temporary bool
}

func NewConfig(engine db.Engine) (*Config, error) {
	h, err := acquire("config", engine.CreateConfig(), engine.FreeConfig)
	if err != nil {
		return nil, ErrConfigCreationFailed
	}
	c := &Config{engine: engine, h: h}
	runtime.SetFinalizer(c, func(c *Config) { c.h.finalize(nil) })
	return c, nil
}

// SetPath sets the directory the tree is stored in. The last call wins.
func (c *Config) SetPath(path []byte) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrPathNotSet)
	}
	err := c.h.use(func(raw db.ConfigRef) error {
		return backend("set path", c.engine.ConfigSetPath(raw, path))
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pathSet = true
	c.mu.Unlock()
	return nil
}

// SetTemporary makes opened trees live only until they are closed. A
// temporary configuration needs no path.
func (c *Config) SetTemporary(temporary bool) error {
	err := c.h.use(func(raw db.ConfigRef) error {
		return backend("set temporary", c.engine.ConfigSetTemporary(raw, temporary))
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.temporary = temporary
	c.mu.Unlock()
	return nil
}

func (c *Config) SetReadOnly(readOnly bool) error {
	return c.h.use(func(raw db.ConfigRef) error {
		return backend("set read-only", c.engine.ConfigSetReadOnly(raw, readOnly))
	})
}

// SetCacheCapacity sets the block cache size in bytes.
func (c *Config) SetCacheCapacity(bytes uint64) error {
	return c.h.use(func(raw db.ConfigRef) error {
		return backend("set cache capacity", c.engine.ConfigSetCacheCapacity(raw, bytes))
	})
}

func (c *Config) SetUseCompression(use bool) error {
	return c.h.use(func(raw db.ConfigRef) error {
		return backend("set compression", c.engine.ConfigSetUseCompression(raw, use))
	})
}

// SetFlushEvery sets how often buffered writes are synced. Zero syncs every
// write; a negative interval is rejected.
func (c *Config) SetFlushEvery(every time.Duration) error {
	if every < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeInterval, every)
	}
	return c.h.use(func(raw db.ConfigRef) error {
		return backend("set flush interval", c.engine.ConfigSetFlushEvery(raw, uint64(every.Milliseconds())))
	})
}

// OpenTree opens or creates the store at the configured path. It may block
// on disk I/O and recovery.
func (c *Config) OpenTree() (*Tree, error) {
	c.mu.Lock()
	ready := c.pathSet || c.temporary
	c.mu.Unlock()

	var t *Tree
	err := c.h.use(func(raw db.ConfigRef) error {
		if !ready {
			return ErrPathNotSet
		}
		ref, err := c.engine.OpenTree(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenFailed, backend("open tree", err))
		}
		h, err := acquire("tree", ref, c.engine.FreeTree)
		if err != nil {
			return ErrOpenFailed
		}
		t = newTree(c.engine, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Binding.Debug().Str("engine", c.engine.Name()).Msg("tree opened")
	return t, nil
}

// WithTree opens a tree, passes it to fn and closes it on every exit path.
func (c *Config) WithTree(fn func(t *Tree) error) (err error) {
	t, err := c.OpenTree()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(t)
}

// Close releases the configuration. Calling it again does nothing.
func (c *Config) Close() error {
	return closeHandle(c.h, "free config", nil)
}

// Option adjusts a configuration built by Open.
type Option func(c *Config) error

func WithTemporary() Option {
	return func(c *Config) error { return c.SetTemporary(true) }
}

func WithReadOnly() Option {
	return func(c *Config) error { return c.SetReadOnly(true) }
}

func WithCacheCapacity(bytes uint64) Option {
	return func(c *Config) error { return c.SetCacheCapacity(bytes) }
}

func WithCompression(use bool) Option {
	return func(c *Config) error { return c.SetUseCompression(use) }
}

func WithFlushEvery(every time.Duration) Option {
	return func(c *Config) error { return c.SetFlushEvery(every) }
}

// Open builds a configuration for path, opens a tree with it and releases
// the configuration. An empty path is only valid together with
// WithTemporary.
func Open(engine db.Engine, path string, opts ...Option) (t *Tree, err error) {
	c, err := NewConfig(engine)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			t.Close() //nolint:errcheck
			t, err = nil, cerr
		}
	}()

	if path != "" {
		if err := c.SetPath([]byte(path)); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c.OpenTree()
}
