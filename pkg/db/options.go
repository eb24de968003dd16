package db

import (
	"fmt"
	"time"
)

// Options is the engine-side record of a configuration descriptor. The Go
// engines keep one per ConfigRef.
type Options struct {
	Path           string
	Temporary      bool
	ReadOnly       bool
	CacheCapacity  uint64
	UseCompression bool
	FlushEvery     time.Duration
}

// DefaultOptions enables compression over a 1GB cache and syncs in the
// background every 500ms.
func DefaultOptions() Options {
	return Options{
		CacheCapacity:  1 << 30,
		UseCompression: true,
		FlushEvery:     500 * time.Millisecond,
	}
}

// Validate checks that the options describe something that can be opened.
func (o Options) Validate() error {
	if o.Path == "" && !o.Temporary {
		return ErrPathNotSet
	}
	if o.Temporary && o.ReadOnly {
		return fmt.Errorf("db: a temporary store cannot be read-only")
	}
	return nil
}

// Configs tracks Options by ConfigRef and implements the configuration half
// of Engine for engines written in Go.
type Configs struct {
	reg *Registry[*Options]
}

func NewConfigs() Configs {
	return Configs{reg: NewRegistry[*Options]()}
}

func (c Configs) CreateConfig() ConfigRef {
	o := DefaultOptions()
	return ConfigRef(c.reg.Insert(&o))
}

// Lookup returns a snapshot of the options behind cfg.
func (c Configs) Lookup(cfg ConfigRef) (Options, error) {
	var out Options
	err := c.update(cfg, func(o *Options) { out = *o })
	return out, err
}

func (c Configs) update(cfg ConfigRef, fn func(o *Options)) error {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()

	o, ok := c.reg.entries[uintptr(cfg)]
	if !ok {
		return ErrUnknownDescriptor
	}
	fn(o)
	return nil
}

func (c Configs) ConfigSetPath(cfg ConfigRef, path []byte) error {
	return c.update(cfg, func(o *Options) { o.Path = string(path) })
}

func (c Configs) ConfigSetTemporary(cfg ConfigRef, temporary bool) error {
	return c.update(cfg, func(o *Options) { o.Temporary = temporary })
}

func (c Configs) ConfigSetReadOnly(cfg ConfigRef, readOnly bool) error {
	return c.update(cfg, func(o *Options) { o.ReadOnly = readOnly })
}

func (c Configs) ConfigSetCacheCapacity(cfg ConfigRef, bytes uint64) error {
	return c.update(cfg, func(o *Options) { o.CacheCapacity = bytes })
}

func (c Configs) ConfigSetUseCompression(cfg ConfigRef, use bool) error {
	return c.update(cfg, func(o *Options) { o.UseCompression = use })
}

func (c Configs) ConfigSetFlushEvery(cfg ConfigRef, ms uint64) error {
	return c.update(cfg, func(o *Options) { o.FlushEvery = time.Duration(ms) * time.Millisecond })
}

func (c Configs) FreeConfig(cfg ConfigRef) error {
	if _, ok := c.reg.Remove(uintptr(cfg)); !ok {
		return ErrUnknownDescriptor
	}
	return nil
}
