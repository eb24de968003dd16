// Package config loads the rsdb CLI configuration from an HCL file.
//
//	engine         = "pebble"
//	path           = "/var/lib/rsdb/TREEEEEEE"
//	cache_capacity = 1073741824
//	flush_every_ms = 500
//	log_level      = "info"
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/rsdb"
)

type Config struct {
	Engine         string
	Path           string
	Library        string
	Temporary      bool
	ReadOnly       bool
	CacheCapacity  uint64
	UseCompression bool
	FlushEvery     time.Duration
	LogLevel       string
	LogFormat      string
}

func Default() Config {
	d := db.DefaultOptions()
	return Config{
		Engine:         "pebble",
		CacheCapacity:  d.CacheCapacity,
		UseCompression: d.UseCompression,
		FlushEvery:     d.FlushEvery,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := cfg.load(b); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) load(b []byte) error {
	var vars map[string]interface{}

	err := hcl.Decode(&vars, string(b))
	if err != nil {
		return err
	}
	for name, val := range vars {
		if err := c.set(name, val); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) set(name string, val interface{}) error {
	var err error
	switch name {
	case "engine":
		c.Engine, err = asString(val)
	case "path":
		c.Path, err = asString(val)
	case "library":
		c.Library, err = asString(val)
	case "temporary":
		c.Temporary, err = asBool(val)
	case "read_only":
		c.ReadOnly, err = asBool(val)
	case "use_compression":
		c.UseCompression, err = asBool(val)
	case "cache_capacity":
		c.CacheCapacity, err = asUint(val)
	case "flush_every_ms":
		var ms uint64
		ms, err = asUint(val)
		c.FlushEvery = time.Duration(ms) * time.Millisecond
	case "log_level":
		c.LogLevel, err = asString(val)
	case "log_format":
		c.LogFormat, err = asString(val)
	default:
		return fmt.Errorf("not a config variable")
	}
	return err
}

func asString(val interface{}) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %v", val)
	}
	return s, nil
}

func asBool(val interface{}) (bool, error) {
	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("expected a boolean, got %v", val)
	}
	return b, nil
}

func asUint(val interface{}) (uint64, error) {
	switch n := val.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("expected a non-negative number, got %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("expected a non-negative number, got %d", n)
		}
		return uint64(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %v", val)
}

// Options returns the tree options that differ from the engine defaults, so
// engines lacking a knob are only asked for it when it was configured.
func (c Config) Options() []rsdb.Option {
	d := db.DefaultOptions()

	var opts []rsdb.Option
	if c.Temporary {
		opts = append(opts, rsdb.WithTemporary())
	}
	if c.ReadOnly {
		opts = append(opts, rsdb.WithReadOnly())
	}
	if c.CacheCapacity != d.CacheCapacity {
		opts = append(opts, rsdb.WithCacheCapacity(c.CacheCapacity))
	}
	if c.UseCompression != d.UseCompression {
		opts = append(opts, rsdb.WithCompression(c.UseCompression))
	}
	if c.FlushEvery != d.FlushEvery {
		opts = append(opts, rsdb.WithFlushEvery(c.FlushEvery))
	}
	return opts
}
