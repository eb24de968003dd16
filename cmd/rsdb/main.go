package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/eigerco/rsdb/internal/config"
	"github.com/eigerco/rsdb/pkg/db/engines"
	"github.com/eigerco/rsdb/pkg/log"
	"github.com/eigerco/rsdb/pkg/rsdb"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	cfg        config.Config
	configFile string
	hex        bool
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Default()}

	root := &cobra.Command{
		Use:           "rsdb",
		Short:         "Inspect and modify an rsdb tree",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.prepare(cmd)
		},
	}

	fs := root.PersistentFlags()
	fs.StringVar(&a.configFile, "config", "", "HCL `file` to load settings from")
	fs.StringVar(&a.cfg.Engine, "engine", a.cfg.Engine, fmt.Sprintf("storage engine, one of %v", engines.Names()))
	fs.StringVar(&a.cfg.Path, "path", a.cfg.Path, "tree `directory`")
	fs.StringVar(&a.cfg.Library, "library", a.cfg.Library, "shared library for the native engine")
	fs.BoolVar(&a.cfg.Temporary, "temporary", a.cfg.Temporary, "use a store that is removed on exit")
	fs.BoolVar(&a.cfg.ReadOnly, "read-only", a.cfg.ReadOnly, "open the tree read-only")
	fs.Uint64Var(&a.cfg.CacheCapacity, "cache-capacity", a.cfg.CacheCapacity, "cache size in bytes")
	fs.BoolVar(&a.cfg.UseCompression, "compression", a.cfg.UseCompression, "compress stored blocks")
	fs.DurationVar(&a.cfg.FlushEvery, "flush-every", a.cfg.FlushEvery, "background sync interval, 0 syncs every write")
	fs.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level: trace, debug, info, warn or error")
	fs.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "log format: console or json")
	fs.BoolVar(&a.hex, "hex", false, "read keys and values as hex and print them as hex")

	root.AddCommand(
		a.getCmd(),
		a.setCmd(),
		a.delCmd(),
		a.casCmd(),
		a.scanCmd(),
		a.digestCmd(),
		a.seedCmd(),
		a.checkCmd(),
		versionCmd(),
	)
	return root
}

// prepare loads the config file and lets explicitly set flags override it.
func (a *app) prepare(cmd *cobra.Command) error {
	if a.configFile != "" {
		fileCfg, err := config.Load(a.configFile)
		if err != nil {
			return err
		}
		flagCfg := a.cfg
		a.cfg = fileCfg
		cmd.Flags().Visit(func(f *pflag.Flag) {
			a.override(f.Name, flagCfg)
		})
	}

	level, err := log.ParseLogLevel(a.cfg.LogLevel)
	if err != nil {
		return err
	}
	typ, err := log.ParseLoggerType(a.cfg.LogFormat)
	if err != nil {
		return err
	}
	log.Init(log.Options{LogLevel: level, Type: typ, Output: cmd.ErrOrStderr()})
	log.CLI.Debug().Str("engine", a.cfg.Engine).Str("path", a.cfg.Path).Msg("configured")
	return nil
}

func (a *app) override(flag string, from config.Config) {
	switch flag {
	case "engine":
		a.cfg.Engine = from.Engine
	case "path":
		a.cfg.Path = from.Path
	case "library":
		a.cfg.Library = from.Library
	case "temporary":
		a.cfg.Temporary = from.Temporary
	case "read-only":
		a.cfg.ReadOnly = from.ReadOnly
	case "cache-capacity":
		a.cfg.CacheCapacity = from.CacheCapacity
	case "compression":
		a.cfg.UseCompression = from.UseCompression
	case "flush-every":
		a.cfg.FlushEvery = from.FlushEvery
	case "log-level":
		a.cfg.LogLevel = from.LogLevel
	case "log-format":
		a.cfg.LogFormat = from.LogFormat
	}
}

// withTree opens the configured tree for the duration of fn.
func (a *app) withTree(fn func(t *rsdb.Tree) error) (err error) {
	engine, err := engines.New(a.cfg.Engine, a.cfg.Library)
	if err != nil {
		return err
	}
	if a.cfg.Path == "" && !a.cfg.Temporary {
		return fmt.Errorf("--path is required")
	}

	tree, err := rsdb.Open(engine, a.cfg.Path, a.cfg.Options()...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tree.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(tree)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rsdb:", err)
		os.Exit(1)
	}
}
