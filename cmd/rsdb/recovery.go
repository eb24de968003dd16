package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eigerco/rsdb/pkg/log"
	"github.com/eigerco/rsdb/pkg/rsdb"
)

// The crash-recovery fixture: seed writes it and exits without flushing,
// check expects to find it after a restart.
const (
	fixtureDir = "TREEEEEEE"
	fixtureKey = "k1"
	fixtureVal = "v1"
)

func (a *app) fixturePath() {
	if a.cfg.Path == "" && !a.cfg.Temporary {
		a.cfg.Path = fixtureDir
	}
}

func (a *app) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Write the crash-recovery fixture and exit without flushing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.fixturePath()
			err := a.withTree(func(t *rsdb.Tree) error {
				return t.Set([]byte(fixtureKey), []byte(fixtureVal))
			})
			if err != nil {
				return err
			}
			log.CLI.Info().Str("path", a.cfg.Path).Msg("fixture written")
			return nil
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the crash-recovery fixture survived",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.fixturePath()
			return a.withTree(func(t *rsdb.Tree) error {
				val, ok, err := t.Get([]byte(fixtureKey))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is missing from %s", fixtureKey, a.cfg.Path)
				}
				if !bytes.Equal(val, []byte(fixtureVal)) {
					return fmt.Errorf("%s holds %q, expected %q", fixtureKey, val, fixtureVal)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %s=%s\n", fixtureKey, fixtureVal)
				return nil
			})
		},
	}
}
