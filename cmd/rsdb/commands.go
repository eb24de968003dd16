package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/rsdb"
)

const absentText = "(absent)"

func (a *app) decode(arg string) ([]byte, error) {
	if !a.hex {
		return []byte(arg), nil
	}
	return hex.DecodeString(arg)
}

func (a *app) format(b []byte) string {
	if a.hex {
		return hex.EncodeToString(b)
	}
	return strconv.Quote(string(b))
}

func (a *app) formatValue(v db.Value) string {
	if !v.Present() {
		return absentText
	}
	return a.format(v.Bytes())
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.decode(args[0])
			if err != nil {
				return err
			}
			return a.withTree(func(t *rsdb.Tree) error {
				val, ok, err := t.Get(key)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), absentText)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), a.format(val))
				return nil
			})
		},
	}
}

func (a *app) setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store VALUE under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.decode(args[0])
			if err != nil {
				return err
			}
			val, err := a.decode(args[1])
			if err != nil {
				return err
			}
			return a.withTree(func(t *rsdb.Tree) error {
				return t.Set(key, val)
			})
		},
	}
}

func (a *app) delCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "del KEY",
		Aliases: []string{"delete"},
		Short:   "Remove KEY",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.decode(args[0])
			if err != nil {
				return err
			}
			return a.withTree(func(t *rsdb.Tree) error {
				return t.Delete(key)
			})
		},
	}
}

func (a *app) casCmd() *cobra.Command {
	var expected, next string

	cmd := &cobra.Command{
		Use:   "cas KEY [--old VALUE] [--new VALUE]",
		Short: "Compare and swap the value under KEY",
		Long: "Set KEY to --new if it currently holds --old. Without --old the key must be\n" +
			"absent; without --new the key is deleted on success.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.decode(args[0])
			if err != nil {
				return err
			}
			old, err := a.optional(cmd, "old", expected)
			if err != nil {
				return err
			}
			nv, err := a.optional(cmd, "new", next)
			if err != nil {
				return err
			}
			return a.withTree(func(t *rsdb.Tree) error {
				res, err := t.CompareAndSwap(key, old, nv)
				if err != nil {
					return err
				}
				printCAS(cmd.OutOrStdout(), a, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&expected, "old", "", "expected current value")
	cmd.Flags().StringVar(&next, "new", "", "value to store")
	return cmd
}

// optional is Absent unless the flag was given, even as an empty string.
func (a *app) optional(cmd *cobra.Command, flag, val string) (db.Value, error) {
	if !cmd.Flags().Changed(flag) {
		return db.Absent, nil
	}
	b, err := a.decode(val)
	if err != nil {
		return db.Absent, err
	}
	return db.Some(b), nil
}

func printCAS(w io.Writer, a *app, res rsdb.CASResult) {
	if res.Swapped {
		fmt.Fprintln(w, "swapped")
		return
	}
	fmt.Fprintf(w, "not swapped, actual %s\n", a.formatValue(res.Actual))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rsdb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
