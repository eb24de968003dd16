package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/zeebo/xxh3"

	"github.com/eigerco/rsdb/pkg/rsdb"
)

var errLimit = errors.New("limit reached")

func (a *app) start(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return a.decode(args[0])
}

func (a *app) scanCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "scan [START]",
		Short: "List pairs with key at least START in ascending order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := a.start(args)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			tw := tablewriter.NewWriter(w)
			tw.SetAutoFormatHeaders(false)
			tw.SetHeader([]string{"key", "value"})

			err = a.withTree(func(t *rsdb.Tree) error {
				return t.ScanFunc(start, func(key, value []byte) error {
					if limit > 0 && tw.NumLines() >= limit {
						return errLimit
					}
					tw.Append([]string{a.format(key), a.format(value)})
					return nil
				})
			})
			if err != nil && !errors.Is(err, errLimit) {
				return err
			}
			tw.Render()
			fmt.Fprintf(w, "(%d pairs)\n", tw.NumLines())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after `n` pairs, 0 for no limit")
	return cmd
}

// digest is an order-sensitive xxh3 checksum of length-prefixed pairs.
type digest struct {
	h     *xxh3.Hasher
	pairs int
	buf   [8]byte
}

func newDigest() *digest {
	return &digest{h: xxh3.New()}
}

func (d *digest) add(key, value []byte) {
	for _, b := range [][]byte{key, value} {
		binary.BigEndian.PutUint64(d.buf[:], uint64(len(b)))
		d.h.Write(d.buf[:]) //nolint:errcheck
		d.h.Write(b)        //nolint:errcheck
	}
	d.pairs++
}

func (d *digest) String() string {
	return fmt.Sprintf("%016x (%d pairs)", d.h.Sum64(), d.pairs)
}

func (a *app) digestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest [START]",
		Short: "Print a checksum of every pair from START onwards",
		Long: "Print an xxh3 checksum over the scan of the tree. Two trees with the same\n" +
			"pairs have the same digest, which makes it easy to compare a tree before\n" +
			"and after a crash.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := a.start(args)
			if err != nil {
				return err
			}

			d := newDigest()
			err = a.withTree(func(t *rsdb.Tree) error {
				return t.ScanFunc(start, func(key, value []byte) error {
					d.add(key, value)
					return nil
				})
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}
}
