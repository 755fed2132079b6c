package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the tree's element count and block manager IO counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tr, err := openTree(cfg)
		if err != nil {
			return err
		}
		defer tr.Close()

		s := tr.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "size:        %s points\n", humanize.Comma(int64(s.Size)))
		fmt.Fprintf(out, "block reads: %s\n", humanize.Comma(int64(s.BlockReads)))
		fmt.Fprintf(out, "block writes:%s\n", humanize.Comma(int64(s.BlockWrite)))
		fmt.Fprintf(out, "dims:        %d\n", tr.Dims())
		fmt.Fprintf(out, "key width:   %d\n", tr.KeyWidth())
		return nil
	},
}
