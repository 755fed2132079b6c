package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagID string

func init() {
	for _, c := range []*cobra.Command{insertCmd, eraseCmd, findCmd} {
		c.Flags().StringVar(&flagID, "id", "", "hex-encoded 12-byte point ID (insert generates one when omitted)")
	}
}

var insertCmd = &cobra.Command{
	Use:   "insert COORD...",
	Short: "Insert a single point",
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

		p, err := parsePoint(args, tr.Dims(), flagID)
		if err != nil {
			return err
		}
		if err := tr.Insert(p); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "inserted %x\n", p.ID)
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase COORD...",
	Short: "Erase a single point",
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

		p, err := parsePoint(args, tr.Dims(), flagID)
		if err != nil {
			return err
		}
		erased, err := tr.Erase(p)
		if err != nil {
			return fmt.Errorf("erase: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), erased)
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find COORD...",
	Short: "Report whether a single point is present",
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

		p, err := parsePoint(args, tr.Dims(), flagID)
		if err != nil {
			return err
		}
		found, err := tr.Find(p)
		if err != nil {
			return fmt.Errorf("find: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), found)
		return nil
	},
}
