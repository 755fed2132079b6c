package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/InitialDLab/samplingrtree/internal/geom"
)

var flagSampleSize int

var rangeReportCmd = &cobra.Command{
	Use:   "range-report",
	Short: "Print every point covered by the --min/--max query box",
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

		q, err := parseBbox(tr.Dims())
		if err != nil {
			return err
		}
		out, err := tr.RangeReport(context.Background(), q)
		if err != nil {
			return fmt.Errorf("range-report: %w", err)
		}
		for _, p := range out {
			printPoint(cmd.OutOrStdout(), p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d points\n", len(out))
		return nil
	},
}

var naiveSampleQueryCmd = &cobra.Command{
	Use:   "naive-sample-query",
	Short: "Draw --k samples from the --min/--max query box via the baseline decompose-then-draw cursor",
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

		q, err := parseBbox(tr.Dims())
		if err != nil {
			return err
		}
		samples, count, err := tr.NaiveSample(context.Background(), q, flagSampleSize)
		if err != nil {
			return fmt.Errorf("naive-sample-query: %w", err)
		}
		for _, p := range samples {
			printPoint(cmd.OutOrStdout(), p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "count: %d\n", count)
		return nil
	},
}

var sampleQueryCmd = &cobra.Command{
	Use:   "sample-query",
	Short: "Draw --k samples from the --min/--max query box via the accelerated frontier cursor",
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

		q, err := parseBbox(tr.Dims())
		if err != nil {
			return err
		}
		cur := tr.Sample(q)
		samples, err := cur.GetSamples(context.Background(), flagSampleSize)
		if err != nil {
			return fmt.Errorf("sample-query: %w", err)
		}
		for _, p := range samples {
			printPoint(cmd.OutOrStdout(), p)
		}
		est, stddev := cur.EstimateCount()
		fmt.Fprintf(cmd.OutOrStdout(), "estimated count: %d (stddev %.2f)\n", est, stddev)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sampleQueryCmd, naiveSampleQueryCmd} {
		c.Flags().IntVar(&flagSampleSize, "k", 10, "number of samples to draw")
	}
}

func printPoint(w io.Writer, p geom.Point) {
	fmt.Fprintf(w, "%x %v\n", p.ID, p.Coords)
}
