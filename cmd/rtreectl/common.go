package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InitialDLab/samplingrtree/internal/config"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/genid"
	"github.com/InitialDLab/samplingrtree/internal/rtree"
)

var (
	flagPath       string
	flagConfigFile string
	flagMin        string
	flagMax        string
	flagBits       int
	flagSeed       int64
	flagLoadMem    bool
	flagInMemory   bool
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rtreectl",
	Short: "Drive a disk-resident sampling R-tree from the command line",
	Long: `rtreectl builds, mutates, and queries a sampling R-tree outside of
any server process. It is an operational and testing tool, not a daemon:
every invocation opens the tree named by --path, performs one operation,
and closes it again.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			log.Logger.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagPath, "path", "", "tree data file path (required)")
	pf.StringVar(&flagConfigFile, "config", "", "path to a JSON or TOML config.Tree file (defaults to config.Default(), overlaid with any RTREE_* env vars and a local .env)")
	pf.StringVar(&flagMin, "min", "", "comma-separated lower bbox corner, e.g. 0,0")
	pf.StringVar(&flagMax, "max", "", "comma-separated upper bbox corner, e.g. 1000,1000")
	pf.IntVar(&flagBits, "bits", 0, "hilbert curve bits per coordinate (0 uses the library default)")
	pf.Int64Var(&flagSeed, "seed", 0, "RNG seed (0 seeds from the current time)")
	pf.BoolVar(&flagLoadMem, "load-memnodes", false, "restore the in-memory layer from the .memnodes sidecar instead of rebuilding it")
	pf.BoolVar(&flagInMemory, "in-memory", false, "preload the whole tree into RAM and mmap the data file at its current size (allocations that would grow it fail)")
	pf.BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(rangeReportCmd)
	rootCmd.AddCommand(sampleQueryCmd)
	rootCmd.AddCommand(naiveSampleQueryCmd)
	rootCmd.AddCommand(statsCmd)
}

func requirePath() error {
	if flagPath == "" {
		return fmt.Errorf("--path is required")
	}
	return nil
}

func loadConfig() (config.Tree, error) {
	return config.Load(flagConfigFile)
}

func parseBbox(dims int) (geom.Box, error) {
	min, err := parseFloats(flagMin, dims)
	if err != nil {
		return geom.Box{}, fmt.Errorf("--min: %w", err)
	}
	max, err := parseFloats(flagMax, dims)
	if err != nil {
		return geom.Box{}, fmt.Errorf("--max: %w", err)
	}
	return geom.Box{Min: min, Max: max}, nil
}

func parseFloats(csv string, dims int) ([]float32, error) {
	if csv == "" {
		return nil, fmt.Errorf("value required")
	}
	parts := strings.Split(csv, ",")
	if len(parts) != dims {
		return nil, fmt.Errorf("expected %d comma-separated values, got %d", dims, len(parts))
	}
	out := make([]float32, dims)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", p, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

// parsePoint turns a command's positional coordinate args, plus an
// optional --id hex string, into a geom.Point. A missing --id gets a
// fresh one generated, matching how build populates Point.ID for input
// rows that carry no identifier of their own.
func parsePoint(args []string, dims int, idHex string) (geom.Point, error) {
	if len(args) != dims {
		return geom.Point{}, fmt.Errorf("expected %d coordinate args, got %d", dims, len(args))
	}
	coords := make([]float32, dims)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 32)
		if err != nil {
			return geom.Point{}, fmt.Errorf("parsing coordinate %q: %w", a, err)
		}
		coords[i] = float32(v)
	}
	id, err := parseID(idHex)
	if err != nil {
		return geom.Point{}, err
	}
	return geom.Point{Coords: coords, ID: id}, nil
}

func parseID(idHex string) (geom.ID, error) {
	if idHex == "" {
		return genid.New(), nil
	}
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return geom.ID{}, fmt.Errorf("--id: %w", err)
	}
	var id geom.ID
	n := copy(id[:], raw)
	if n != geom.IDSize {
		return geom.ID{}, fmt.Errorf("--id: expected %d bytes, got %d", geom.IDSize, n)
	}
	return id, nil
}

func openTree(cfg config.Tree) (*rtree.Tree, error) {
	if err := requirePath(); err != nil {
		return nil, err
	}
	bbox, err := parseBbox(cfg.Dims)
	if err != nil {
		return nil, err
	}
	opts := rtree.Options{
		Bbox:         bbox,
		HilbertBits:  flagBits,
		InMemory:     flagInMemory,
		LoadMemNodes: flagLoadMem,
		Seed:         flagSeed,
	}
	return rtree.Open(flagPath, cfg, opts)
}
