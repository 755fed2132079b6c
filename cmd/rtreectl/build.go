package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/InitialDLab/samplingrtree/internal/extsort"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/genid"
	"github.com/InitialDLab/samplingrtree/internal/hilbert"
	"github.com/InitialDLab/samplingrtree/internal/rtree"
	"github.com/InitialDLab/samplingrtree/internal/sortdrv"
)

var (
	flagInput        string
	flagSaveMemory   bool
	flagExternalSort bool
	flagSortRunSize  int
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Bulk-build a fresh tree from a newline-delimited coordinate file",
	Long: `Each line of --input holds one point's coordinates as
comma-separated floats (dims values per line); an optional trailing
field, separated by a semicolon, supplies a hex-encoded 12-byte point
ID ("x,y,z;ID"). Lines missing that field get a fresh ID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePath(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		bbox, err := parseBbox(cfg.Dims)
		if err != nil {
			return err
		}

		lines, err := countLines(flagInput)
		if err != nil {
			return err
		}

		f, err := os.Open(flagInput)
		if err != nil {
			return fmt.Errorf("opening %s: %w", flagInput, err)
		}
		defer f.Close()

		progress := mpb.New(mpb.WithWidth(64))
		bar := progress.AddBar(int64(lines),
			mpb.PrependDecorators(
				decor.Name("build", decor.WC{W: len("build") + 1, C: decor.DidentRight}),
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
			),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)

		hvc := hilbert.NewStandard(cfg.Dims, bbox, flagBits)
		unsorted := make(chan sortdrv.Record, 4096)
		errc := make(chan error, 1)
		go func() {
			defer close(unsorted)
			errc <- streamRecords(f, cfg.Dims, hvc, bar, unsorted)
		}()

		ctx := context.Background()
		var sorter sortdrv.Sorter = sortdrv.InMemory{}
		if flagExternalSort {
			sorter = extsort.New(flagPath+".sortwork", cfg.Dims, hvc.Width(), flagSortRunSize)
		}
		sorted, err := sorter.Sort(ctx, unsorted)
		if err != nil {
			return fmt.Errorf("sorting input: %w", err)
		}

		tr, err := rtree.Create(ctx, flagPath, cfg, rtree.Options{
			Bbox:        bbox,
			HilbertBits: flagBits,
			Seed:        flagSeed,
		}, lines, sorted)
		progress.Wait()
		if streamErr := <-errc; streamErr != nil {
			return streamErr
		}
		if err != nil {
			return fmt.Errorf("building tree: %w", err)
		}
		defer tr.Close()

		if flagSaveMemory {
			if err := tr.SaveMemNodes(); err != nil {
				return fmt.Errorf("saving mem nodes: %w", err)
			}
		}

		stats := tr.Stats()
		log.WithField("size", stats.Size).Info("build complete")
		return nil
	},
}

func init() {
	f := buildCmd.Flags()
	f.StringVar(&flagInput, "input", "", "newline-delimited coordinate file (required)")
	f.BoolVar(&flagSaveMemory, "save-memnodes", false, "persist the .memnodes sidecar once the build finishes")
	f.BoolVar(&flagExternalSort, "external-sort", false, "sort the input on disk instead of buffering it all in memory (for builds larger than RAM)")
	f.IntVar(&flagSortRunSize, "sort-run-size", 1<<20, "records per on-disk run when --external-sort is set")
	buildCmd.MarkFlagRequired("input")
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

func streamRecords(f *os.File, dims int, hvc hilbert.Computer, bar *mpb.Bar, out chan<- sortdrv.Record) error {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p, err := parseCoordinateLine(line, dims)
		if err != nil {
			return err
		}
		out <- sortdrv.Record{Point: p, Key: hvc.Key(p)}
		bar.Increment()
	}
	return sc.Err()
}

func parseCoordinateLine(line string, dims int) (geom.Point, error) {
	idHex := ""
	if i := strings.IndexByte(line, ';'); i >= 0 {
		idHex = line[i+1:]
		line = line[:i]
	}
	parts := strings.Split(line, ",")
	if len(parts) != dims {
		return geom.Point{}, fmt.Errorf("expected %d coordinates, got %q", dims, line)
	}
	coords := make([]float32, dims)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return geom.Point{}, fmt.Errorf("parsing %q: %w", p, err)
		}
		coords[i] = float32(v)
	}
	var id geom.ID
	if idHex == "" {
		id = genid.New()
	} else {
		parsed, err := parseID(idHex)
		if err != nil {
			return geom.Point{}, err
		}
		id = parsed
	}
	return geom.Point{Coords: coords, ID: id}, nil
}
