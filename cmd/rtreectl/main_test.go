package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCoordFile(t *testing.T, dir string) string {
	t.Helper()
	// The points are 2-D while config.Default() is 3-D; the env overlay
	// pins dims for every command the test runs.
	t.Setenv("RTREE_DIMS", "2")
	path := filepath.Join(dir, "points.csv")
	var buf bytes.Buffer
	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			fmt.Fprintf(&buf, "%d,%d\n", x*10, y*10)
		}
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestBuildThenStatsThenRangeReport(t *testing.T) {
	dir := t.TempDir()
	input := writeCoordFile(t, dir)
	treePath := filepath.Join(dir, "tree")

	run(t, "build",
		"--path", treePath,
		"--input", input,
		"--min", "0,0",
		"--max", "1000,1000",
	)

	out := run(t, "stats",
		"--path", treePath,
		"--min", "0,0",
		"--max", "1000,1000",
	)
	require.Contains(t, out, "size:")
	require.Contains(t, out, "100")

	out = run(t, "range-report",
		"--path", treePath,
		"--min", "0,0",
		"--max", "1000,1000",
	)
	require.Contains(t, out, "100 points")
}

func TestBuildWithExternalSort(t *testing.T) {
	dir := t.TempDir()
	input := writeCoordFile(t, dir)
	treePath := filepath.Join(dir, "tree")

	run(t, "build",
		"--path", treePath,
		"--input", input,
		"--min", "0,0",
		"--max", "1000,1000",
		"--external-sort",
		"--sort-run-size", "7",
	)

	out := run(t, "range-report",
		"--path", treePath,
		"--min", "0,0",
		"--max", "1000,1000",
	)
	require.Contains(t, out, "100 points")
}

func TestInsertFindEraseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	input := writeCoordFile(t, dir)
	treePath := filepath.Join(dir, "tree")

	run(t, "build",
		"--path", treePath,
		"--input", input,
		"--min", "0,0",
		"--max", "1000,1000",
	)

	out := run(t, "find",
		"--path", treePath,
		"--min", "0,0", "--max", "1000,1000",
		"--id", "aabbccddeeff00112233aabb",
		"500", "500",
	)
	require.Contains(t, out, "false")

	run(t, "insert",
		"--path", treePath,
		"--min", "0,0", "--max", "1000,1000",
		"--id", "aabbccddeeff00112233aabb",
		"500", "500",
	)

	out = run(t, "find",
		"--path", treePath,
		"--min", "0,0", "--max", "1000,1000",
		"--id", "aabbccddeeff00112233aabb",
		"500", "500",
	)
	require.Contains(t, out, "true")

	out = run(t, "erase",
		"--path", treePath,
		"--min", "0,0", "--max", "1000,1000",
		"--id", "aabbccddeeff00112233aabb",
		"500", "500",
	)
	require.Contains(t, out, "true")
}
