package iolayers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/hilbert"
	"github.com/InitialDLab/samplingrtree/internal/sortdrv"
)

func TestBuildLeavesAndInternalCoverAllElements(t *testing.T) {
	dir := t.TempDir()
	mgr, err := block.Create(filepath.Join(dir, "t"), 1024)
	require.NoError(t, err)
	defer mgr.Close()

	params := DefaultParameters()
	params.BlockSize = 1024
	params.MaxTopLayerIONodeCount = 2

	hv := hilbert.NewStandard(2, geom.Box{Min: []float32{0, 0}, Max: []float32{100, 100}}, 10)
	keyWidth := hv.Width()

	const n = 200
	records := make(chan sortdrv.Record, n)
	for i := 0; i < n; i++ {
		p := geom.Point{Coords: []float32{float32(i % 100), float32((i * 3) % 100)}}
		records <- sortdrv.Record{Point: p, Key: hv.Key(p)}
	}
	close(records)

	sorter := sortdrv.InMemory{}
	sorted, err := sorter.Sort(context.Background(), records)
	require.NoError(t, err)

	b := NewBuilder(mgr, 2, keyWidth, params)
	top, err := b.Build(context.Background(), sorted)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	require.LessOrEqual(t, len(top), params.MaxTopLayerIONodeCount)

	var total uint64
	for _, e := range top {
		total += e.SubtreeSize
	}
	require.EqualValues(t, n, total)
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.iolayers")
	params := DefaultParameters()

	hv := hilbert.NewStandard(2, geom.Box{Min: []float32{0, 0}, Max: []float32{10, 10}}, 8)
	keyWidth := hv.Width()

	require.NoError(t, SaveSidecar(path, params, nil, 2, keyWidth))
	loaded, entries, err := LoadSidecar(path, 2, keyWidth)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, params.FillRatio, loaded.FillRatio)
	require.Equal(t, params.BlockSize, loaded.BlockSize)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
