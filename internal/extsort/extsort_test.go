package extsort

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/sortdrv"
)

func recordChan(recs []sortdrv.Record) <-chan sortdrv.Record {
	ch := make(chan sortdrv.Record, len(recs))
	for _, r := range recs {
		ch <- r
	}
	close(ch)
	return ch
}

func unsortedRecords(n int) []sortdrv.Record {
	recs := make([]sortdrv.Record, n)
	for i := 0; i < n; i++ {
		k := uint32((i*7 + 3) % (n + 1))
		var id geom.ID
		id[0] = byte(i)
		recs[i] = sortdrv.Record{
			Point: geom.Point{Coords: []float32{float32(i), float32(i * 2)}, ID: id},
			Key:   geom.Key{k},
		}
	}
	return recs
}

func TestSortSpillsMultipleRunsAndMergesInOrder(t *testing.T) {
	recs := unsortedRecords(23)
	s := New(filepath.Join(t.TempDir(), "runs"), 2, 1, 5) // 23 records, run size 5 -> 5 runs

	out, err := s.Sort(context.Background(), recordChan(recs))
	require.NoError(t, err)

	var got []sortdrv.Record
	for r := range out {
		got = append(got, r)
	}
	require.Len(t, got, len(recs))
	require.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Key.Less(got[j].Key) }))

	wantIDs := make(map[byte]bool)
	for _, r := range recs {
		wantIDs[r.Point.ID[0]] = true
	}
	for _, r := range got {
		require.True(t, wantIDs[r.Point.ID[0]])
	}
}

func TestSortSingleRunRoundTripsCoordinates(t *testing.T) {
	recs := []sortdrv.Record{
		{Point: geom.Point{Coords: []float32{1.5, -2.25}, Timestamp: 42, ID: geom.ID{1}}, Key: geom.Key{3}},
		{Point: geom.Point{Coords: []float32{0, 0}, Timestamp: 7, ID: geom.ID{2}}, Key: geom.Key{1}},
	}
	s := New(filepath.Join(t.TempDir(), "runs"), 2, 1, 10)

	out, err := s.Sort(context.Background(), recordChan(recs))
	require.NoError(t, err)

	var got []sortdrv.Record
	for r := range out {
		got = append(got, r)
	}
	require.Len(t, got, 2)
	require.Equal(t, recs[1].Point.Coords, got[0].Point.Coords)
	require.Equal(t, recs[1].Point.Timestamp, got[0].Point.Timestamp)
	require.Equal(t, recs[0].Point.Coords, got[1].Point.Coords)
}
