package rtree

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/config"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/hilbert"
	"github.com/InitialDLab/samplingrtree/internal/sortdrv"
)

func testBbox() geom.Box {
	return geom.Box{Min: []float32{0, 0}, Max: []float32{1000, 1000}}
}

func testConfig() config.Tree {
	c := config.Default()
	c.Dims = 2
	c.BlockSize = 512
	c.SampleSize = 8
	c.MemFanoutMin = 2
	c.MemFanoutMax = 8
	c.IOFanoutMin = 4
	c.IOFanoutMax = 16
	return c
}

func testPoint(id byte, x, y float32) geom.Point {
	var gid geom.ID
	gid[0] = id
	return geom.Point{Coords: []float32{x, y}, ID: gid}
}

func recordsFor(pts []geom.Point, hvc hilbert.Computer) []sortdrv.Record {
	recs := make([]sortdrv.Record, len(pts))
	for i, p := range pts {
		recs[i] = sortdrv.Record{Point: p, Key: hvc.Key(p)}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key.Less(recs[j].Key) })
	return recs
}

func recordChan(recs []sortdrv.Record) <-chan sortdrv.Record {
	ch := make(chan sortdrv.Record, len(recs))
	for _, r := range recs {
		ch <- r
	}
	close(ch)
	return ch
}

func buildTestTree(t *testing.T, pts []geom.Point) (*Tree, string) {
	t.Helper()
	cfg := testConfig()
	opts := Options{Bbox: testBbox(), HilbertBits: 10, Seed: 7}
	hvc := hilbert.NewStandard(cfg.Dims, opts.Bbox, opts.HilbertBits)

	path := filepath.Join(t.TempDir(), "tree")
	tr, err := Create(context.Background(), path, cfg, opts, len(pts), recordChan(recordsFor(pts, hvc)))
	require.NoError(t, err)
	return tr, path
}

func samplePoints() []geom.Point {
	var pts []geom.Point
	id := byte(1)
	for x := float32(0); x < 100; x += 10 {
		for y := float32(0); y < 100; y += 10 {
			pts = append(pts, testPoint(id, x, y))
			id++
		}
	}
	return pts
}

func TestCreateBuildsQueryableTree(t *testing.T) {
	pts := samplePoints()
	tr, _ := buildTestTree(t, pts)
	defer tr.Close()

	require.EqualValues(t, len(pts), tr.Stats().Size)

	out, err := tr.RangeReport(context.Background(), testBbox())
	require.NoError(t, err)
	require.Len(t, out, len(pts))
}

func TestRangeReportHonorsQueryBox(t *testing.T) {
	pts := samplePoints()
	tr, _ := buildTestTree(t, pts)
	defer tr.Close()

	q := geom.Box{Min: []float32{0, 0}, Max: []float32{25, 25}}
	out, err := tr.RangeReport(context.Background(), q)
	require.NoError(t, err)
	for _, p := range out {
		require.True(t, q.Contains(p))
	}
	require.NotEmpty(t, out)
	require.Less(t, len(out), len(pts))
}

func TestInsertFindErase(t *testing.T) {
	pts := samplePoints()
	tr, _ := buildTestTree(t, pts)
	defer tr.Close()

	fresh := testPoint(250, 500, 500)
	found, err := tr.Find(fresh)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, tr.Insert(fresh))
	found, err = tr.Find(fresh)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, len(pts)+1, tr.Stats().Size)

	erased, err := tr.Erase(fresh)
	require.NoError(t, err)
	require.True(t, erased)
	require.EqualValues(t, len(pts), tr.Stats().Size)

	found, err = tr.Find(fresh)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertManyForcesRootSplit(t *testing.T) {
	pts := samplePoints()
	tr, _ := buildTestTree(t, pts)
	defer tr.Close()

	for i := 0; i < 200; i++ {
		v := testPoint(byte(200+i%50), float32(i%1000), float32((i*7)%1000))
		require.NoError(t, tr.Insert(v))
	}
	require.EqualValues(t, len(pts)+200, tr.Stats().Size)

	out, err := tr.RangeReport(context.Background(), testBbox())
	require.NoError(t, err)
	require.Len(t, out, len(pts)+200)
}

func TestNaiveSampleDrawsFromQueryBox(t *testing.T) {
	pts := samplePoints()
	tr, _ := buildTestTree(t, pts)
	defer tr.Close()

	q := geom.Box{Min: []float32{0, 0}, Max: []float32{50, 50}}
	samples, count, err := tr.NaiveSample(context.Background(), q, 5)
	require.NoError(t, err)
	require.True(t, count > 0)
	require.Len(t, samples, 5)
	for _, p := range samples {
		require.True(t, q.Contains(p))
	}
}

func TestAcceleratedSampleAndEstimateCount(t *testing.T) {
	pts := samplePoints()
	tr, _ := buildTestTree(t, pts)
	defer tr.Close()

	q := geom.Box{Min: []float32{0, 0}, Max: []float32{50, 50}}
	cur := tr.Sample(q)
	samples, err := cur.GetSamples(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, samples, 5)

	est, stddev := cur.EstimateCount()
	require.True(t, est > 0)
	require.True(t, stddev >= 0)
}

func TestSaveMemNodesThenOpenWithLoadMemNodes(t *testing.T) {
	pts := samplePoints()
	tr, path := buildTestTree(t, pts)
	require.NoError(t, tr.SaveMemNodes())
	require.NoError(t, tr.Close())

	cfg := testConfig()
	opts := Options{Bbox: testBbox(), HilbertBits: 10, Seed: 7, LoadMemNodes: true}
	reopened, err := Open(path, cfg, opts)
	require.NoError(t, err)
	defer reopened.Close()

	require.EqualValues(t, len(pts), reopened.Stats().Size)
	out, err := reopened.RangeReport(context.Background(), testBbox())
	require.NoError(t, err)
	require.Len(t, out, len(pts))
}

func TestOpenWithoutMemNodesRebuildsFromIOLayer(t *testing.T) {
	pts := samplePoints()
	tr, path := buildTestTree(t, pts)
	require.NoError(t, tr.Close())

	cfg := testConfig()
	opts := Options{Bbox: testBbox(), HilbertBits: 10, Seed: 7}
	reopened, err := Open(path, cfg, opts)
	require.NoError(t, err)
	defer reopened.Close()

	require.EqualValues(t, len(pts), reopened.Stats().Size)
}
