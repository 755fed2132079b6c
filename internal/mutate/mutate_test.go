package mutate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/hilbert"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
)

const testDims = 2

func testHVC() hilbert.Computer {
	bbox := geom.Box{Min: []float32{0, 0}, Max: []float32{1000, 1000}}
	return hilbert.NewStandard(testDims, bbox, 12)
}

func pt(id byte, x, y float32) geom.Point {
	var gid geom.ID
	gid[0] = id
	return geom.Point{Coords: []float32{x, y}, ID: gid}
}

func newTestMgr(t *testing.T, blockSize int) *block.Manager {
	t.Helper()
	mgr, err := block.Create(filepath.Join(t.TempDir(), "t"), blockSize)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func baseConfig(mgr *block.Manager, maxFanout int) Config {
	return Config{
		Mgr:        mgr,
		Dims:       testDims,
		KeyWidth:   1,
		MinFanout:  2,
		MaxFanout:  maxFanout,
		SampleSize: 0,
		HVC:        testHVC(),
		RNG:        sampler.NewRand(7),
	}
}

// singleLeafTree builds a one-leaf mem tree: a MemLeafNode wrapping a
// single, initially empty IOLeafNode child.
func singleLeafTree(t *testing.T, mgr *block.Manager) node.Entry {
	t.Helper()
	leaf := &node.IOLeafNode{}
	bid, err := node.AllocateIOLeafBlock(mgr)
	require.NoError(t, err)
	require.NoError(t, leaf.SaveToBlocks(mgr, bid, testDims))

	leafEntry := node.Entry{
		Kind:    node.IOLeaf,
		BBox:    geom.EmptyBox(testDims),
		MinKey:  geom.Key{0},
		Locator: node.Locator{BlockID: bid},
	}
	root := &node.MemLeafNode{Children: []node.Entry{leafEntry}}
	return node.Entry{Kind: node.MemLeaf, BBox: geom.EmptyBox(testDims), Locator: node.Locator{Node: root}}
}

func TestInsertSingleValueUpdatesEntryAndBuffersIt(t *testing.T) {
	mgr := newTestMgr(t, 128) // PointSize(2)==28, buffer capacity 4
	cfg := baseConfig(mgr, 8)
	root := singleLeafTree(t, mgr)

	v := pt(1, 5, 5)
	newEntries, err := Insert(cfg, &root, v)
	require.NoError(t, err)
	require.Empty(t, newEntries)

	require.EqualValues(t, 1, root.SubtreeSize)
	require.True(t, root.BBox.Contains(v))

	ln := root.Locator.Node.(*node.MemLeafNode)
	require.Len(t, ln.Buffer, 1)
	require.Equal(t, v.ID, ln.Buffer[0].ID)
}

func TestInsertFlushesBufferIntoIOLeaf(t *testing.T) {
	mgr := newTestMgr(t, 128)
	cfg := baseConfig(mgr, 64)
	root := singleLeafTree(t, mgr)

	var inserted []geom.Point
	for i := byte(0); i < 5; i++ { // capacity 4; the 5th insert forces a flush
		v := pt(i+1, float32(i*10), float32(i*10))
		inserted = append(inserted, v)
		_, err := Insert(cfg, &root, v)
		require.NoError(t, err)
	}

	ln := root.Locator.Node.(*node.MemLeafNode)
	require.Empty(t, ln.Buffer, "buffer must be drained once it overflows")
	// 5 values overflow the 4-point leaf block, so the flush splits the
	// leaf into groups of 2, 2 and 1.
	require.Len(t, ln.Children, 3)

	total := 0
	for _, ch := range ln.Children {
		reloaded := &node.IOLeafNode{}
		require.NoError(t, reloaded.LoadFromBlocks(mgr, ch.Locator.BlockID, testDims, int(ch.SubtreeSize)))
		total += len(reloaded.Values)
	}
	require.Equal(t, len(inserted), total)
}

func TestInsertThenFindThenErase(t *testing.T) {
	mgr := newTestMgr(t, 128)
	cfg := baseConfig(mgr, 64)
	root := singleLeafTree(t, mgr)

	v := pt(9, 42, 42)
	_, err := Insert(cfg, &root, v)
	require.NoError(t, err)

	found, err := Find(cfg, &root, v)
	require.NoError(t, err)
	require.True(t, found, "value still sits in the mem-leaf buffer, unflushed")

	erased, err := Erase(cfg, &root, v)
	require.NoError(t, err)
	require.True(t, erased)

	found, err = Find(cfg, &root, v)
	require.NoError(t, err)
	require.False(t, found)
}

func TestEraseFlushedValueGoesThroughIOLeaf(t *testing.T) {
	mgr := newTestMgr(t, 128)
	cfg := baseConfig(mgr, 64)
	root := singleLeafTree(t, mgr)

	var inserted []geom.Point
	for i := byte(0); i < 5; i++ {
		v := pt(i+1, float32(i*10), float32(i*10))
		inserted = append(inserted, v)
		_, err := Insert(cfg, &root, v)
		require.NoError(t, err)
	}
	// The buffer has flushed by now (capacity 4, 5 inserts) and split
	// into io-leaves of 2, 2 and 1 values in key order. The point at
	// (0,0) has the smallest key, so it sits on disk in a two-value
	// io-leaf (a lone value would hit the naive erase quirk instead).
	ln := root.Locator.Node.(*node.MemLeafNode)
	require.Empty(t, ln.Buffer)
	target := inserted[0]

	erased, err := Erase(cfg, &root, target)
	require.NoError(t, err)
	require.True(t, erased)

	found, err := Find(cfg, &root, target)
	require.NoError(t, err)
	require.False(t, found)
}

func TestVisitIOInternalMergesBatchAndFlushesBuffer(t *testing.T) {
	// BufferOffset(2,1) == 600; this block size leaves room for only 2
	// buffered points before an overflow forces a flush.
	mgr := newTestMgr(t, 672)
	cfg := baseConfig(mgr, 64)

	leaf := &node.IOLeafNode{Values: []geom.Point{pt(1, 1, 1), pt(2, 2, 2)}}
	lbid, err := node.AllocateIOLeafBlock(mgr)
	require.NoError(t, err)
	require.NoError(t, leaf.SaveToBlocks(mgr, lbid, testDims))

	leafEntry := node.Entry{
		Kind:        node.IOLeaf,
		BBox:        bboxOfPoints(leaf.Values, testDims),
		SubtreeSize: 2,
		MinKey:      geom.Key{0},
		Locator:     node.Locator{BlockID: lbid},
	}

	internal := &node.IOInternalNode{Children: []node.Entry{leafEntry}}
	ibid, err := node.AllocateIOInternalBlocks(mgr)
	require.NoError(t, err)
	require.NoError(t, internal.SaveSamplesToBlocks(mgr, ibid, testDims))
	require.NoError(t, internal.SaveChildrenAndBufferToBlocks(mgr, ibid, testDims, cfg.KeyWidth))

	entry := node.Entry{Kind: node.IOInternal, SubtreeSize: 2, MinKey: geom.Key{0}, Locator: node.Locator{BlockID: ibid}}

	batch := []geom.Point{pt(3, 3, 3), pt(4, 4, 4), pt(5, 5, 5)}
	ins := &Inserter{cfg: cfg, batch: batch}
	fresh := &node.IOInternalNode{}
	require.NoError(t, ins.VisitIOInternal(fresh, &entry))

	require.EqualValues(t, 5, entry.SubtreeSize)
	require.Empty(t, fresh.Buffer, "3 buffered points over a capacity-2 block must flush")

	reloadedLeaf := &node.IOLeafNode{}
	require.NoError(t, reloadedLeaf.LoadFromBlocks(mgr, fresh.Children[0].Locator.BlockID, testDims, int(fresh.Children[0].SubtreeSize)))
	require.Len(t, reloadedLeaf.Values, 5, "the flushed batch must have merged straight into the only child")
}

func TestEraseOfLastLeafValueLeavesAncestorSubtreeSizeUnchanged(t *testing.T) {
	mgr := newTestMgr(t, 128)
	cfg := baseConfig(mgr, 64)

	v := pt(1, 1, 1)
	leaf := &node.IOLeafNode{Values: []geom.Point{v}}
	bid, err := node.AllocateIOLeafBlock(mgr)
	require.NoError(t, err)
	require.NoError(t, leaf.SaveToBlocks(mgr, bid, testDims))

	leafEntry := node.Entry{
		Kind:        node.IOLeaf,
		BBox:        bboxOfPoints(leaf.Values, testDims),
		SubtreeSize: 1,
		MinKey:      geom.Key{0},
		Locator:     node.Locator{BlockID: bid},
	}
	root := &node.MemInternalNode{Children: []node.Entry{leafEntry}}
	rootEntry := node.Entry{Kind: node.MemInternal, SubtreeSize: 1, Locator: node.Locator{Node: root}}

	erased, err := Erase(cfg, &rootEntry, v)
	require.NoError(t, err)
	require.True(t, erased, "the naive quirk reports success without actually removing the lone value")

	require.EqualValues(t, 1, rootEntry.SubtreeSize, "subtree_size must not drift below the actual point count")

	found, err := Find(cfg, &rootEntry, v)
	require.NoError(t, err)
	require.True(t, found, "the value is still physically present after the naive erase quirk")
}

func TestVisitIOLeafSplitsOnOverflow(t *testing.T) {
	mgr := newTestMgr(t, 128) // capacity 4
	cfg := baseConfig(mgr, 64)

	leaf := &node.IOLeafNode{Values: []geom.Point{pt(1, 1, 1), pt(2, 2, 2), pt(3, 3, 3)}}
	bid, err := node.AllocateIOLeafBlock(mgr)
	require.NoError(t, err)
	require.NoError(t, leaf.SaveToBlocks(mgr, bid, testDims))

	entry := node.Entry{Kind: node.IOLeaf, SubtreeSize: 3, MinKey: geom.Key{0}, Locator: node.Locator{BlockID: bid}}
	batch := []geom.Point{pt(4, 4, 4), pt(5, 5, 5), pt(6, 6, 6)}
	ins := &Inserter{cfg: cfg, batch: batch}

	require.NoError(t, ins.VisitIOLeaf(leaf, &entry))
	require.NotEmpty(t, ins.newEntries, "6 values over a capacity-4 leaf must split")

	total := len(leaf.Values)
	for _, e := range ins.newEntries {
		sib := &node.IOLeafNode{}
		require.NoError(t, sib.LoadFromBlocks(mgr, e.Locator.BlockID, testDims, int(e.SubtreeSize)))
		total += len(sib.Values)
	}
	require.Equal(t, 6, total)
	require.Equal(t, geom.Key{0}, entry.MinKey, "the original node keeps its min_key across a split")
}

func TestFindRetriesBackwardAcrossDuplicateMinKeys(t *testing.T) {
	mgr := newTestMgr(t, 128)
	cfg := baseConfig(mgr, 64)

	target := pt(42, 7, 7)
	hvc := testHVC()
	sharedKey := hvc.Key(target)
	laterKey := hvc.Key(pt(0, 999, 999))

	// Three sibling mem-leaves share target's own MinKey; only the
	// first (leftmost) one actually holds target in its buffer.
	makeLeaf := func(key geom.Key, buf ...geom.Point) node.Entry {
		n := &node.MemLeafNode{Buffer: buf}
		return node.Entry{Kind: node.MemLeaf, MinKey: key, Locator: node.Locator{Node: n}}
	}
	children := []node.Entry{
		makeLeaf(sharedKey, target),
		makeLeaf(sharedKey, pt(2, 8, 8)),
		makeLeaf(sharedKey, pt(3, 9, 9)),
		{Kind: node.MemLeaf, MinKey: laterKey, Locator: node.Locator{Node: &node.MemLeafNode{}}},
	}
	root := &node.MemInternalNode{Children: children}
	rootEntry := node.Entry{Kind: node.MemInternal, Locator: node.Locator{Node: root}}

	found, err := Find(cfg, &rootEntry, target)
	require.NoError(t, err)
	require.True(t, found, "retry must walk backward past the two later same-key siblings")

	missing, err := Find(cfg, &rootEntry, pt(99, 1, 1))
	require.NoError(t, err)
	require.False(t, missing)
}

func TestEraseFromBufferThenRetryNextDuplicateSibling(t *testing.T) {
	mgr := newTestMgr(t, 128)
	cfg := baseConfig(mgr, 64)

	target := pt(7, 7, 7)
	hvc := testHVC()
	sharedKey := hvc.Key(target)
	makeLeaf := func(buf ...geom.Point) (*node.MemLeafNode, node.Entry) {
		n := &node.MemLeafNode{Buffer: buf}
		return n, node.Entry{Kind: node.MemLeaf, MinKey: sharedKey, Locator: node.Locator{Node: n}}
	}
	leaf1, e1 := makeLeaf(target)
	_, e2 := makeLeaf(pt(1, 1, 1))
	root := &node.MemInternalNode{Children: []node.Entry{e1, e2}}
	rootEntry := node.Entry{Kind: node.MemInternal, SubtreeSize: 2, Locator: node.Locator{Node: root}}

	erased, err := Erase(cfg, &rootEntry, target)
	require.NoError(t, err)
	require.True(t, erased)
	require.Empty(t, leaf1.Buffer)
	require.EqualValues(t, 1, rootEntry.SubtreeSize)
}
