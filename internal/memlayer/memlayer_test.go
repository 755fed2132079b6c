package memlayer

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
)

func ioLeafEntry(minX, minY, maxX, maxY float32, size uint64, minKey uint32) node.Entry {
	return node.Entry{
		Kind:        node.IOLeaf,
		BBox:        geom.Box{Min: []float32{minX, minY}, Max: []float32{maxX, maxY}},
		SubtreeSize: size,
		MinKey:      geom.Key{minKey},
	}
}

func TestBuildWrapsIOTopLayerInMemLeaves(t *testing.T) {
	top := []node.Entry{
		ioLeafEntry(0, 0, 1, 1, 10, 0),
		ioLeafEntry(1, 0, 2, 1, 10, 10),
		ioLeafEntry(2, 0, 3, 1, 10, 20),
	}
	root := Build(top, 2, 2, 4)
	require.EqualValues(t, 30, root.SubtreeSize)

	n, ok := root.Locator.Node.(*node.MemLeafNode)
	require.True(t, ok, "single top layer under max fanout packs into one mem-leaf")
	require.Len(t, n.Children, 3)
	require.Equal(t, node.MemLeaf, root.Kind)
}

func TestBuildSingleTopEntryStillProducesMemRoot(t *testing.T) {
	top := []node.Entry{ioLeafEntry(0, 0, 1, 1, 5, 0)}
	root := Build(top, 2, 2, 4)
	require.Equal(t, node.MemLeaf, root.Kind)
	n, ok := root.Locator.Node.(*node.MemLeafNode)
	require.True(t, ok)
	require.Len(t, n.Children, 1)
}

func TestBuildProducesInternalLayerOverManyLeaves(t *testing.T) {
	var top []node.Entry
	for i := 0; i < 20; i++ {
		top = append(top, ioLeafEntry(float32(i), 0, float32(i+1), 1, 1, uint32(i)))
	}
	root := Build(top, 2, 2, 4)
	require.EqualValues(t, 20, root.SubtreeSize)
	require.Equal(t, node.MemInternal, root.Kind)
	n, ok := root.Locator.Node.(*node.MemInternalNode)
	require.True(t, ok)
	require.True(t, len(n.Children) > 1)
	// 20 leaves pack into 6 mem-leaves, those into 2 mem-internals, and
	// those into the root.
	for _, ch := range n.Children {
		require.Equal(t, node.MemInternal, ch.Kind)
	}
}

func TestMemNodesSaveAndLoadRoundTrip(t *testing.T) {
	var top []node.Entry
	for i := 0; i < 10; i++ {
		top = append(top, ioLeafEntry(float32(i), 0, float32(i+1), 1, 3, uint32(i)))
	}
	root := Build(top, 2, 2, 4)

	path := filepath.Join(t.TempDir(), "t.memnodes")
	require.NoError(t, SaveMemNodes(path, root, 2, 1))

	loaded, err := LoadMemNodes(path, 2, 1)
	require.NoError(t, err)
	require.Equal(t, root.Kind, loaded.Kind)
	require.EqualValues(t, root.SubtreeSize, loaded.SubtreeSize)

	switch n := root.Locator.Node.(type) {
	case *node.MemInternalNode:
		ln := loaded.Locator.Node.(*node.MemInternalNode)
		require.Len(t, ln.Children, len(n.Children))
	case *node.MemLeafNode:
		ln := loaded.Locator.Node.(*node.MemLeafNode)
		require.Len(t, ln.Children, len(n.Children))
	}
}

func TestLoaderPromotesUnderBudgetAndStopsWhenExhausted(t *testing.T) {
	// A budget of 0 with loadAll=false must not promote anything.
	root := node.Entry{Kind: node.IOLeaf, SubtreeSize: 2}
	l := NewLoader(nil, 2, 1, false, 0, rand.New(rand.NewSource(1)))
	require.NoError(t, l.Run(&root))
	require.Equal(t, node.IOLeaf, root.Kind, "zero budget promotes nothing")
}

func TestLoaderPromotesIOLeafWhenBudgetAllows(t *testing.T) {
	dir := t.TempDir()
	mgr, err := block.Create(filepath.Join(dir, "t"), 1024)
	require.NoError(t, err)
	defer mgr.Close()

	leaf := &node.IOLeafNode{Values: []geom.Point{{Coords: []float32{0, 0}}, {Coords: []float32{1, 1}}}}
	bid, err := node.AllocateIOLeafBlock(mgr)
	require.NoError(t, err)
	require.NoError(t, leaf.SaveToBlocks(mgr, bid, 2))

	root := node.Entry{Kind: node.IOLeaf, SubtreeSize: 2, Locator: node.Locator{BlockID: bid}}
	l := NewLoader(mgr, 2, 1, true, 0, rand.New(rand.NewSource(1)))
	require.NoError(t, l.Run(&root))

	require.Equal(t, node.LoadedIOLeaf, root.Kind)
	loaded, ok := root.Locator.Node.(*node.IOLeafNode)
	require.True(t, ok)
	require.True(t, loaded.MemResident)
	require.Len(t, loaded.Values, 2)
}
