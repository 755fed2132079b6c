package samplebuilder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
)

func pt(x, y float32) geom.Point {
	return geom.Point{Coords: []float32{x, y}}
}

// buildMemFixture returns a two-leaf mem tree, each leaf wrapping a
// resident IOLeafNode with a handful of raw values and no samples yet.
func buildMemFixture() node.Entry {
	leafA := &node.IOLeafNode{Values: []geom.Point{pt(1, 1), pt(2, 2), pt(3, 3), pt(4, 4)}, MemResident: true}
	leafB := &node.IOLeafNode{Values: []geom.Point{pt(11, 1), pt(12, 2), pt(13, 3)}, MemResident: true}

	leafAEntry := node.Entry{Kind: node.LoadedIOLeaf, SubtreeSize: 4, Locator: node.Locator{Node: leafA}}
	leafBEntry := node.Entry{Kind: node.LoadedIOLeaf, SubtreeSize: 3, Locator: node.Locator{Node: leafB}}

	root := &node.MemInternalNode{Children: []node.Entry{leafAEntry, leafBEntry}}
	return node.Entry{Kind: node.MemInternal, SubtreeSize: 7, Locator: node.Locator{Node: root}}
}

func TestBuildFillsMemInternalSamplesFromLeaves(t *testing.T) {
	root := buildMemFixture()
	rng := sampler.NewRand(1)
	b := New(nil, 2, 1, 4, rng, true)
	require.NoError(t, b.Run(&root))

	rn := root.Locator.Node.(*node.MemInternalNode)
	require.Len(t, rn.Samples, 4)
}

func TestBuildIsIdempotentOnceFull(t *testing.T) {
	root := buildMemFixture()
	rng := sampler.NewRand(2)
	b := New(nil, 2, 1, 4, rng, true)
	require.NoError(t, b.Run(&root))

	rn := root.Locator.Node.(*node.MemInternalNode)
	before := len(rn.Samples)

	b2 := New(nil, 2, 1, 4, rng, true)
	require.NoError(t, b2.Run(&root))
	require.Len(t, rn.Samples, before)
}

func TestBuildFillsIOInternalSamplesAndPersists(t *testing.T) {
	dir := t.TempDir()
	mgr, err := block.Create(filepath.Join(dir, "t"), 1024)
	require.NoError(t, err)
	defer mgr.Close()

	leaf := &node.IOLeafNode{Values: []geom.Point{pt(1, 1), pt(2, 2), pt(3, 3), pt(4, 4), pt(5, 5)}}
	lbid, err := node.AllocateIOLeafBlock(mgr)
	require.NoError(t, err)
	require.NoError(t, leaf.SaveToBlocks(mgr, lbid, 2))

	leafEntry := node.Entry{Kind: node.IOLeaf, SubtreeSize: 5, Locator: node.Locator{BlockID: lbid}}
	internal := &node.IOInternalNode{Children: []node.Entry{leafEntry}}
	ibid, err := node.AllocateIOInternalBlocks(mgr)
	require.NoError(t, err)
	require.NoError(t, internal.SaveSamplesToBlocks(mgr, ibid, 2))
	require.NoError(t, internal.SaveChildrenAndBufferToBlocks(mgr, ibid, 2, 1))

	root := node.Entry{Kind: node.IOInternal, SubtreeSize: 5, Locator: node.Locator{BlockID: ibid}}
	rng := sampler.NewRand(3)
	b := New(mgr, 2, 1, 4, rng, true)
	require.NoError(t, b.Run(&root))

	reloaded := &node.IOInternalNode{}
	require.NoError(t, reloaded.LoadSamplesFromBlocks(mgr, ibid, 2))
	require.NotEmpty(t, reloaded.Samples)
}
