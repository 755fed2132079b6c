// Package memlayer builds and maintains the tree's in-memory layer:
// the mem-internal/mem-leaf nodes rebuilt on every open from the IO
// top layer (spec.md §4.5), a budget-gated loader that promotes IO
// nodes into RAM, and the .memnodes sidecar an open can restore from
// instead of rebuilding. Grounded on original_source/rtree/rtree_impl.h
// (build_layer), node_loader.h, mem_node_saver.h and
// mem_node_cleaner.h.
package memlayer

import (
	"math/rand"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/codec"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
)

// Build packs topLayer (the IO layer's root entries) into mem-leaf
// nodes wrapping them, then repeatedly packs the result into
// mem-internal layers until exactly one root entry remains. The first
// pass always runs, even when topLayer already has a single entry —
// an rtree's root is always a mem node, never a raw IO entry.
func Build(topLayer []node.Entry, dims, minFanout, maxFanout int) node.Entry {
	cur := buildLayer(topLayer, dims, minFanout, maxFanout)
	for len(cur) > 1 {
		cur = buildLayer(cur, dims, minFanout, maxFanout)
	}
	return cur[0]
}

// buildLayer packs children into one layer up: a mem-leaf node per
// group if children are IO entries (the layer directly above the IO
// top layer), otherwise a mem-internal node per group.
func buildLayer(children []node.Entry, dims, minFanout, maxFanout int) []node.Entry {
	next := make([]node.Entry, 0, sampler.CalcNodeCount(len(children), maxFanout))

	elementLeft := len(children)
	idx := 0
	for elementLeft > 0 {
		count := sampler.NextFanout(elementLeft, minFanout, maxFanout)
		elementLeft -= count
		group := append([]node.Entry(nil), children[idx:idx+count]...)
		idx += count

		bbox := geom.EmptyBox(dims)
		var subtreeSize uint64
		minKey := group[0].MinKey
		for _, ch := range group {
			bbox.Expand(ch.BBox)
			subtreeSize += ch.SubtreeSize
		}

		var entry node.Entry
		if group[0].Kind.IsIO() {
			entry.Kind = node.MemLeaf
			entry.Locator.Node = &node.MemLeafNode{Children: group}
		} else {
			entry.Kind = node.MemInternal
			entry.Locator.Node = &node.MemInternalNode{Children: group}
		}
		entry.BBox = bbox
		entry.SubtreeSize = subtreeSize
		entry.MinKey = minKey
		next = append(next, entry)
	}
	return next
}

// Loader promotes IO nodes into the in-memory layer, starting from
// root and walking breadth-first, shuffling each layer before
// visiting it so a budget runs out across a random subset of the tree
// rather than always favoring the leftmost subtree. Grounded on
// node_loader.h.
type Loader struct {
	mgr         *block.Manager
	dims, keyW  int
	loadAll     bool
	memoryLimit int64
	rng         *rand.Rand
}

// NewLoader returns a Loader bounded by memoryLimit bytes, or
// unbounded if loadAll is true (memoryLimit is then ignored).
func NewLoader(mgr *block.Manager, dims, keyWidth int, loadAll bool, memoryLimit int64, rng *rand.Rand) *Loader {
	return &Loader{mgr: mgr, dims: dims, keyW: keyWidth, loadAll: loadAll, memoryLimit: memoryLimit, rng: rng}
}

// Run promotes as much of the subtree rooted at root into RAM as the
// budget allows, mutating root.Kind/root.Locator.Node (and
// recursively, every promoted descendant's Entry) in place.
func (l *Loader) Run(root *node.Entry) error {
	if !l.loadAll && l.memoryLimit <= 0 {
		return nil
	}
	layer := []*node.Entry{root}
	for len(layer) > 0 && (l.loadAll || l.memoryLimit > 0) {
		l.shuffle(layer)
		var next []*node.Entry
		for _, e := range layer {
			if !l.loadAll && l.memoryLimit <= 0 {
				break
			}
			children, err := l.visit(e)
			if err != nil {
				return err
			}
			next = append(next, children...)
		}
		layer = next
	}
	return nil
}

func (l *Loader) shuffle(layer []*node.Entry) {
	l.rng.Shuffle(len(layer), func(i, j int) { layer[i], layer[j] = layer[j], layer[i] })
}

// visit loads/promotes one entry and returns the children newly
// eligible for the next BFS layer (empty for leaves and for entries
// the budget rejected).
func (l *Loader) visit(e *node.Entry) ([]*node.Entry, error) {
	switch e.Kind {
	case node.MemInternal:
		n := e.Locator.Node.(*node.MemInternalNode)
		size := memInternalSize(n, l.dims)
		if !l.checkSize(size) {
			return nil, nil
		}
		out := make([]*node.Entry, len(n.Children))
		for i := range n.Children {
			out[i] = &n.Children[i]
		}
		return out, nil
	case node.MemLeaf:
		n := e.Locator.Node.(*node.MemLeafNode)
		size := memLeafSize(n, l.dims)
		if !l.checkSize(size) {
			return nil, nil
		}
		out := make([]*node.Entry, len(n.Children))
		for i := range n.Children {
			out[i] = &n.Children[i]
		}
		return out, nil
	case node.IOInternal:
		n := &node.IOInternalNode{}
		if err := n.LoadSamplesFromBlocks(l.mgr, e.Locator.BlockID, l.dims); err != nil {
			return nil, err
		}
		if err := n.LoadChildrenAndBufferFromBlocks(l.mgr, e.Locator.BlockID, l.dims, l.keyW); err != nil {
			return nil, err
		}
		size := ioInternalSize(n, l.dims, l.keyW)
		if !l.checkSize(size) {
			return nil, nil
		}
		n.MemResident = true
		e.Kind = node.LoadedIOInternal
		e.Locator.Node = n
		out := make([]*node.Entry, len(n.Children))
		for i := range n.Children {
			out[i] = &n.Children[i]
		}
		return out, nil
	case node.IOLeaf:
		n := &node.IOLeafNode{}
		if err := n.LoadFromBlocks(l.mgr, e.Locator.BlockID, l.dims, int(e.SubtreeSize)); err != nil {
			return nil, err
		}
		size := ioLeafSize(n, l.dims)
		if !l.checkSize(size) {
			return nil, nil
		}
		n.MemResident = true
		e.Kind = node.LoadedIOLeaf
		e.Locator.Node = n
		return nil, nil
	default:
		// Already loaded in an earlier pass (e.g. restored from
		// .memnodes); nothing further to do.
		return nil, nil
	}
}

// checkSize is the one-way ratchet node_loader.h calls check_size:
// once the budget can no longer afford a node it is permanently
// zeroed, halting every later promotion regardless of that node's own
// size.
func (l *Loader) checkSize(size int64) bool {
	if l.loadAll {
		return true
	}
	if l.memoryLimit > size {
		l.memoryLimit -= size
		return true
	}
	l.memoryLimit = 0
	return false
}

func memInternalSize(n *node.MemInternalNode, dims int) int64 {
	return int64(len(n.Samples)*codec.PointSize(dims) + len(n.Children)*96)
}

func memLeafSize(n *node.MemLeafNode, dims int) int64 {
	return int64((len(n.Samples)+len(n.Buffer))*codec.PointSize(dims) + len(n.Children)*96)
}

func ioInternalSize(n *node.IOInternalNode, dims, keyWidth int) int64 {
	return int64((len(n.Samples)+len(n.Buffer))*codec.PointSize(dims) + len(n.Children)*node.EntrySize(dims, keyWidth))
}

func ioLeafSize(n *node.IOLeafNode, dims int) int64 {
	return int64(len(n.Values) * codec.PointSize(dims))
}

// Clean drops every in-memory/promoted node reference reachable from
// root, letting the garbage collector reclaim them. A Go port of
// mem_node_cleaner.h, whose C++ original explicitly deletes each
// node_ptr bottom-up; here the walk exists to break otherwise-live
// references (e.g. a node cache holding a *Manager alongside the
// tree) rather than to free memory the GC wouldn't otherwise collect.
func Clean(e *node.Entry) {
	switch n := e.Locator.Node.(type) {
	case *node.MemInternalNode:
		for i := range n.Children {
			cleanChild(&n.Children[i])
		}
	case *node.MemLeafNode:
		for i := range n.Children {
			cleanChild(&n.Children[i])
		}
	case *node.IOInternalNode:
		for i := range n.Children {
			cleanChild(&n.Children[i])
		}
	}
	e.Locator.Node = nil
}

func cleanChild(e *node.Entry) {
	if e.Kind == node.MemInternal || e.Kind == node.MemLeaf ||
		e.Kind == node.LoadedIOInternal || e.Kind == node.LoadedIOLeaf {
		Clean(e)
	}
}
