// Package mutate implements the tree's three write-path visitors:
// Insert (spec.md §4.10: single-value descent into the mem layer,
// buffering at mem-leaves, batch-merging once a buffer flush reaches
// the IO layer, splitting on overflow), Erase (§4.11, naive — no
// underflow rebalancing) and Find (§4.12, key-indexed descent with
// early exit). Grounded on original_source/rtree/inserter.h,
// eraser.h and finder.h.
package mutate

import (
	"sort"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/hilbert"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
	"github.com/InitialDLab/samplingrtree/internal/samplebuilder"
)

// Config bundles the parameters every write-path visitor needs.
type Config struct {
	Mgr        *block.Manager
	Dims       int
	KeyWidth   int
	MinFanout  int
	MaxFanout  int
	SampleSize int // MemNodeSampleSize; 0 disables sample maintenance
	HVC        hilbert.Computer
	RNG        sampler.RNG
}

func resolveNode(mgr *block.Manager, e *node.Entry) (node.Node, error) {
	if e.Locator.Node != nil {
		return e.Locator.Node, nil
	}
	switch e.Kind {
	case node.IOInternal, node.LoadedIOInternal:
		return &node.IOInternalNode{}, nil
	case node.IOLeaf, node.LoadedIOLeaf:
		return &node.IOLeafNode{}, nil
	default:
		return &node.MemInternalNode{}, nil
	}
}

// upperBoundIdx returns the index of the first child whose MinKey is
// strictly greater than key (sort.Search over children, which must be
// sorted by MinKey).
func upperBoundIdx(children []node.Entry, key geom.Key) int {
	return sort.Search(len(children), func(i int) bool { return key.Less(children[i].MinKey) })
}

// childIndex returns the child a single-value insert should descend
// into: the predecessor of upperBoundIdx, or 0 if key sorts before
// every child.
func childIndex(children []node.Entry, key geom.Key) int {
	idx := upperBoundIdx(children, key)
	if idx > 0 {
		idx--
	}
	return idx
}

func bboxOfPoints(pts []geom.Point, dims int) geom.Box {
	b := geom.EmptyBox(dims)
	for _, p := range pts {
		b.ExpandPoint(p)
	}
	return b
}

func rebuildEntry(e *node.Entry, children []node.Entry, dims int) {
	b := geom.EmptyBox(dims)
	var size uint64
	minKey := children[0].MinKey
	for _, c := range children {
		b.Expand(c.BBox)
		size += c.SubtreeSize
	}
	e.BBox = b
	e.SubtreeSize = size
	e.MinKey = minKey
}

func sortPointsByKey(pts []geom.Point, hvc hilbert.Computer) {
	sort.Slice(pts, func(i, j int) bool { return hvc.Key(pts[i]).Less(hvc.Key(pts[j])) })
}

// mergeSortedPoints merges two Key-sorted slices into one sorted
// slice, mirroring std::merge in inserter.h's io-node apply methods.
func mergeSortedPoints(a, b []geom.Point, hvc hilbert.Computer) []geom.Point {
	out := make([]geom.Point, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if hvc.Key(a[i]).Less(hvc.Key(b[j])) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// freeChildNode releases the blocks a now-empty IO child occupied.
// Mem nodes need nothing beyond dropping the reference (handled by the
// caller truncating its children slice); the garbage collector
// reclaims the rest.
func freeChildNode(mgr *block.Manager, e node.Entry) error {
	switch e.Kind {
	case node.IOInternal, node.LoadedIOInternal:
		return node.FreeIOInternalBlocks(mgr, e.Locator.BlockID)
	case node.IOLeaf, node.LoadedIOLeaf:
		return node.FreeIOLeafBlock(mgr, e.Locator.BlockID)
	default:
		return nil
	}
}

func splitChildrenStepHalf(children []node.Entry, maxFanout int) [][]node.Entry {
	step := len(children)
	for step > maxFanout {
		step /= 2
	}
	var groups [][]node.Entry
	for start := 0; start < len(children); start += step {
		end := start + step
		if end > len(children) {
			end = len(children)
		}
		groups = append(groups, append([]node.Entry(nil), children[start:end]...))
	}
	return groups
}

// resampleDirect reruns the sample builder against an entry whose
// node is already in hand (either a bare in-memory node, or one whose
// initial contents have just been written to fresh blocks) rather
// than one discovered via traversal.
func resampleDirect(cfg Config, e *node.Entry) error {
	if cfg.SampleSize == 0 {
		return nil
	}
	sb := samplebuilder.New(cfg.Mgr, cfg.Dims, cfg.KeyWidth, cfg.SampleSize, cfg.RNG, false)
	return sb.Run(e)
}
