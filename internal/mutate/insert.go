package mutate

import (
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
)

// Inserter is a node.Visitor that descends a single value into the
// mem layer, or — while flushing a mem-leaf's overflowed buffer, or
// merging into an io-internal/io-leaf node reached that way — a
// Key-sorted batch of values. Grounded on inserter.h: the same visitor
// type serves both dispatch shapes, distinguished by which of value /
// batch the caller populated before recursing.
type Inserter struct {
	cfg   Config
	value geom.Point
	key   geom.Key
	batch []geom.Point

	// newEntries carries split results back up to the caller: sibling
	// entries the caller must splice into its own children list (or,
	// for a root split, wrap in a freshly synthesized root).
	newEntries []node.Entry
}

// Insert descends value from root. If root itself overflows and
// splits, the returned entries are the new top-level siblings the
// caller must fold into a new root.
func Insert(cfg Config, root *node.Entry, value geom.Point) ([]node.Entry, error) {
	ins := &Inserter{cfg: cfg, value: value, key: cfg.HVC.Key(value)}
	n, err := resolveNode(cfg.Mgr, root)
	if err != nil {
		return nil, err
	}
	if err := n.ApplyVisitor(ins, root); err != nil {
		return nil, err
	}
	return ins.newEntries, nil
}

func (ins *Inserter) updateSamples(samples []geom.Point, subtreeSize uint64) {
	if len(samples) == 0 || subtreeSize == 0 {
		return
	}
	if ins.cfg.RNG.Float64() < 1.0/float64(subtreeSize) {
		samples[ins.cfg.RNG.Intn(len(samples))] = ins.value
	}
}

func (ins *Inserter) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	e.BBox.ExpandPoint(ins.value)
	e.SubtreeSize++
	if ins.cfg.SampleSize > 0 {
		ins.updateSamples(n.Samples, e.SubtreeSize)
	}

	idx := childIndex(n.Children, ins.key)
	child := &n.Children[idx]
	ins.newEntries = nil
	childNode, err := resolveNode(ins.cfg.Mgr, child)
	if err != nil {
		return err
	}
	if err := childNode.ApplyVisitor(ins, child); err != nil {
		return err
	}
	if len(ins.newEntries) > 0 {
		n.Children = spliceAfter(n.Children, idx, ins.newEntries)
	}
	ins.newEntries = nil

	if len(n.Children) > ins.cfg.MaxFanout {
		siblings, err := ins.splitMemInternal(n, e)
		if err != nil {
			return err
		}
		ins.newEntries = siblings
	}
	return nil
}

func (ins *Inserter) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	e.BBox.ExpandPoint(ins.value)
	e.SubtreeSize++
	if ins.cfg.SampleSize > 0 {
		ins.updateSamples(n.Samples, e.SubtreeSize)
	}
	n.Buffer = append(n.Buffer, ins.value)
	ins.newEntries = nil

	if len(n.Buffer) > n.BufferCapacity(ins.cfg.Mgr.BlockSize(), ins.cfg.Dims) {
		sortPointsByKey(n.Buffer, ins.cfg.HVC)
		children, err := ins.flushBuffer(n.Children, n.Buffer)
		if err != nil {
			return err
		}
		n.Children = children
		n.Buffer = nil

		if len(n.Children) > ins.cfg.MaxFanout {
			siblings, err := ins.splitMemLeaf(n, e)
			if err != nil {
				return err
			}
			ins.newEntries = siblings
		}
	}
	return nil
}

func (ins *Inserter) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	if err := n.LoadChildrenAndBufferFromBlocks(ins.cfg.Mgr, e.Locator.BlockID, ins.cfg.Dims, ins.cfg.KeyWidth); err != nil {
		return err
	}
	batch := ins.batch
	for _, p := range batch {
		e.BBox.ExpandPoint(p)
	}
	e.SubtreeSize += uint64(len(batch))

	if ins.cfg.SampleSize > 0 {
		if err := n.LoadSamplesFromBlocks(ins.cfg.Mgr, e.Locator.BlockID, ins.cfg.Dims); err != nil {
			return err
		}
		updateProb := float64(len(batch)) / float64(e.SubtreeSize)
		updated := false
		for i := range n.Samples {
			if ins.cfg.RNG.Float64() < updateProb {
				n.Samples[i] = batch[ins.cfg.RNG.Intn(len(batch))]
				updated = true
			}
		}
		if updated {
			if err := n.SaveSamplesToBlocks(ins.cfg.Mgr, e.Locator.BlockID, ins.cfg.Dims); err != nil {
				return err
			}
		}
	}

	n.Buffer = mergeSortedPoints(batch, n.Buffer, ins.cfg.HVC)
	ins.newEntries = nil

	if len(n.Buffer) > n.BufferCapacity(ins.cfg.Mgr.BlockSize(), ins.cfg.Dims, ins.cfg.KeyWidth) {
		children, err := ins.flushBuffer(n.Children, n.Buffer)
		if err != nil {
			return err
		}
		n.Children = children
		n.Buffer = nil

		if n.Overflow() {
			siblings, err := ins.splitIOInternal(n, e)
			if err != nil {
				return err
			}
			ins.newEntries = siblings
		}
	}
	return n.SaveChildrenAndBufferToBlocks(ins.cfg.Mgr, e.Locator.BlockID, ins.cfg.Dims, ins.cfg.KeyWidth)
}

func (ins *Inserter) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	if err := n.LoadFromBlocks(ins.cfg.Mgr, e.Locator.BlockID, ins.cfg.Dims, int(e.SubtreeSize)); err != nil {
		return err
	}
	batch := ins.batch
	for _, p := range batch {
		e.BBox.ExpandPoint(p)
	}
	e.SubtreeSize += uint64(len(batch))
	n.Values = mergeSortedPoints(batch, n.Values, ins.cfg.HVC)
	ins.newEntries = nil

	if n.Overflow(ins.cfg.Mgr.BlockSize(), ins.cfg.Dims) {
		capacity := n.Capacity(ins.cfg.Mgr.BlockSize(), ins.cfg.Dims)
		step := len(n.Values)
		for step > capacity {
			step /= 2
		}

		all := n.Values
		first := append([]geom.Point(nil), all[:step]...)
		n.Values = first
		e.BBox = bboxOfPoints(first, ins.cfg.Dims)
		e.SubtreeSize = uint64(len(first))
		// MinKey is left unchanged: the original node keeps the
		// smallest key in the split regardless of how the values
		// that remain in it shift.

		rest := all[step:]
		for len(rest) > 0 {
			take := step
			if take > len(rest) {
				take = len(rest)
			}
			vals := append([]geom.Point(nil), rest[:take]...)
			rest = rest[take:]

			newLeaf := &node.IOLeafNode{Values: vals}
			bid, err := node.AllocateIOLeafBlock(ins.cfg.Mgr)
			if err != nil {
				return err
			}
			if err := newLeaf.SaveToBlocks(ins.cfg.Mgr, bid, ins.cfg.Dims); err != nil {
				return err
			}
			ins.newEntries = append(ins.newEntries, node.Entry{
				Kind:        node.IOLeaf,
				BBox:        bboxOfPoints(vals, ins.cfg.Dims),
				SubtreeSize: uint64(len(vals)),
				MinKey:      ins.cfg.HVC.Key(vals[0]),
				Locator:     node.Locator{BlockID: bid},
			})
		}
	}
	return n.SaveToBlocks(ins.cfg.Mgr, e.Locator.BlockID, ins.cfg.Dims)
}

// flushBuffer distributes a Key-sorted buffer across children in
// order, matching each contiguous buffer run to the boundary formed by
// the next child's MinKey, dispatching each nonempty run as a batch
// insert into its matched child. Shared by mem-leaf and io-internal
// overflow handling (flush_buffer in inserter.h).
func (ins *Inserter) flushBuffer(children []node.Entry, buffer []geom.Point) ([]node.Entry, error) {
	if len(children) == 0 || len(buffer) == 0 {
		return children, nil
	}
	keys := make([]geom.Key, len(buffer))
	for i, p := range buffer {
		keys[i] = ins.cfg.HVC.Key(p)
	}

	var next []node.Entry
	bufIdx := 0
	for i := range children {
		end := bufIdx
		if i+1 < len(children) {
			nextMinKey := children[i+1].MinKey
			for end < len(keys) && keys[end].Less(nextMinKey) {
				end++
			}
		} else {
			end = len(keys)
		}

		child := children[i]
		if end > bufIdx {
			ins.batch = buffer[bufIdx:end]
			childNode, err := resolveNode(ins.cfg.Mgr, &child)
			if err != nil {
				return nil, err
			}
			ins.newEntries = nil
			if err := childNode.ApplyVisitor(ins, &child); err != nil {
				return nil, err
			}
			bufIdx = end
		}
		next = append(next, child)
		if len(ins.newEntries) > 0 {
			next = append(next, ins.newEntries...)
			ins.newEntries = nil
		}
	}
	return next, nil
}

func spliceAfter(children []node.Entry, idx int, extra []node.Entry) []node.Entry {
	out := make([]node.Entry, 0, len(children)+len(extra))
	out = append(out, children[:idx+1]...)
	out = append(out, extra...)
	out = append(out, children[idx+1:]...)
	return out
}

func (ins *Inserter) splitMemInternal(n *node.MemInternalNode, e *node.Entry) ([]node.Entry, error) {
	groups := splitChildrenStepHalf(n.Children, ins.cfg.MaxFanout)
	n.Children = groups[0]
	rebuildEntry(e, n.Children, ins.cfg.Dims)
	n.Samples = nil
	if err := resampleDirect(ins.cfg, e); err != nil {
		return nil, err
	}

	var siblings []node.Entry
	for _, g := range groups[1:] {
		sib := &node.MemInternalNode{Children: g}
		sibEntry := node.Entry{Kind: node.MemInternal, Locator: node.Locator{Node: sib}}
		rebuildEntry(&sibEntry, g, ins.cfg.Dims)
		if err := resampleDirect(ins.cfg, &sibEntry); err != nil {
			return nil, err
		}
		siblings = append(siblings, sibEntry)
	}
	return siblings, nil
}

func (ins *Inserter) splitMemLeaf(n *node.MemLeafNode, e *node.Entry) ([]node.Entry, error) {
	groups := splitChildrenStepHalf(n.Children, ins.cfg.MaxFanout)
	n.Children = groups[0]
	rebuildEntry(e, n.Children, ins.cfg.Dims)
	n.Samples = nil
	if err := resampleDirect(ins.cfg, e); err != nil {
		return nil, err
	}

	var siblings []node.Entry
	for _, g := range groups[1:] {
		sib := &node.MemLeafNode{Children: g}
		sibEntry := node.Entry{Kind: node.MemLeaf, Locator: node.Locator{Node: sib}}
		rebuildEntry(&sibEntry, g, ins.cfg.Dims)
		if err := resampleDirect(ins.cfg, &sibEntry); err != nil {
			return nil, err
		}
		siblings = append(siblings, sibEntry)
	}
	return siblings, nil
}

// splitIOInternal allocates a fresh pair of blocks per sibling group
// (beyond the first, which stays in n/e) and resamples each by letting
// resampleDirect reload what was just written, rather than handing the
// in-memory group straight to the sample builder — the group is
// already durable, so the extra round trip costs one block read and
// keeps every io-internal node's sample refresh on the same load path.
func (ins *Inserter) splitIOInternal(n *node.IOInternalNode, e *node.Entry) ([]node.Entry, error) {
	groups := splitChildrenStepHalf(n.Children, n.Capacity())
	n.Children = groups[0]
	rebuildEntry(e, n.Children, ins.cfg.Dims)
	n.Samples = nil
	if err := n.SaveSamplesToBlocks(ins.cfg.Mgr, e.Locator.BlockID, ins.cfg.Dims); err != nil {
		return nil, err
	}
	if err := resampleDirect(ins.cfg, e); err != nil {
		return nil, err
	}

	var siblings []node.Entry
	for _, g := range groups[1:] {
		sib := &node.IOInternalNode{Children: g}
		bid, err := node.AllocateIOInternalBlocks(ins.cfg.Mgr)
		if err != nil {
			return nil, err
		}
		if err := sib.SaveSamplesToBlocks(ins.cfg.Mgr, bid, ins.cfg.Dims); err != nil {
			return nil, err
		}
		if err := sib.SaveChildrenAndBufferToBlocks(ins.cfg.Mgr, bid, ins.cfg.Dims, ins.cfg.KeyWidth); err != nil {
			return nil, err
		}

		sibEntry := node.Entry{Kind: node.IOInternal, Locator: node.Locator{BlockID: bid}}
		rebuildEntry(&sibEntry, g, ins.cfg.Dims)
		if err := resampleDirect(ins.cfg, &sibEntry); err != nil {
			return nil, err
		}
		siblings = append(siblings, sibEntry)
	}
	return siblings, nil
}
