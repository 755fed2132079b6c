package mutate

import (
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
)

// Finder is a read-only node.Visitor with the same descent/retry shape
// as Eraser, grounded on finder.h.
type Finder struct {
	cfg   Config
	value geom.Point
	key   geom.Key
	found bool
}

// Find reports whether value is present in the subtree rooted at root.
func Find(cfg Config, root *node.Entry, value geom.Point) (bool, error) {
	f := &Finder{cfg: cfg, value: value, key: cfg.HVC.Key(value)}
	n, err := resolveNode(cfg.Mgr, root)
	if err != nil {
		return false, err
	}
	if err := n.ApplyVisitor(f, root); err != nil {
		return false, err
	}
	return f.found, nil
}

func (f *Finder) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	return f.findFromChildren(n.Children)
}

func (f *Finder) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	if findInSlice(n.Buffer, f.value) {
		f.found = true
		return nil
	}
	return f.findFromChildren(n.Children)
}

func (f *Finder) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	// Children and buffer come from the same block read; the buffer is
	// checked first so a hit there avoids descending into any child.
	if err := n.LoadChildrenAndBufferFromBlocks(f.cfg.Mgr, e.Locator.BlockID, f.cfg.Dims, f.cfg.KeyWidth); err != nil {
		return err
	}
	if findInSlice(n.Buffer, f.value) {
		f.found = true
		return nil
	}
	return f.findFromChildren(n.Children)
}

func (f *Finder) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	if err := n.LoadFromBlocks(f.cfg.Mgr, e.Locator.BlockID, f.cfg.Dims, int(e.SubtreeSize)); err != nil {
		return err
	}
	f.found = findInSlice(n.Values, f.value)
	return nil
}

func (f *Finder) findFromChildren(children []node.Entry) error {
	idx := upperBoundIdx(children, f.key)
	for idx > 0 {
		idx--
		child := &children[idx]
		childNode, err := resolveNode(f.cfg.Mgr, child)
		if err != nil {
			return err
		}
		f.found = false
		if err := childNode.ApplyVisitor(f, child); err != nil {
			return err
		}
		if f.found {
			return nil
		}
		if idx == 0 || children[idx-1].MinKey.Less(f.key) {
			break
		}
	}
	f.found = false
	return nil
}

func findInSlice(pts []geom.Point, value geom.Point) bool {
	for _, p := range pts {
		if p.ID == value.ID {
			return true
		}
	}
	return false
}
