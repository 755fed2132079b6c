package mutate

import (
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
)

// Eraser is a node.Visitor removing one value by ID. Naive: it never
// rebalances underflowing nodes, and it never shrinks an ancestor's
// bbox back down after a removal (ancestors only decrement
// subtree_size; only the io-leaf's own entry gets its bbox recomputed
// from the values left in it) — both match eraser.h, whose own comment at the io-leaf case calls this out
// explicitly. erased is the recursive out-parameter every apply()
// overload in eraser.h returns through apply_ret; here it's Eraser
// state a parent call reads right after the recursive ApplyVisitor
// that may have set it. shrank is distinct from erased: the
// single-value-leaf quirk below reports erased=true without actually
// removing the value, so every ancestor on the way back up must only
// decrement its own subtree_size when shrank is also true, or
// subtree_size drifts out from under the actual point count.
type Eraser struct {
	cfg    Config
	value  geom.Point
	key    geom.Key
	erased bool
	shrank bool
}

// Erase removes value from the subtree rooted at root, reporting
// whether it was found.
func Erase(cfg Config, root *node.Entry, value geom.Point) (bool, error) {
	er := &Eraser{cfg: cfg, value: value, key: cfg.HVC.Key(value)}
	n, err := resolveNode(cfg.Mgr, root)
	if err != nil {
		return false, err
	}
	if err := n.ApplyVisitor(er, root); err != nil {
		return false, err
	}
	return er.erased, nil
}

func (er *Eraser) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	if err := er.eraseFromChildren(&n.Children); err != nil {
		return err
	}
	if er.erased {
		if er.shrank {
			e.SubtreeSize--
		}
		removeSample(&n.Samples, er.value)
		if err := resampleDirect(er.cfg, e); err != nil {
			return err
		}
	}
	return nil
}

func (er *Eraser) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	if eraseFromSlice(&n.Buffer, er.value) {
		er.erased = true
		er.shrank = true
	} else if err := er.eraseFromChildren(&n.Children); err != nil {
		return err
	}
	if er.erased {
		if er.shrank {
			e.SubtreeSize--
		}
		removeSample(&n.Samples, er.value)
		if err := resampleDirect(er.cfg, e); err != nil {
			return err
		}
	}
	return nil
}

func (er *Eraser) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	if err := n.LoadChildrenAndBufferFromBlocks(er.cfg.Mgr, e.Locator.BlockID, er.cfg.Dims, er.cfg.KeyWidth); err != nil {
		return err
	}
	if eraseFromSlice(&n.Buffer, er.value) {
		er.erased = true
		er.shrank = true
	} else if err := er.eraseFromChildren(&n.Children); err != nil {
		return err
	}
	if !er.erased {
		return nil
	}
	if er.shrank {
		e.SubtreeSize--
	}
	if err := n.SaveChildrenAndBufferToBlocks(er.cfg.Mgr, e.Locator.BlockID, er.cfg.Dims, er.cfg.KeyWidth); err != nil {
		return err
	}
	if er.cfg.SampleSize > 0 {
		if err := n.LoadSamplesFromBlocks(er.cfg.Mgr, e.Locator.BlockID, er.cfg.Dims); err != nil {
			return err
		}
		removeSample(&n.Samples, er.value)
		if err := resampleDirect(er.cfg, e); err != nil {
			return err
		}
		if err := n.SaveSamplesToBlocks(er.cfg.Mgr, e.Locator.BlockID, er.cfg.Dims); err != nil {
			return err
		}
	}
	return nil
}

// VisitIOLeaf implements eraser.h's "naive erase" literally: a leaf
// holding only the value being erased reports success without
// actually removing it, since a leaf can't represent zero values
// (there'd be no min_key/bbox left to report to the parent).
func (er *Eraser) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	if err := n.LoadFromBlocks(er.cfg.Mgr, e.Locator.BlockID, er.cfg.Dims, int(e.SubtreeSize)); err != nil {
		return err
	}
	idx := -1
	for i, v := range n.Values {
		if v.ID == er.value.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		er.erased = false
		er.shrank = false
		return nil
	}
	er.erased = true
	if len(n.Values) == 1 {
		// Naive erase quirk: report success but leave the lone value
		// in place, so the subtree did not actually shrink.
		er.shrank = false
		return nil
	}
	er.shrank = true
	n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
	e.SubtreeSize = uint64(len(n.Values))
	e.BBox = bboxOfPoints(n.Values, er.cfg.Dims)
	return n.SaveToBlocks(er.cfg.Mgr, e.Locator.BlockID, er.cfg.Dims)
}

// eraseFromChildren retries backward from the upper_bound position
// across any run of children sharing the same MinKey (a value with
// that key could legitimately have landed in more than one of them),
// stopping at the first child with a strictly smaller MinKey. Frees
// and drops any child whose subtree empties out as a result.
func (er *Eraser) eraseFromChildren(children *[]node.Entry) error {
	idx := upperBoundIdx(*children, er.key)
	for idx > 0 {
		idx--
		child := &(*children)[idx]
		childNode, err := resolveNode(er.cfg.Mgr, child)
		if err != nil {
			return err
		}
		er.erased = false
		if err := childNode.ApplyVisitor(er, child); err != nil {
			return err
		}
		if er.erased {
			if child.SubtreeSize == 0 {
				if err := freeChildNode(er.cfg.Mgr, *child); err != nil {
					return err
				}
				*children = append((*children)[:idx], (*children)[idx+1:]...)
			}
			return nil
		}
		if idx == 0 || (*children)[idx-1].MinKey.Less(er.key) {
			break
		}
	}
	er.erased = false
	return nil
}

func eraseFromSlice(pts *[]geom.Point, value geom.Point) bool {
	for i, p := range *pts {
		if p.ID == value.ID {
			last := len(*pts) - 1
			(*pts)[i] = (*pts)[last]
			*pts = (*pts)[:last]
			return true
		}
	}
	return false
}

func removeSample(samples *[]geom.Point, value geom.Point) {
	eraseFromSlice(samples, value)
}
