package query

import (
	"context"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/metrics"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
)

// NaiveSample is the baseline sample cursor (spec.md §4.8): it
// decomposes the tree into "inside_nodes" (entries fully covered by
// the query, which can be sampled from without further descent) and
// "boundary_values" (individual points near the query boundary) up
// front, then draws each requested sample via successive binomial
// splits across that fixed decomposition. Ported from
// naive_sample_query_cursor.
type NaiveSample struct {
	mgr   *block.Manager
	dims  int
	keyW  int
	query geom.Box
	rng   sampler.RNG
	mtr   *metrics.Registry

	insideNodes    []node.Entry
	boundaryValues []geom.Point
	count          uint64
}

// NewNaiveSample decomposes root against query and returns a ready
// cursor.
func NewNaiveSample(ctx context.Context, mgr *block.Manager, dims, keyWidth int, query geom.Box, rng sampler.RNG, m *metrics.Registry, root node.Entry) (*NaiveSample, error) {
	c := &NaiveSample{mgr: mgr, dims: dims, keyW: keyWidth, query: query, rng: rng, mtr: m}
	if err := c.decompose(ctx, &root); err != nil {
		return nil, err
	}
	c.count = uint64(len(c.boundaryValues))
	for _, e := range c.insideNodes {
		c.count += e.SubtreeSize
	}
	return c, nil
}

// Count returns the decomposed ground-set size: the number of elements
// reachable from this cursor's root that lie in the query box.
func (c *NaiveSample) Count() uint64 { return c.count }

func (c *NaiveSample) decompose(ctx context.Context, e *node.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if e.BBox.CoveredBy(c.query) {
		c.insideNodes = append(c.insideNodes, *e)
		return nil
	}
	if !e.BBox.Intersects(c.query) {
		return nil
	}
	n, err := resolveNode(c.mgr, e)
	if err != nil {
		return err
	}
	return n.ApplyVisitor(&decomposeVisitor{c: c, ctx: ctx}, e)
}

type decomposeVisitor struct {
	c   *NaiveSample
	ctx context.Context
}

func (d *decomposeVisitor) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	return d.visitChildren(n.Children)
}

func (d *decomposeVisitor) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	return d.visitChildren(n.Children)
}

func (d *decomposeVisitor) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	if e.Locator.Node == nil {
		if err := n.LoadChildrenAndBufferFromBlocks(d.c.mgr, e.Locator.BlockID, d.c.dims, d.c.keyW); err != nil {
			return err
		}
	}
	return d.visitChildren(n.Children)
}

func (d *decomposeVisitor) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	if e.Locator.Node == nil {
		if err := n.LoadFromBlocks(d.c.mgr, e.Locator.BlockID, d.c.dims, int(e.SubtreeSize)); err != nil {
			return err
		}
	}
	for _, v := range n.Values {
		if d.c.query.Contains(v) {
			d.c.boundaryValues = append(d.c.boundaryValues, v)
		}
	}
	return nil
}

func (d *decomposeVisitor) visitChildren(children []node.Entry) error {
	for i := range children {
		if err := d.c.decompose(d.ctx, &children[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetSamples draws sampleSize elements uniformly with replacement from
// this cursor's ground set.
func (c *NaiveSample) GetSamples(sampleSize int) []geom.Point {
	if sampleSize == 0 || c.count == 0 {
		return nil
	}
	out := make([]geom.Point, 0, sampleSize)

	fromValues := sampler.NextSampleSize(sampleSize, len(c.boundaryValues), int(c.count), c.rng)
	if fromValues > 0 {
		out = c.sampleFromValues(out, c.boundaryValues, fromValues)
	}
	if sampleSize > fromValues {
		out = c.sampleFromNodes(out, c.insideNodes, c.count-uint64(len(c.boundaryValues)), sampleSize-fromValues)
	}
	return out
}

func (c *NaiveSample) sampleFromValues(out []geom.Point, values []geom.Point, n int) []geom.Point {
	for i := 0; i < n; i++ {
		out = append(out, values[c.rng.Intn(len(values))])
	}
	return out
}

func (c *NaiveSample) sampleFromNodes(out []geom.Point, entries []node.Entry, subtreeSize uint64, sampleSize int) []geom.Point {
	for i := range entries {
		if sampleSize == 0 {
			break
		}
		s := sampler.NextSampleSize(sampleSize, int(entries[i].SubtreeSize), int(subtreeSize), c.rng)
		if s > 0 {
			pts, err := c.sampleSubtree(&entries[i], s)
			if err == nil {
				out = append(out, pts...)
			}
			sampleSize -= s
		}
		subtreeSize -= entries[i].SubtreeSize
	}
	return out
}

// sampleSubtree draws s uniform-with-replacement samples from the
// subtree rooted at e (which is known to lie entirely inside the query
// box, since e came from insideNodes), descending recursively with the
// same binomial split used at the top level.
func (c *NaiveSample) sampleSubtree(e *node.Entry, s int) ([]geom.Point, error) {
	n, err := resolveNode(c.mgr, e)
	if err != nil {
		return nil, err
	}
	v := &subtreeSampler{c: c, want: s}
	if err := n.ApplyVisitor(v, e); err != nil {
		return nil, err
	}
	return v.out, nil
}

type subtreeSampler struct {
	c    *NaiveSample
	want int
	out  []geom.Point
}

func (v *subtreeSampler) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	return v.visitChildren(n.Children, e.SubtreeSize)
}

func (v *subtreeSampler) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	return v.visitChildren(n.Children, e.SubtreeSize)
}

func (v *subtreeSampler) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	if e.Locator.Node == nil {
		if err := n.LoadChildrenAndBufferFromBlocks(v.c.mgr, e.Locator.BlockID, v.c.dims, v.c.keyW); err != nil {
			return err
		}
	}
	return v.visitChildren(n.Children, e.SubtreeSize)
}

func (v *subtreeSampler) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	if e.Locator.Node == nil {
		if err := n.LoadFromBlocks(v.c.mgr, e.Locator.BlockID, v.c.dims, int(e.SubtreeSize)); err != nil {
			return err
		}
	}
	v.out = v.c.sampleFromValues(v.out, n.Values, v.want)
	return nil
}

func (v *subtreeSampler) visitChildren(children []node.Entry, totalSize uint64) error {
	remaining := v.want
	for i := range children {
		if remaining == 0 {
			break
		}
		s := sampler.NextSampleSize(remaining, int(children[i].SubtreeSize), int(totalSize), v.c.rng)
		if s > 0 {
			pts, err := v.c.sampleSubtree(&children[i], s)
			if err != nil {
				return err
			}
			v.out = append(v.out, pts...)
			remaining -= s
		}
		totalSize -= children[i].SubtreeSize
	}
	return nil
}
