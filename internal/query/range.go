package query

import (
	"context"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/metrics"
	"github.com/InitialDLab/samplingrtree/internal/node"
)

// RangeReport performs a plain DFS+prune range query (spec.md §4.7):
// every child whose bbox intersects the query box is descended into,
// points covered by the query are reported, including points still
// held in a mem-leaf or io-internal insertion buffer.
type RangeReport struct {
	mgr     *block.Manager
	dims    int
	keyW    int
	query   geom.Box
	metrics *metrics.Registry
	out     []geom.Point
}

// NewRangeReport constructs a range-report cursor rooted at root.
func NewRangeReport(mgr *block.Manager, dims, keyWidth int, query geom.Box, m *metrics.Registry) *RangeReport {
	return &RangeReport{mgr: mgr, dims: dims, keyW: keyWidth, query: query, metrics: m}
}

// Run walks root and returns every point covered by the query box.
func (r *RangeReport) Run(ctx context.Context, root node.Entry) ([]geom.Point, error) {
	r.out = nil
	if err := r.visit(ctx, &root); err != nil {
		return nil, err
	}
	return r.out, nil
}

func (r *RangeReport) visit(ctx context.Context, e *node.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !e.BBox.Intersects(r.query) {
		return nil
	}
	n, err := resolveNode(r.mgr, e)
	if err != nil {
		return err
	}
	return n.ApplyVisitor(r, e)
}

func (r *RangeReport) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	r.metrics.IncNodesVisited("mem-internal")
	return r.visitChildren(context.Background(), n.Children)
}

func (r *RangeReport) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	r.metrics.IncNodesVisited("mem-leaf")
	for _, v := range n.Buffer {
		if r.query.Contains(v) {
			r.out = append(r.out, v)
		}
	}
	return r.visitChildren(context.Background(), n.Children)
}

func (r *RangeReport) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	r.metrics.IncNodesVisited("io-internal")
	if e.Locator.Node == nil {
		if err := n.LoadChildrenAndBufferFromBlocks(r.mgr, e.Locator.BlockID, r.dims, r.keyW); err != nil {
			return err
		}
	}
	for _, v := range n.Buffer {
		if r.query.Contains(v) {
			r.out = append(r.out, v)
		}
	}
	return r.visitChildren(context.Background(), n.Children)
}

func (r *RangeReport) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	r.metrics.IncNodesVisited("io-leaf")
	if e.Locator.Node == nil {
		if err := n.LoadFromBlocks(r.mgr, e.Locator.BlockID, r.dims, int(e.SubtreeSize)); err != nil {
			return err
		}
	}
	for _, v := range n.Values {
		if r.query.Contains(v) {
			r.out = append(r.out, v)
		}
	}
	return nil
}

func (r *RangeReport) visitChildren(ctx context.Context, children []node.Entry) error {
	for i := range children {
		if err := r.visit(ctx, &children[i]); err != nil {
			return err
		}
	}
	return nil
}
