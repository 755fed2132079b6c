// Package query implements the tree's three read-only cursors: plain
// range reporting (spec.md §4.7), the naive sample cursor (§4.8,
// baseline: decompose once, then draw), and the accelerated sample
// cursor (§4.9, the core algorithm: a maintained frontier whose
// per-entry sample buffers are consumed before descending further).
package query

import (
	"fmt"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/node"
)

// resolveNode returns the concrete Node e points at, loading it from
// the block manager when e is disk-resident and not yet promoted into
// RAM. Mem-resident entries (Locator.Node != nil) are returned as-is —
// this is how the in-memory layer (internal/memlayer) and the
// promoted-IO-node cache stay live without a redundant copy.
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
		return nil, fmt.Errorf("query: mem node entry (kind %s) has no Locator.Node", e.Kind)
	}
}
