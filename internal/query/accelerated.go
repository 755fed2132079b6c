package query

import (
	"container/list"
	"context"
	"math"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/metrics"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
)

// frontierEntry is one element of the accelerated cursor's maintained
// frontier: a tree entry that might still yield samples, plus how many
// of its own precomputed sample-buffer slots this cursor has already
// consumed. sampleUsed persists across rounds so repeated visits to
// the same entry continue draining its buffer instead of restarting.
type frontierEntry struct {
	entry      node.Entry
	sampleUsed int
}

// Accelerated is the core sample cursor (spec.md §4.9): instead of
// decomposing the whole tree up front like NaiveSample, it keeps a
// frontier of not-yet-exhausted entries and draws from each entry's own
// precomputed sample buffer before ever descending into its children.
// Ported from sample_query_cursor.
type Accelerated struct {
	mgr   *block.Manager
	dims  int
	keyW  int
	query geom.Box
	rng   sampler.RNG
	mtr   *metrics.Registry

	nodes  *list.List // of *frontierEntry
	values []geom.Point
	count  uint64
	buffer []geom.Point
}

// NewAccelerated returns a cursor rooted at root. No descent happens
// until GetSamples or EstimateCount is called.
func NewAccelerated(mgr *block.Manager, dims, keyWidth int, query geom.Box, rng sampler.RNG, m *metrics.Registry, root node.Entry) *Accelerated {
	c := &Accelerated{mgr: mgr, dims: dims, keyW: keyWidth, query: query, rng: rng, mtr: m, nodes: list.New()}
	c.nodes.PushBack(&frontierEntry{entry: root})
	c.count = root.SubtreeSize
	return c
}

// GetSamples draws up to sampleSize elements uniformly with
// replacement, batching descents so that each round requests
// max(sampleSize, 4*|frontier|) draws (draws that fall outside the
// query box are dropped) before shuffling and draining.
func (c *Accelerated) GetSamples(ctx context.Context, sampleSize int) ([]geom.Point, error) {
	var out []geom.Point
	for sampleSize > 0 {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		if len(c.buffer) == 0 {
			for len(c.buffer) == 0 {
				if c.count == 0 {
					return out, nil
				}
				want := sampleSize
				if need := c.nodes.Len() * 4; need > want {
					want = need
				}
				if err := c.fillBuffer(want); err != nil {
					return out, err
				}
			}
			shufflePoints(c.buffer, c.rng)
		}
		for sampleSize > 0 && len(c.buffer) > 0 {
			last := len(c.buffer) - 1
			out = append(out, c.buffer[last])
			c.buffer = c.buffer[:last]
			sampleSize--
		}
	}
	return out, nil
}

func shufflePoints(pts []geom.Point, rng sampler.RNG) {
	for i := len(pts) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		pts[i], pts[j] = pts[j], pts[i]
	}
}

// fillBuffer draws up to `want` elements into c.buffer from the
// current values+frontier, splitting the draw proportionally between
// already-resolved boundary values and the frontier.
func (c *Accelerated) fillBuffer(want int) error {
	if c.count == 0 {
		return nil
	}
	curCount := c.count
	fromValues := sampler.NextSampleSize(want, len(c.values), int(curCount), c.rng)
	if fromValues > 0 {
		c.buffer = sampleWithReplacement(c.buffer, c.values, fromValues, c.rng)
	}
	remaining := want - fromValues
	if remaining > 0 {
		subtreeSize := curCount - uint64(len(c.values))
		if err := c.sampleFromEntries(c.nodes.Front(), nil, subtreeSize, remaining); err != nil {
			return err
		}
	}
	return nil
}

func sampleWithReplacement(out []geom.Point, values []geom.Point, n int, rng sampler.RNG) []geom.Point {
	for i := 0; i < n; i++ {
		out = append(out, values[rng.Intn(len(values))])
	}
	return out
}

// sampleFromEntries walks the frontier segment [first, last) (last ==
// nil means "to the end of the list"), drawing a binomial-split share
// of sampleSize from each entry and splicing any entry that still has
// leftover demand into its children in place. subtreeSize is the
// combined weight of the ORIGINAL sibling range and, deliberately, is
// not recomputed when descending into a node's own children — the
// same value is threaded through the recursive call below, mirroring
// sample_query_cursor::sample_from_entries exactly.
func (c *Accelerated) sampleFromEntries(first, last *list.Element, subtreeSize uint64, sampleSize int) error {
	iter := first
	for iter != last && sampleSize > 0 {
		doIncrement := true
		fe := iter.Value.(*frontierEntry)
		s := sampler.NextSampleSize(sampleSize, int(fe.entry.SubtreeSize), int(subtreeSize), c.rng)
		if s > 0 {
			result, err := c.applyEntry(fe, s)
			if err != nil {
				return err
			}
			switch {
			case result.sampleSizeFromChildren > 0:
				next := iter.Next()
				c.nodes.Remove(iter)
				doIncrement = false
				if len(result.childrenList) > 0 {
					firstChild := c.insertBefore(&frontierEntry{entry: result.childrenList[0]}, next)
					for _, ch := range result.childrenList[1:] {
						c.insertBefore(&frontierEntry{entry: ch}, next)
					}
					if err := c.sampleFromEntries(firstChild, next, subtreeSize, result.sampleSizeFromChildren); err != nil {
						return err
					}
				}
				iter = next
			case fe.entry.Kind == node.IOLeaf || fe.entry.Kind == node.LoadedIOLeaf:
				next := iter.Next()
				c.nodes.Remove(iter)
				doIncrement = false
				iter = next
			}
			sampleSize -= s
		}
		if iter != last && iter != nil {
			ife := iter.Value.(*frontierEntry)
			subtreeSize -= ife.entry.SubtreeSize
		}
		if doIncrement {
			iter = iter.Next()
		}
	}
	return nil
}

// insertBefore inserts v before the element next, or at the back of
// the list if next is nil (meaning "end of list").
func (c *Accelerated) insertBefore(v *frontierEntry, next *list.Element) *list.Element {
	if next == nil {
		return c.nodes.PushBack(v)
	}
	return c.nodes.InsertBefore(v, next)
}

type accelResult struct {
	sampleSizeFromChildren int
	childrenList           []node.Entry
}

func (c *Accelerated) applyEntry(fe *frontierEntry, s int) (accelResult, error) {
	n, err := resolveNode(c.mgr, &fe.entry)
	if err != nil {
		return accelResult{}, err
	}
	v := &accelVisitor{c: c, fe: fe, sampleSize: s}
	if err := n.ApplyVisitor(v, &fe.entry); err != nil {
		return accelResult{}, err
	}
	return v.result, nil
}

type accelVisitor struct {
	c          *Accelerated
	fe         *frontierEntry
	sampleSize int
	result     accelResult
}

func (v *accelVisitor) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	leftover := v.c.getSamplesFromNode(n.Samples, v.fe, e, v.sampleSize)
	v.result.sampleSizeFromChildren = leftover
	if leftover > 0 {
		v.result.childrenList = v.c.prepareChildrenList(n.Children, e)
	}
	return nil
}

func (v *accelVisitor) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	leftover := v.c.getSamplesFromNode(n.Samples, v.fe, e, v.sampleSize)
	v.result.sampleSizeFromChildren = leftover
	if leftover > 0 {
		v.result.childrenList = v.c.prepareChildrenList(n.Children, e)
	}
	return nil
}

func (v *accelVisitor) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	if e.Locator.Node == nil && len(n.Samples) == 0 {
		if err := n.LoadSamplesFromBlocks(v.c.mgr, e.Locator.BlockID, v.c.dims); err != nil {
			return err
		}
	}
	leftover := v.c.getSamplesFromNode(n.Samples, v.fe, e, v.sampleSize)
	v.result.sampleSizeFromChildren = leftover
	if leftover > 0 {
		if e.Locator.Node == nil && len(n.Children) == 0 {
			if err := n.LoadChildrenAndBufferFromBlocks(v.c.mgr, e.Locator.BlockID, v.c.dims, v.c.keyW); err != nil {
				return err
			}
		}
		v.result.childrenList = v.c.prepareChildrenList(n.Children, e)
	}
	return nil
}

func (v *accelVisitor) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	if e.Locator.Node == nil {
		if err := n.LoadFromBlocks(v.c.mgr, e.Locator.BlockID, v.c.dims, int(e.SubtreeSize)); err != nil {
			return err
		}
	}
	start := len(v.c.values)
	for _, p := range n.Values {
		if v.c.query.Contains(p) {
			v.c.values = append(v.c.values, p)
		}
	}
	countInRange := len(v.c.values) - start
	v.c.count -= e.SubtreeSize
	v.c.count += uint64(countInRange)
	s := sampler.NextSampleSize(v.sampleSize, countInRange, int(e.SubtreeSize), v.c.rng)
	v.c.buffer = sampleWithReplacement(v.c.buffer, v.c.values[start:], s, v.c.rng)
	v.result.sampleSizeFromChildren = 0
	return nil
}

func (c *Accelerated) getSamplesFromNode(samples []geom.Point, fe *frontierEntry, e *node.Entry, sampleSize int) int {
	avail := len(samples) - fe.sampleUsed
	s := sampleSize
	if avail < s {
		s = avail
	}
	if s < 0 {
		s = 0
	}
	start := fe.sampleUsed
	fullyCovered := e.BBox.CoveredBy(c.query)
	for i := 0; i < s; i++ {
		p := samples[start+i]
		if fullyCovered || c.query.Contains(p) {
			c.buffer = append(c.buffer, p)
		}
	}
	fe.sampleUsed += s
	return sampleSize - s
}

func (c *Accelerated) prepareChildrenList(children []node.Entry, e *node.Entry) []node.Entry {
	c.count -= e.SubtreeSize
	var out []node.Entry
	for _, ch := range children {
		if ch.BBox.Intersects(c.query) {
			out = append(out, ch)
			c.count += ch.SubtreeSize
		}
	}
	return out
}

// EstimateCount returns an approximate size (and its standard
// deviation) of the ground set this cursor's root entry covers inside
// the query box, without forcing IO for nodes not already resident.
func (c *Accelerated) EstimateCount() (uint64, float64) {
	var total, variance float64
	for e := c.nodes.Front(); e != nil; e = e.Next() {
		fe := e.Value.(*frontierEntry)
		t, v := c.estimateEntry(&fe.entry)
		total += t
		variance += v
	}
	total += float64(len(c.values))
	if total < 0 {
		total = 0
	}
	return uint64(math.Round(total)), math.Sqrt(variance)
}

func (c *Accelerated) estimateEntry(e *node.Entry) (float64, float64) {
	if e.BBox.CoveredBy(c.query) {
		return float64(e.SubtreeSize), 0
	}
	if e.Locator.Node == nil {
		// Not resident; a cheap wild guess rather than forcing IO.
		size := float64(e.SubtreeSize)
		return size / 2, size * size / 4
	}
	switch n := e.Locator.Node.(type) {
	case *node.MemInternalNode:
		return c.estimateFromSamples(e, n.Samples)
	case *node.MemLeafNode:
		return c.estimateFromSamples(e, n.Samples)
	case *node.IOInternalNode:
		if len(n.Samples) == 0 {
			size := float64(e.SubtreeSize)
			return size / 2, size * size / 4
		}
		return c.estimateFromSamples(e, n.Samples)
	case *node.IOLeafNode:
		count := 0
		for _, p := range n.Values {
			if c.query.Contains(p) {
				count++
			}
		}
		return float64(count), 0
	}
	size := float64(e.SubtreeSize)
	return size / 2, size * size / 4
}

func (c *Accelerated) estimateFromSamples(e *node.Entry, samples []geom.Point) (float64, float64) {
	if len(samples) == 0 {
		size := float64(e.SubtreeSize)
		return size / 2, size * size / 4
	}
	covered := 0
	for _, p := range samples {
		if c.query.Contains(p) {
			covered++
		}
	}
	size := float64(e.SubtreeSize)
	n := float64(len(samples))
	contribution := size / n * float64(covered)
	variance := size * size / n
	return contribution, variance
}
