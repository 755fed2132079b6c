// Package samplebuilder fills every mem and io-internal node's sample
// buffer (spec.md §4.6): a fair, with-replacement sample of its whole
// subtree, built by recursively splitting the requested sample count
// across children in proportion to their subtree size
// (sampler.NextSampleSize) and drawing directly from buffers/leaf
// values wherever the split bottoms out. Grounded on
// original_source/rtree/sample_builder.h.
package samplebuilder

import (
	"fmt"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
)

// Builder is a node.Visitor that (re)builds sample buffers top-down.
// One Builder instance drives exactly one Run call: curSampleSize and
// sampleBuffer are scratch state threaded through the recursion, the
// direct port of sample_builder's same-named member fields.
type Builder struct {
	mgr           *block.Manager
	dims, keyW    int
	nodeSamples   int
	rng           sampler.RNG
	visitAll      bool
	curSampleSize int
	sampleBuffer  []geom.Point
}

// New returns a Builder that fills mem/io-internal nodes up to
// nodeSampleSize samples each. visitAll forces descent into every
// child regardless of whether that child currently needs any new
// samples — set it for a whole-tree (re)build; leave it false for an
// insert-time patch of just the ancestors that changed.
func New(mgr *block.Manager, dims, keyWidth, nodeSampleSize int, rng sampler.RNG, visitAll bool) *Builder {
	return &Builder{mgr: mgr, dims: dims, keyW: keyWidth, nodeSamples: nodeSampleSize, rng: rng, visitAll: visitAll}
}

// Run builds/refreshes samples for the subtree rooted at e.
func (b *Builder) Run(e *node.Entry) error {
	n, err := resolveNode(b.mgr, e)
	if err != nil {
		return err
	}
	return n.ApplyVisitor(b, e)
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
		return nil, fmt.Errorf("samplebuilder: mem node entry (kind %s) has no Locator.Node", e.Kind)
	}
}

func (b *Builder) VisitMemInternal(n *node.MemInternalNode, e *node.Entry) error {
	return b.buildSamples(&n.Samples, n.Children, nil, e, b.nodeSamples)
}

func (b *Builder) VisitMemLeaf(n *node.MemLeafNode, e *node.Entry) error {
	return b.buildSamples(&n.Samples, n.Children, &n.Buffer, e, b.nodeSamples)
}

func (b *Builder) VisitIOInternal(n *node.IOInternalNode, e *node.Entry) error {
	if e.Kind == node.IOInternal {
		if err := n.LoadChildrenAndBufferFromBlocks(b.mgr, e.Locator.BlockID, b.dims, b.keyW); err != nil {
			return err
		}
		if err := n.LoadSamplesFromBlocks(b.mgr, e.Locator.BlockID, b.dims); err != nil {
			return err
		}
	}
	full := n.SampleCapacity(b.mgr.BlockSize(), b.dims)
	if err := b.buildSamples(&n.Samples, n.Children, &n.Buffer, e, full); err != nil {
		return err
	}
	if e.Kind == node.IOInternal {
		return n.SaveSamplesToBlocks(b.mgr, e.Locator.BlockID, b.dims)
	}
	return nil
}

func (b *Builder) VisitIOLeaf(n *node.IOLeafNode, e *node.Entry) error {
	if b.curSampleSize == 0 {
		// Reached while visitAll walks a subtree nothing actually
		// needs samples from; nothing to draw.
		return nil
	}
	if e.Kind == node.IOLeaf {
		if err := n.LoadFromBlocks(b.mgr, e.Locator.BlockID, b.dims, int(e.SubtreeSize)); err != nil {
			return err
		}
	}
	b.sampleVectorAppend(n.Values, &b.sampleBuffer, b.curSampleSize)
	return nil
}

// buildSamples is the shared core of build_samples: split the demand
// for ancestors (b.curSampleSize, set by our caller before invoking
// us) and for this node's own full quota across children in
// proportion to subtree size, recursing into whichever children carry
// nonzero demand, then topping off from buffer (when non-nil) for
// whatever demand children couldn't supply (leaves and io-internal
// nodes have their own not-yet-flushed buffer; plain mem-internal
// nodes don't).
func (b *Builder) buildSamples(samples *[]geom.Point, children []node.Entry, buffer *[]geom.Point, e *node.Entry, fullSampleSize int) error {
	subtreeSizeLeft := e.SubtreeSize
	ancestorLeft := b.curSampleSize

	mySampleSizeLeft := 0
	if len(*samples) < fullSampleSize/2 {
		mySampleSizeLeft = fullSampleSize - len(*samples)
	}
	if ancestorLeft == 0 && mySampleSizeLeft == 0 {
		return nil
	}

	for i := range children {
		child := &children[i]
		subtreeSize := child.SubtreeSize
		if subtreeSize == 0 {
			continue
		}

		ss1 := sampler.NextSampleSize(ancestorLeft, int(subtreeSize), int(subtreeSizeLeft), b.rng)
		ancestorLeft -= ss1
		ss2 := sampler.NextSampleSize(mySampleSizeLeft, int(subtreeSize), int(subtreeSizeLeft), b.rng)
		mySampleSizeLeft -= ss2
		subtreeSizeLeft -= subtreeSize

		b.curSampleSize = ss1 + ss2
		if !b.visitAll && b.curSampleSize == 0 {
			continue
		}

		childNode, err := resolveNode(b.mgr, child)
		if err != nil {
			return err
		}
		if err := childNode.ApplyVisitor(b, child); err != nil {
			return err
		}

		if ss2 > 0 {
			if len(b.sampleBuffer) < ss2 {
				return fmt.Errorf("samplebuilder: child returned %d samples, wanted %d", len(b.sampleBuffer), ss2)
			}
			cut := len(b.sampleBuffer) - ss2
			*samples = append(*samples, b.sampleBuffer[cut:]...)
			b.sampleBuffer = b.sampleBuffer[:cut]
		}
	}

	if buffer != nil {
		b.sampleVectorAppend(*buffer, &b.sampleBuffer, ancestorLeft)
		b.sampleVectorAppend(*buffer, samples, mySampleSizeLeft)
	}

	shufflePoints(*samples, b.rng)
	return nil
}

// sampleVectorAppend draws sampleSize points with replacement from
// src and appends them to *dest.
func (b *Builder) sampleVectorAppend(src []geom.Point, dest *[]geom.Point, sampleSize int) {
	if sampleSize == 0 {
		return
	}
	for i := 0; i < sampleSize; i++ {
		*dest = append(*dest, src[b.rng.Intn(len(src))])
	}
}

func shufflePoints(pts []geom.Point, rng sampler.RNG) {
	for i := len(pts) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		pts[i], pts[j] = pts[j], pts[i]
	}
}
