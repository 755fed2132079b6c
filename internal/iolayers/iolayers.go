// Package iolayers builds the disk-resident layers of the tree (spec.md
// §4.4): leaves first, packed from Hilbert-sorted input, then
// internal layers recursively packed over the previous layer's
// entries, stopping once the top layer is small enough to rebuild the
// in-memory layers over on every open. Grounded on
// original_source/rtree/io_layers.h and io_layers_impl.h.
package iolayers

import (
	"context"
	"encoding/binary"
	"math"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/rerr"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
	"github.com/InitialDLab/samplingrtree/internal/sortdrv"
)

// Parameters controls leaf fill and internal-layer shape, matching
// IOLayersParameters in the original.
type Parameters struct {
	FillRatio              float64
	BlockSize              int
	MaxTopLayerIONodeCount int
	CachedBlocks           int
	// Concurrency bounds how many blocks a single layer build writes
	// at once; block.Manager is internally mutex-guarded so this is
	// safe to raise, but too high a value just contends on that one
	// lock.
	Concurrency int
}

// DefaultParameters mirrors the original's field defaults.
func DefaultParameters() Parameters {
	return Parameters{
		FillRatio:              0.7,
		BlockSize:              8192,
		MaxTopLayerIONodeCount: 1024,
		CachedBlocks:           4096,
		Concurrency:            8,
	}
}

// Builder packs sorted input into disk-resident leaf and internal
// layers against a block manager.
type Builder struct {
	mgr    *block.Manager
	dims   int
	keyW   int
	params Parameters
}

// NewBuilder returns a Builder writing through mgr.
func NewBuilder(mgr *block.Manager, dims, keyWidth int, params Parameters) *Builder {
	return &Builder{mgr: mgr, dims: dims, keyW: keyWidth, params: params}
}

// GetTopLayerNodeCount predicts how many top-layer entries a build
// over elementCount points will produce, without doing the build.
func GetTopLayerNodeCount(elementCount int, params Parameters, dims int) int {
	leafCap := (&node.IOLeafNode{}).Capacity(params.BlockSize, dims)
	maxLeafSize := int(float64(leafCap) * params.FillRatio)
	if maxLeafSize < 1 {
		maxLeafSize = 1
	}
	elementCount = (elementCount-1)/maxLeafSize + 1
	for elementCount > params.MaxTopLayerIONodeCount {
		elementCount = (elementCount-1)/node.MaxIOFanout + 1
	}
	return elementCount
}

// Build consumes a Hilbert-sorted stream and returns the resulting top
// layer. Input must already be sorted by sortdrv.Record.Key; a typical
// caller runs it through a sortdrv.Sorter first.
func (b *Builder) Build(ctx context.Context, sorted <-chan sortdrv.Record) ([]node.Entry, error) {
	var records []sortdrv.Record
	for r := range sorted {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		records = append(records, r)
	}

	layer, err := b.buildLeaves(ctx, records)
	if err != nil {
		return nil, err
	}
	for len(layer) > b.params.MaxTopLayerIONodeCount {
		layer, err = b.buildInternal(ctx, layer)
		if err != nil {
			return nil, err
		}
	}
	return layer, nil
}

type leafSpec struct {
	start, size int
	minKey      geom.Key
	bbox        geom.Box
}

func (b *Builder) buildLeaves(ctx context.Context, records []sortdrv.Record) ([]node.Entry, error) {
	leafCap := (&node.IOLeafNode{}).Capacity(b.params.BlockSize, b.dims)
	minLeafSize := int(float64(leafCap) * 0.5)
	maxLeafSize := int(float64(leafCap) * b.params.FillRatio)
	if minLeafSize < 1 {
		minLeafSize = 1
	}
	if maxLeafSize < minLeafSize {
		maxLeafSize = minLeafSize
	}

	var specs []leafSpec
	elementLeft := len(records)
	idx := 0
	for elementLeft > 0 {
		size := sampler.NextFanout(elementLeft, minLeafSize, maxLeafSize)
		elementLeft -= size
		bbox := geom.EmptyBox(b.dims)
		for i := 0; i < size; i++ {
			bbox.ExpandPoint(records[idx+i].Point)
		}
		specs = append(specs, leafSpec{start: idx, size: size, minKey: records[idx].Key, bbox: bbox})
		idx += size
	}

	entries := make([]node.Entry, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency())
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			values := make([]geom.Point, spec.size)
			for j := 0; j < spec.size; j++ {
				values[j] = records[spec.start+j].Point
			}
			leaf := &node.IOLeafNode{Values: values}
			bid, err := node.AllocateIOLeafBlock(b.mgr)
			if err != nil {
				return err
			}
			if err := leaf.SaveToBlocks(b.mgr, bid, b.dims); err != nil {
				return err
			}
			entries[i] = node.Entry{
				Kind:        node.IOLeaf,
				BBox:        spec.bbox,
				SubtreeSize: uint64(spec.size),
				MinKey:      spec.minKey,
				Locator:     node.Locator{BlockID: bid},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *Builder) buildInternal(ctx context.Context, children []node.Entry) ([]node.Entry, error) {
	minFanout := node.MinIOFanout
	maxFanout := node.MaxIOFanout

	type group struct {
		start, count int
	}
	var groups []group
	elementLeft := len(children)
	idx := 0
	for elementLeft > 0 {
		count := sampler.NextFanout(elementLeft, minFanout, maxFanout)
		elementLeft -= count
		groups = append(groups, group{start: idx, count: count})
		idx += count
	}

	entries := make([]node.Entry, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency())
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			kids := append([]node.Entry(nil), children[grp.start:grp.start+grp.count]...)
			bbox := geom.EmptyBox(b.dims)
			var subtreeSize uint64
			minKey := kids[0].MinKey
			for _, ch := range kids {
				bbox.Expand(ch.BBox)
				subtreeSize += ch.SubtreeSize
				if ch.MinKey.Less(minKey) {
					minKey = ch.MinKey
				}
			}
			internal := &node.IOInternalNode{Children: kids}
			first, err := node.AllocateIOInternalBlocks(b.mgr)
			if err != nil {
				return err
			}
			// No samples yet; the sample builder fills them in later,
			// against the whole completed tree.
			if err := internal.SaveSamplesToBlocks(b.mgr, first, b.dims); err != nil {
				return err
			}
			if err := internal.SaveChildrenAndBufferToBlocks(b.mgr, first, b.dims, b.keyW); err != nil {
				return err
			}
			entries[i] = node.Entry{
				Kind:        node.IOInternal,
				BBox:        bbox,
				SubtreeSize: subtreeSize,
				MinKey:      minKey,
				Locator:     node.Locator{BlockID: first},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *Builder) concurrency() int {
	if b.params.Concurrency > 0 {
		return b.params.Concurrency
	}
	return 1
}

const sidecarHeaderSize = 8 * 5 // fill_ratio + block_size + max_top + cached_blocks + top_layer count

// SaveSidecar persists params and the top layer to the file at path
// (the tree passes its own path plus ".iolayers"), the metadata a
// later Load needs without re-running the build.
func SaveSidecar(path string, params Parameters, topLayer []node.Entry, dims, keyWidth int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, sidecarHeaderSize)
	binary.LittleEndian.PutUint64(hdr[0:8], math.Float64bits(params.FillRatio))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(params.BlockSize))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(params.MaxTopLayerIONodeCount))
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(params.CachedBlocks))
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(len(topLayer)))
	if _, err := f.Write(hdr); err != nil {
		return err
	}

	entrySize := node.EntrySize(dims, keyWidth)
	buf := make([]byte, entrySize)
	for _, e := range topLayer {
		e.Encode(buf, dims, keyWidth)
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// LoadSidecar reads back what SaveSidecar wrote.
func LoadSidecar(path string, dims, keyWidth int) (Parameters, []node.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, nil, err
	}
	if len(data) < sidecarHeaderSize {
		return Parameters{}, nil, rerr.ErrCorrupted
	}
	var params Parameters
	params.FillRatio = math.Float64frombits(binary.LittleEndian.Uint64(data[0:8]))
	params.BlockSize = int(binary.LittleEndian.Uint64(data[8:16]))
	params.MaxTopLayerIONodeCount = int(binary.LittleEndian.Uint64(data[16:24]))
	params.CachedBlocks = int(binary.LittleEndian.Uint64(data[24:32]))
	count := binary.LittleEndian.Uint64(data[32:40])

	off := sidecarHeaderSize
	entrySize := node.EntrySize(dims, keyWidth)
	entries := make([]node.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		if off+entrySize > len(data) {
			return Parameters{}, nil, rerr.ErrCorrupted
		}
		e, n := node.Decode(data[off:], dims, keyWidth)
		entries = append(entries, e)
		off += n
	}
	return params, entries, nil
}
