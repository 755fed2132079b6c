// Package rtree is the top-level tree: it owns the block manager, the
// in-memory layer rooted at root, and the membership/metrics
// accelerators, and wires the mutate/query/samplebuilder/memlayer
// packages into one open/close/insert/erase/find/query API. Grounded
// on original_source/rtree/rtree_impl.h (constructor/destructor,
// insert/erase delegation).
package rtree

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/config"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/hilbert"
	"github.com/InitialDLab/samplingrtree/internal/iolayers"
	"github.com/InitialDLab/samplingrtree/internal/membership"
	"github.com/InitialDLab/samplingrtree/internal/memlayer"
	"github.com/InitialDLab/samplingrtree/internal/metrics"
	"github.com/InitialDLab/samplingrtree/internal/mutate"
	"github.com/InitialDLab/samplingrtree/internal/node"
	"github.com/InitialDLab/samplingrtree/internal/query"
	"github.com/InitialDLab/samplingrtree/internal/rerr"
	"github.com/InitialDLab/samplingrtree/internal/sampler"
	"github.com/InitialDLab/samplingrtree/internal/samplebuilder"
	"github.com/InitialDLab/samplingrtree/internal/sortdrv"
)

const (
	memNodesSuffix = ".memnodes"
	ioLayersSuffix = ".iolayers"
)

// Options configures Open/Create beyond what lives in config.Tree:
// things about how THIS process wants to run against the tree, rather
// than the tree's own persisted shape.
type Options struct {
	// Bbox bounds the coordinate space the Hilbert computer
	// quantizes into keys. Required.
	Bbox geom.Box

	// HilbertBits is the per-coordinate precision passed to
	// hilbert.NewStandard; 0 uses its default (16).
	HilbertBits int

	// InMemory loads the whole mem+IO layer into RAM on open,
	// equivalent to an unbounded memlayer.Loader pass. Takes
	// precedence over MemoryBudgetBytes.
	InMemory bool

	// MemoryBudgetBytes bounds how much of the IO layer a
	// memlayer.Loader promotes into RAM on open. Ignored if InMemory.
	MemoryBudgetBytes int64

	// LoadMemNodes restores the in-memory layer from the ".memnodes"
	// sidecar instead of rebuilding it from the IO top layer. The
	// sidecar must have been written by a prior SaveMemNodes call.
	LoadMemNodes bool

	// Metrics, if non-nil, registers this tree's counters/gauges
	// against reg. Left nil, every metrics call is a no-op.
	Metrics prometheus.Registerer

	// Seed seeds the tree's RNG (sample replacement, sample draws,
	// node_loader shuffling). Zero uses the current time.
	Seed int64
}

// Tree is one open sampling R-tree: a block manager, the mem-resident
// layer rooted at root, and the membership filter/metrics sitting
// alongside it. Not safe for concurrent use without external
// synchronization beyond what's documented per method.
type Tree struct {
	mu sync.Mutex

	path string
	cfg  config.Tree

	mgr      *block.Manager
	hvc      hilbert.Computer
	keyWidth int
	rng      *rand.Rand
	member   *membership.Filter
	metrics  *metrics.Registry
	log      *logrus.Entry

	root node.Entry
	size uint64
}

func newComputerAndLog(path string, cfg config.Tree, opts Options) (hilbert.Computer, *logrus.Entry) {
	hvc := hilbert.NewStandard(cfg.Dims, opts.Bbox, opts.HilbertBits)
	log := logrus.WithFields(logrus.Fields{"component": "rtree", "path": path})
	return hvc, log
}

func seedOrNow(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return time.Now().UnixNano()
}

// Create bulk-builds a brand-new tree at path from sorted, packing the
// IO layers first (iolayers.Builder), then the mem layer over the
// resulting top layer (memlayer.Build), then (if cfg.SampleSize > 0)
// a whole-tree sample pass, mirroring rtree_impl.h's constructor when
// load_mem_nodes is false. elementCount is used only to size the
// membership filter and predict the top-layer shape; it need not be
// exact.
func Create(ctx context.Context, path string, cfg config.Tree, opts Options, elementCount int, sorted <-chan sortdrv.Record) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr, err := block.Create(path, cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("rtree: create %s: %w: %w", path, err, rerr.ErrIoError)
	}

	hvc, log := newComputerAndLog(path, cfg, opts)
	keyWidth := hvc.Width()

	ioParams := iolayers.DefaultParameters()
	ioParams.FillRatio = cfg.FillRatio
	ioParams.BlockSize = cfg.BlockSize
	ioParams.CachedBlocks = cfg.CachedBlocks
	builder := iolayers.NewBuilder(mgr, cfg.Dims, keyWidth, ioParams)
	topLayer, err := builder.Build(ctx, sorted)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("rtree: building io layers: %w", err)
	}
	if err := iolayers.SaveSidecar(path+ioLayersSuffix, ioParams, topLayer, cfg.Dims, keyWidth); err != nil {
		mgr.Close()
		return nil, fmt.Errorf("rtree: saving io layer sidecar: %w", err)
	}

	root := memlayer.Build(topLayer, cfg.Dims, cfg.MemFanoutMin, cfg.MemFanoutMax)

	rng := rand.New(rand.NewSource(seedOrNow(opts.Seed)))
	var reg *metrics.Registry
	if opts.Metrics != nil {
		reg = metrics.NewRegistry(opts.Metrics)
	}

	if cfg.SampleSize > 0 {
		sb := samplebuilder.New(mgr, cfg.Dims, keyWidth, cfg.SampleSize, sampler.NewRand(rng.Int63()), true)
		if err := sb.Run(&root); err != nil {
			mgr.Close()
			return nil, fmt.Errorf("rtree: building samples: %w", err)
		}
	}

	member := membership.New(uint(elementCount), cfg.BloomFalsePositiveRate, cfg.StaleErasesBeforeFallback)
	present, err := query.NewRangeReport(mgr, cfg.Dims, keyWidth, root.BBox, nil).Run(ctx, root)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("rtree: filling membership filter: %w", err)
	}
	for _, p := range present {
		member.Add(p.ID)
	}

	t := &Tree{
		path: path, cfg: cfg,
		mgr: mgr, hvc: hvc, keyWidth: keyWidth, rng: rng,
		member: member, metrics: reg, log: log,
		root: root, size: root.SubtreeSize,
	}
	reg.SetTreeSize(t.size)
	log.WithField("size", t.size).Info("tree built")
	return t, nil
}

// Open restores a tree previously built with Create (and possibly
// closed with a SaveMemNodes call in between). If opts.LoadMemNodes is
// false, or the ".memnodes" sidecar is missing, the in-memory layer is
// rebuilt from the IO top layer instead — slower, but always correct,
// matching rtree_impl.h's load_mem_nodes branch.
func Open(path string, cfg config.Tree, opts Options) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var mgr *block.Manager
	var err error
	if opts.InMemory {
		mgr, err = block.LoadStatic(path)
	} else {
		mgr, err = block.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("rtree: open %s: %w: %w", path, err, rerr.ErrIoError)
	}

	hvc, log := newComputerAndLog(path, cfg, opts)
	keyWidth := hvc.Width()

	_, topLayer, err := iolayers.LoadSidecar(path+ioLayersSuffix, cfg.Dims, keyWidth)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("rtree: loading io layer sidecar: %w", err)
	}

	var root node.Entry
	if opts.LoadMemNodes {
		root, err = memlayer.LoadMemNodes(path+memNodesSuffix, cfg.Dims, keyWidth)
	}
	if !opts.LoadMemNodes || err != nil {
		root = memlayer.Build(topLayer, cfg.Dims, cfg.MemFanoutMin, cfg.MemFanoutMax)
	}

	rng := rand.New(rand.NewSource(seedOrNow(opts.Seed)))
	var reg *metrics.Registry
	if opts.Metrics != nil {
		reg = metrics.NewRegistry(opts.Metrics)
	}

	if opts.InMemory || opts.MemoryBudgetBytes > 0 {
		loader := memlayer.NewLoader(mgr, cfg.Dims, keyWidth, opts.InMemory, opts.MemoryBudgetBytes, rng)
		if err := loader.Run(&root); err != nil {
			mgr.Close()
			return nil, fmt.Errorf("rtree: preloading blocks: %w", err)
		}
	}

	member := membership.New(uint(root.SubtreeSize), cfg.BloomFalsePositiveRate, cfg.StaleErasesBeforeFallback)
	present, err := query.NewRangeReport(mgr, cfg.Dims, keyWidth, root.BBox, nil).Run(context.Background(), root)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("rtree: filling membership filter: %w", err)
	}
	for _, p := range present {
		member.Add(p.ID)
	}

	t := &Tree{
		path: path, cfg: cfg,
		mgr: mgr, hvc: hvc, keyWidth: keyWidth, rng: rng,
		member: member, metrics: reg, log: log,
		root: root, size: root.SubtreeSize,
	}
	reg.SetTreeSize(t.size)
	log.WithField("size", t.size).Info("tree opened")
	return t, nil
}

// SaveMemNodes persists the current in-memory layer to the
// ".memnodes" sidecar, so a later Open with LoadMemNodes can restore
// it instead of rebuilding from the IO top layer. Not called
// automatically by Close — matching rtree_impl.h, which exposes this
// as a separate method from its destructor.
func (t *Tree) SaveMemNodes() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return memlayer.SaveMemNodes(t.path+memNodesSuffix, t.root, t.cfg.Dims, t.keyWidth)
}

// Close breaks the in-memory layer's node references (memlayer.Clean,
// matching the original destructor's mem_node_cleaner pass) and
// closes the block manager, flushing its metadata. It does not save
// the in-memory layer; call SaveMemNodes first if that's wanted.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	memlayer.Clean(&t.root)
	return t.mgr.Close()
}

// Insert adds value to the tree, updating samples along the insertion
// path and, if the root itself splits, synthesizing a fresh
// mem-internal root over the old root plus its new siblings — exactly
// rtree_impl.h::insert's new-root branch, followed by a
// visitAll=false sample pass starting at the new root so the freshly
// created top level gets its own samples.
func (t *Tree) Insert(value geom.Point) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mcfg := t.mutateConfig()
	newEntries, err := mutate.Insert(mcfg, &t.root, value)
	if err != nil {
		return fmt.Errorf("rtree: insert: %w", err)
	}
	t.member.Add(value.ID)
	t.size++
	t.metrics.SetTreeSize(t.size)

	if len(newEntries) == 0 {
		return nil
	}

	children := make([]node.Entry, 0, len(newEntries)+1)
	children = append(children, t.root)
	children = append(children, newEntries...)
	newRoot := &node.MemInternalNode{Children: children}
	rebuilt := node.Entry{Kind: node.MemInternal, BBox: geom.EmptyBox(t.cfg.Dims), Locator: node.Locator{Node: newRoot}}
	for _, c := range children {
		rebuilt.BBox.Expand(c.BBox)
		rebuilt.SubtreeSize += c.SubtreeSize
	}
	if len(children) > 0 {
		rebuilt.MinKey = children[0].MinKey
	}
	t.root = rebuilt

	if t.cfg.SampleSize > 0 {
		sb := samplebuilder.New(t.mgr, t.cfg.Dims, t.keyWidth, t.cfg.SampleSize, sampler.NewRand(t.rng.Int63()), false)
		if err := sb.Run(&t.root); err != nil {
			return fmt.Errorf("rtree: resampling new root: %w", err)
		}
	}
	return nil
}

// Erase removes value, reporting whether it was present. A negative
// membership-filter test short-circuits without touching the tree at
// all; a positive (or stale) test always falls through to a real
// descent, since the filter can never be sure.
func (t *Tree) Erase(value geom.Point) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.member.MaybeContains(value.ID) {
		return false, nil
	}
	mcfg := t.mutateConfig()
	erased, err := mutate.Erase(mcfg, &t.root, value)
	if err != nil {
		return false, fmt.Errorf("rtree: erase: %w", err)
	}
	if erased {
		t.member.Remove(value.ID)
		t.size--
		t.metrics.SetTreeSize(t.size)
	}
	return erased, nil
}

// Find reports whether value is present, using the same
// membership-filter short-circuit as Erase.
func (t *Tree) Find(value geom.Point) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.member.MaybeContains(value.ID) {
		return false, nil
	}
	mcfg := t.mutateConfig()
	return mutate.Find(mcfg, &t.root, value)
}

func (t *Tree) mutateConfig() mutate.Config {
	return mutate.Config{
		Mgr:        t.mgr,
		Dims:       t.cfg.Dims,
		KeyWidth:   t.keyWidth,
		MinFanout:  t.cfg.MemFanoutMin,
		MaxFanout:  t.cfg.MemFanoutMax,
		SampleSize: t.cfg.SampleSize,
		HVC:        t.hvc,
		RNG:        sampler.NewRand(t.rng.Int63()),
	}
}

// RangeReport returns every point covered by q.
func (t *Tree) RangeReport(ctx context.Context, q geom.Box) ([]geom.Point, error) {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()

	r := query.NewRangeReport(t.mgr, t.cfg.Dims, t.keyWidth, q, t.metrics)
	return r.Run(ctx, root)
}

// NaiveSample returns sampleSize elements drawn uniformly with
// replacement from the points covered by q, using the baseline
// decompose-then-draw cursor (spec.md §4.8).
func (t *Tree) NaiveSample(ctx context.Context, q geom.Box, sampleSize int) ([]geom.Point, uint64, error) {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()

	c, err := query.NewNaiveSample(ctx, t.mgr, t.cfg.Dims, t.keyWidth, q, t.rngFor(), t.metrics, root)
	if err != nil {
		return nil, 0, err
	}
	return c.GetSamples(sampleSize), c.Count(), nil
}

// Sample returns an accelerated frontier cursor (spec.md §4.9) over
// the points covered by q; its GetSamples draws uniformly with
// replacement. The returned *query.Accelerated can be reused for
// further GetSamples/EstimateCount calls against the same query box
// without re-walking already-visited frontier entries.
func (t *Tree) Sample(q geom.Box) *query.Accelerated {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()

	return query.NewAccelerated(t.mgr, t.cfg.Dims, t.keyWidth, q, t.rngFor(), t.metrics, root)
}

func (t *Tree) rngFor() sampler.RNG {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sampler.NewRand(t.rng.Int63())
}

// Stats reports the tree's current element count and the block
// manager's cumulative IO cost.
type Stats struct {
	Size       uint64
	BlockReads uint64
	BlockWrite uint64
}

// Stats returns a snapshot of the tree's size and IO counters.
func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.mgr.Stats()
	return Stats{Size: t.size, BlockReads: s.Reads, BlockWrite: s.Writes}
}

// Dims returns the tree's configured dimensionality.
func (t *Tree) Dims() int { return t.cfg.Dims }

// KeyWidth returns the Hilbert key width this tree's computer produces.
func (t *Tree) KeyWidth() int { return t.keyWidth }
