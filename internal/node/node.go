// Package node defines the tree's four node kinds (mem-internal,
// mem-leaf, io-internal, io-leaf) behind one tagged Entry and a closed
// Node/Visitor double-dispatch pair, the Go analogue of the tagged sum
// + apply_visitor pattern this tree's on-disk format is built around.
// A single Node interface method plus a four-method Visitor interface
// stands in for C++ virtual dispatch: adding a fifth visitor (as each
// of the query/mutate packages does) cannot forget an arm, since a
// missing method fails to compile.
package node

import (
	"encoding/binary"
	"fmt"

	"github.com/InitialDLab/samplingrtree/internal/block"
	"github.com/InitialDLab/samplingrtree/internal/codec"
	"github.com/InitialDLab/samplingrtree/internal/geom"
)

// Kind tags which concrete node an Entry's Locator resolves to.
type Kind byte

const (
	MemInternal Kind = iota
	MemLeaf
	IOInternal
	IOLeaf
	// LoadedIOInternal/LoadedIOLeaf mark an IO node that has already
	// been promoted into the in-memory layer (§5 of SPEC_FULL.md):
	// same on-disk shape, but the Locator's Node field, not BlockID,
	// is authoritative.
	LoadedIOInternal
	LoadedIOLeaf
)

func (k Kind) IsLeaf() bool   { return k&1 != 0 }
func (k Kind) IsIO() bool     { return k&2 != 0 }
func (k Kind) IsLoaded() bool { return k&4 != 0 }

func (k Kind) String() string {
	switch k {
	case MemInternal:
		return "mem-internal"
	case MemLeaf:
		return "mem-leaf"
	case IOInternal:
		return "io-internal"
	case IOLeaf:
		return "io-leaf"
	case LoadedIOInternal:
		return "loaded-io-internal"
	case LoadedIOLeaf:
		return "loaded-io-leaf"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// MaxIOFanout and MinIOFanout bound io-internal node fan-out
// (spec.md §3's F_IO_max/F_IO_min defaults).
const (
	MaxIOFanout = 16
	MinIOFanout = 4
)

// Locator resolves an Entry to its node: exactly one of BlockID (a
// disk-resident node) or Node (an in-memory-resident node) is
// meaningful at a time, decided by the owning Entry's Kind — Go has no
// sum type, so Kind is the single source of truth an implementation
// must consult before touching either field.
type Locator struct {
	BlockID block.ID
	Node    Node
}

// Entry is the fixed-width, parent-held summary of a child node:
// enough to decide whether to descend into it without loading it.
type Entry struct {
	Kind        Kind
	BBox        geom.Box
	SubtreeSize uint64
	MinKey      geom.Key
	Locator     Locator
}

// EntrySize returns an Entry's encoded width for the given
// dimensionality and key width (spec.md §6:
// kind(1) | subtree_size(8) | bbox(2*dims*4) | locator(8) | min_key(keyWidth*4)).
func EntrySize(dims, keyWidth int) int {
	return 1 + 8 + codec.BoxSize(dims) + 8 + codec.KeySize(keyWidth)
}

// Encode writes e into buf, which must be at least EntrySize(dims,
// keyWidth) bytes. Only the BlockID form of Locator is persisted; an
// in-memory Locator.Node must be resolved to a BlockID by the caller
// before encoding (mem nodes are never serialized to an IO block).
func (e Entry) Encode(buf []byte, dims, keyWidth int) int {
	off := 0
	buf[off] = byte(e.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], e.SubtreeSize)
	off += 8
	off += codec.WriteBox(buf[off:], e.BBox, dims)
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.Locator.BlockID))
	off += 8
	off += codec.WriteKey(buf[off:], e.MinKey)
	return off
}

// Decode reads an Entry from buf.
func Decode(buf []byte, dims, keyWidth int) (Entry, int) {
	var e Entry
	off := 0
	e.Kind = Kind(buf[off])
	off++
	e.SubtreeSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	bbox, n := codec.ReadBox(buf[off:], dims)
	e.BBox = bbox
	off += n
	e.Locator.BlockID = block.ID(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	key, n2 := codec.ReadKey(buf[off:], keyWidth)
	e.MinKey = key
	off += n2
	return e, off
}

// Node is implemented by all four concrete node kinds. ApplyVisitor
// dispatches to the Visitor method matching the receiver's concrete
// type, passing along the Entry the parent holds for it (the node
// itself never stores its own bbox/subtree_size/min_key — those live
// only in the parent's Entry, per spec.md §3).
type Node interface {
	ApplyVisitor(v Visitor, e *Entry) error
}

// Visitor is the double-dispatch target for every tree operation
// (range report, the two sample cursors, insert/erase/find).
type Visitor interface {
	VisitMemInternal(n *MemInternalNode, e *Entry) error
	VisitMemLeaf(n *MemLeafNode, e *Entry) error
	VisitIOInternal(n *IOInternalNode, e *Entry) error
	VisitIOLeaf(n *IOLeafNode, e *Entry) error
}

// MemInternalNode is an in-memory internal node: a sample buffer and a
// list of child entries, each pointing at either another mem node or
// the IO top layer.
type MemInternalNode struct {
	Samples  []geom.Point
	Children []Entry
}

func (n *MemInternalNode) ApplyVisitor(v Visitor, e *Entry) error { return v.VisitMemInternal(n, e) }

// MemLeafNode is the bottom layer of the in-memory structure: like
// MemInternalNode, plus a buffer of not-yet-flushed insertions.
type MemLeafNode struct {
	Samples  []geom.Point
	Children []Entry
	Buffer   []geom.Point
}

func (n *MemLeafNode) ApplyVisitor(v Visitor, e *Entry) error { return v.VisitMemLeaf(n, e) }

// BufferCapacity returns how many buffered points a mem-leaf holds
// before it must flush, proportional to the block size the IO layer
// below it uses (so a flush produces a reasonably sized batch).
func (n *MemLeafNode) BufferCapacity(blockSize, dims int) int {
	return blockSize / codec.PointSize(dims)
}

// IOInternalNode is a disk-resident internal node: children+buffer are
// stored in one block, samples in another (so a cursor that only needs
// the sample buffer never pays for loading children).
type IOInternalNode struct {
	Samples     []geom.Point
	Children    []Entry
	Buffer      []geom.Point
	MemResident bool
}

func (n *IOInternalNode) ApplyVisitor(v Visitor, e *Entry) error { return v.VisitIOInternal(n, e) }

// Capacity returns the fixed maximum fan-out of an io-internal node.
func (n *IOInternalNode) Capacity() int { return MaxIOFanout }

// SampleCapacity returns how many sample points fit in an io-internal
// node's dedicated sample block.
func (n *IOInternalNode) SampleCapacity(blockSize, dims int) int {
	return (blockSize - 8) / codec.PointSize(dims)
}

// BufferOffset returns where, within the children+buffer block, the
// insertion buffer starts.
func BufferOffset(dims, keyWidth int) int {
	return 8 + EntrySize(dims, keyWidth)*MaxIOFanout
}

// BufferCapacity returns how many buffered points fit after the fixed
// children region of an io-internal node's combined block.
func (n *IOInternalNode) BufferCapacity(blockSize, dims, keyWidth int) int {
	off := BufferOffset(dims, keyWidth)
	return (blockSize - off - 8) / codec.PointSize(dims)
}

// Overflow reports whether n has grown past its fixed fan-out.
func (n *IOInternalNode) Overflow() bool { return len(n.Children) > n.Capacity() }

// SampleBID and ChildrenBID return the two block ids an io-internal
// node occupies, given the first block id recorded in its Entry.
func SampleBID(first block.ID) block.ID   { return first }
func ChildrenBID(first block.ID) block.ID { return first + 1 }

// AllocateIOInternalBlocks reserves the two blocks (samples, then
// children+buffer) an io-internal node needs and returns the first id.
func AllocateIOInternalBlocks(mgr *block.Manager) (block.ID, error) {
	return mgr.Allocate(2)
}

// FreeIOInternalBlocks releases an io-internal node's two blocks.
func FreeIOInternalBlocks(mgr *block.Manager, first block.ID) error {
	return mgr.Free(first, 2)
}

// SaveSamplesToBlocks persists n.Samples to its dedicated block.
func (n *IOInternalNode) SaveSamplesToBlocks(mgr *block.Manager, first block.ID, dims int) error {
	buf := make([]byte, mgr.BlockSize())
	binary.LittleEndian.PutUint64(buf, uint64(len(n.Samples)))
	off := 8
	for _, p := range n.Samples {
		off += codec.WritePoint(buf[off:], p, dims)
	}
	return mgr.WriteBlocks(SampleBID(first), buf)
}

// LoadSamplesFromBlocks populates n.Samples from its dedicated block.
func (n *IOInternalNode) LoadSamplesFromBlocks(mgr *block.Manager, first block.ID, dims int) error {
	buf, err := mgr.ReadBlocks(SampleBID(first), 1)
	if err != nil {
		return err
	}
	count := binary.LittleEndian.Uint64(buf)
	off := 8
	samples := make([]geom.Point, 0, count)
	for i := uint64(0); i < count; i++ {
		p, n2 := codec.ReadPoint(buf[off:], dims)
		samples = append(samples, p)
		off += n2
	}
	n.Samples = samples
	return nil
}

// SaveChildrenAndBufferToBlocks persists n.Children and n.Buffer to
// their shared block.
func (n *IOInternalNode) SaveChildrenAndBufferToBlocks(mgr *block.Manager, first block.ID, dims, keyWidth int) error {
	buf := make([]byte, mgr.BlockSize())
	binary.LittleEndian.PutUint64(buf, uint64(len(n.Children)))
	off := 8
	for _, c := range n.Children {
		off += c.Encode(buf[off:], dims, keyWidth)
	}
	bufOff := BufferOffset(dims, keyWidth)
	if bufOff > off {
		off = bufOff
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(n.Buffer)))
	off += 8
	for _, p := range n.Buffer {
		off += codec.WritePoint(buf[off:], p, dims)
	}
	return mgr.WriteBlocks(ChildrenBID(first), buf)
}

// LoadChildrenAndBufferFromBlocks populates n.Children and n.Buffer.
func (n *IOInternalNode) LoadChildrenAndBufferFromBlocks(mgr *block.Manager, first block.ID, dims, keyWidth int) error {
	buf, err := mgr.ReadBlocks(ChildrenBID(first), 1)
	if err != nil {
		return err
	}
	childCount := binary.LittleEndian.Uint64(buf)
	off := 8
	children := make([]Entry, 0, childCount)
	for i := uint64(0); i < childCount; i++ {
		e, n2 := Decode(buf[off:], dims, keyWidth)
		children = append(children, e)
		off += n2
	}
	bufOff := BufferOffset(dims, keyWidth)
	if bufOff > off {
		off = bufOff
	}
	bufferCount := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	buffer := make([]geom.Point, 0, bufferCount)
	for i := uint64(0); i < bufferCount; i++ {
		p, n2 := codec.ReadPoint(buf[off:], dims)
		buffer = append(buffer, p)
		off += n2
	}
	n.Children = children
	n.Buffer = buffer
	return nil
}

// AllocateIOLeafBlock reserves the single block an io-leaf node needs.
func AllocateIOLeafBlock(mgr *block.Manager) (block.ID, error) {
	return mgr.Allocate(1)
}

// FreeIOLeafBlock releases an io-leaf node's block.
func FreeIOLeafBlock(mgr *block.Manager, bid block.ID) error {
	return mgr.Free(bid, 1)
}

// SaveToBlocks persists n.Values to its block. No length prefix is
// written: the point count is carried by the parent entry's
// SubtreeSize and supplied back to LoadFromBlocks by the caller.
func (n *IOLeafNode) SaveToBlocks(mgr *block.Manager, bid block.ID, dims int) error {
	buf := make([]byte, mgr.BlockSize())
	off := 0
	for _, p := range n.Values {
		off += codec.WritePoint(buf[off:], p, dims)
	}
	return mgr.WriteBlocks(bid, buf)
}

// LoadFromBlocks populates n.Values from its block. count is the
// parent entry's SubtreeSize, the leaf's point count.
func (n *IOLeafNode) LoadFromBlocks(mgr *block.Manager, bid block.ID, dims int, count int) error {
	buf, err := mgr.ReadBlocks(bid, 1)
	if err != nil {
		return err
	}
	off := 0
	values := make([]geom.Point, 0, count)
	for i := 0; i < count; i++ {
		p, n2 := codec.ReadPoint(buf[off:], dims)
		values = append(values, p)
		off += n2
	}
	n.Values = values
	return nil
}

// IOLeafNode is a disk-resident leaf: raw points sorted by Key, stored
// in a single block.
type IOLeafNode struct {
	Values      []geom.Point
	MemResident bool
}

func (n *IOLeafNode) ApplyVisitor(v Visitor, e *Entry) error { return v.VisitIOLeaf(n, e) }

// Capacity returns how many points fit in one io-leaf block.
func (n *IOLeafNode) Capacity(blockSize, dims int) int {
	return blockSize / codec.PointSize(dims)
}

// Overflow reports whether n has grown past one block's capacity.
func (n *IOLeafNode) Overflow(blockSize, dims int) bool {
	return len(n.Values) > n.Capacity(blockSize, dims)
}
