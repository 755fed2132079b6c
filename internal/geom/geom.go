// Package geom holds the tree's point/box/key data model (spec.md §3).
package geom

import (
	"fmt"
	"math"
)

// IDSize is the width, in bytes, of an opaque point identifier.
const IDSize = 12

// ID is an opaque, comparable identifier carried alongside every point.
type ID [IDSize]byte

// Point is one element of the indexed data set: Dims coordinates, a
// timestamp, and an opaque identifier used for equality and erase.
type Point struct {
	Coords    []float32
	Timestamp int64
	ID        ID
}

// Box is an axis-aligned bounding box in the same coordinate space as
// Point. Min/Max are inclusive corners.
type Box struct {
	Min []float32
	Max []float32
}

// NewBox returns the degenerate box containing only p.
func NewBox(p Point) Box {
	min := make([]float32, len(p.Coords))
	max := make([]float32, len(p.Coords))
	copy(min, p.Coords)
	copy(max, p.Coords)
	return Box{Min: min, Max: max}
}

// EmptyBox returns a box whose Expand will adopt the first point/box it
// sees (Min = +inf, Max = -inf per dimension).
func EmptyBox(dims int) Box {
	min := make([]float32, dims)
	max := make([]float32, dims)
	for i := range min {
		min[i] = float32(math.Inf(1))
		max[i] = float32(math.Inf(-1))
	}
	return Box{Min: min, Max: max}
}

// Contains reports whether p lies within b, inclusive of the boundary.
func (b Box) Contains(p Point) bool {
	for i := range b.Min {
		if p.Coords[i] < b.Min[i] || p.Coords[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// Intersects reports whether b and o share at least one point.
func (b Box) Intersects(o Box) bool {
	for i := range b.Min {
		if b.Max[i] < o.Min[i] || o.Max[i] < b.Min[i] {
			return false
		}
	}
	return true
}

// CoveredBy reports whether b lies entirely within o.
func (b Box) CoveredBy(o Box) bool {
	for i := range b.Min {
		if b.Min[i] < o.Min[i] || b.Max[i] > o.Max[i] {
			return false
		}
	}
	return true
}

// Expand grows b in place to also cover o.
func (b *Box) Expand(o Box) {
	for i := range b.Min {
		if o.Min[i] < b.Min[i] {
			b.Min[i] = o.Min[i]
		}
		if o.Max[i] > b.Max[i] {
			b.Max[i] = o.Max[i]
		}
	}
}

// ExpandPoint grows b in place to also cover p.
func (b *Box) ExpandPoint(p Point) {
	for i := range b.Min {
		if p.Coords[i] < b.Min[i] {
			b.Min[i] = p.Coords[i]
		}
		if p.Coords[i] > b.Max[i] {
			b.Max[i] = p.Coords[i]
		}
	}
}

// Clone returns an independent copy of b.
func (b Box) Clone() Box {
	min := make([]float32, len(b.Min))
	max := make([]float32, len(b.Max))
	copy(min, b.Min)
	copy(max, b.Max)
	return Box{Min: min, Max: max}
}

func (b Box) String() string {
	return fmt.Sprintf("Box{min:%v max:%v}", b.Min, b.Max)
}

// KeyWidth is H, the number of uint32 words in a HilbertKey, chosen so
// that H*32 >= dims*coordBits. The Hilbert computer is responsible for
// actually populating a key of this width; this package only carries
// the type and its total order.
type KeyWidth int

// Key is a HilbertKey: H words, compared lexicographically most
// significant word first.
type Key []uint32

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b. Both must have the same length.
func (a Key) Compare(b Key) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// Less reports whether a sorts before b.
func (a Key) Less(b Key) bool { return a.Compare(b) < 0 }

// MinKey returns the all-zero sentinel key of the given width.
func MinKey(width int) Key { return make(Key, width) }

// MaxKey returns the all-ones sentinel key of the given width.
func MaxKey(width int) Key {
	k := make(Key, width)
	for i := range k {
		k[i] = ^uint32(0)
	}
	return k
}

// Clone returns an independent copy of k.
func (a Key) Clone() Key {
	k := make(Key, len(a))
	copy(k, a)
	return k
}
