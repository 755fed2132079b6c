// Package hilbert linearizes points into HilbertKeys. spec.md treats
// the curve as an opaque pure function; this package supplies the one
// concrete implementation the build pipeline needs to be runnable
// end-to-end, ported from the bit-interleaved skew-transform algorithm
// used by the system this spec was distilled from. Its internals are
// not part of the tree's public contract: callers depend only on the
// Computer interface.
package hilbert

import (
	"math"

	"github.com/InitialDLab/samplingrtree/internal/geom"
)

// Computer maps a Point to its position along a space-filling curve,
// the Key used for ordering, packing and descent throughout the tree.
type Computer interface {
	// Key returns p's HilbertKey. Width() words wide.
	Key(p geom.Point) geom.Key

	// Width returns the number of uint32 words in a Key this computer
	// produces.
	Width() int
}

// Standard implements Computer for an arbitrary dimension count using
// per-dimension fixed-point quantization (Bits per coordinate) followed
// by the classic axes-to-distance transform (Hamilton/Lawder skew
// transform, generalized to N dimensions).
type Standard struct {
	dims  int
	bits  int // bits of precision per coordinate
	bbox  geom.Box
	width int
}

// NewStandard returns a Computer quantizing points within bbox to bits
// bits of precision per coordinate (default 16, giving sub-micrometer
// precision for typical geographic or sensor data ranges).
func NewStandard(dims int, bbox geom.Box, bits int) *Standard {
	if bits <= 0 {
		bits = 16
	}
	totalBits := dims * bits
	width := (totalBits + 31) / 32
	if width == 0 {
		width = 1
	}
	return &Standard{dims: dims, bits: bits, bbox: bbox.Clone(), width: width}
}

// Width implements Computer.
func (s *Standard) Width() int { return s.width }

// Key implements Computer.
func (s *Standard) Key(p geom.Point) geom.Key {
	axes := make([]uint64, s.dims)
	maxVal := uint64(1)<<uint(s.bits) - 1
	for i := 0; i < s.dims; i++ {
		span := float64(s.bbox.Max[i]) - float64(s.bbox.Min[i])
		var frac float64
		if span > 0 {
			frac = (float64(p.Coords[i]) - float64(s.bbox.Min[i])) / span
		}
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		axes[i] = uint64(math.Round(frac * float64(maxVal)))
	}

	hilbertAxesToDistance(axes, s.bits)

	bits := make([]byte, 0, s.dims*s.bits)
	for b := s.bits - 1; b >= 0; b-- {
		for i := 0; i < s.dims; i++ {
			bits = append(bits, byte((axes[i]>>uint(b))&1))
		}
	}

	key := make(geom.Key, s.width)
	for i, bit := range bits {
		word := i / 32
		shift := 31 - (i % 32)
		if bit != 0 {
			key[word] |= 1 << uint(shift)
		}
	}
	return key
}

// hilbertAxesToDistance converts N-dimensional axis coordinates (each
// `bits` wide) in place into the Gray-code/skew-transform form whose
// bit-interleaving is the Hilbert distance, following the standard
// transform (Hamilton 2006 / Lawder 2000).
func hilbertAxesToDistance(x []uint64, bits int) {
	n := uint64(len(x))
	m := uint64(1) << uint(bits-1)

	for q := m; q > 1; q >>= 1 {
		p := q - 1
		for i := range x {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}

	for i := uint64(1); i < n; i++ {
		x[i] ^= x[i-1]
	}

	t := uint64(0)
	for q := m; q > 1; q >>= 1 {
		if x[n-1]&q != 0 {
			t ^= q - 1
		}
	}
	for i := range x {
		x[i] ^= t
	}
}
