// Package codec provides the fixed-width little-endian encode/decode
// helpers used for every on-disk structure (spec.md §6), plus IEEE
// CRC32 helpers (NewChecksumWriter, VerifyChecksum) for callers that
// checksum a record. The encoders themselves write no checksum. The
// layout is fixed instead of a reflection-based codec so the exact
// byte widths spec.md §6 mandates are never in question.
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/InitialDLab/samplingrtree/internal/geom"
)

// PointSize returns the encoded width of a Point with the given
// dimensionality: dims*4 (coords) + 8 (timestamp) + geom.IDSize (id).
func PointSize(dims int) int {
	return dims*4 + 8 + geom.IDSize
}

// BoxSize returns the encoded width of a Box: 2*dims*4.
func BoxSize(dims int) int {
	return dims * 4 * 2
}

// KeySize returns the encoded width of a Key with the given word count.
func KeySize(keyWidth int) int { return keyWidth * 4 }

// WritePoint encodes p into buf (which must be at least PointSize(dims)
// bytes) and returns the number of bytes written.
func WritePoint(buf []byte, p geom.Point, dims int) int {
	off := 0
	for i := 0; i < dims; i++ {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(p.Coords[i]))
		off += 4
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.Timestamp))
	off += 8
	copy(buf[off:off+geom.IDSize], p.ID[:])
	off += geom.IDSize
	return off
}

// ReadPoint decodes a Point with the given dimensionality from buf.
func ReadPoint(buf []byte, dims int) (geom.Point, int) {
	p := geom.Point{Coords: make([]float32, dims)}
	off := 0
	for i := 0; i < dims; i++ {
		p.Coords[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	p.Timestamp = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	copy(p.ID[:], buf[off:off+geom.IDSize])
	off += geom.IDSize
	return p, off
}

// WriteBox encodes b into buf.
func WriteBox(buf []byte, b geom.Box, dims int) int {
	off := 0
	for i := 0; i < dims; i++ {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(b.Min[i]))
		off += 4
	}
	for i := 0; i < dims; i++ {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(b.Max[i]))
		off += 4
	}
	return off
}

// ReadBox decodes a Box with the given dimensionality from buf.
func ReadBox(buf []byte, dims int) (geom.Box, int) {
	b := geom.Box{Min: make([]float32, dims), Max: make([]float32, dims)}
	off := 0
	for i := 0; i < dims; i++ {
		b.Min[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	for i := 0; i < dims; i++ {
		b.Max[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return b, off
}

// WriteKey encodes k into buf.
func WriteKey(buf []byte, k geom.Key) int {
	off := 0
	for _, w := range k {
		binary.LittleEndian.PutUint32(buf[off:], w)
		off += 4
	}
	return off
}

// ReadKey decodes a Key of the given word count from buf.
func ReadKey(buf []byte, keyWidth int) (geom.Key, int) {
	k := make(geom.Key, keyWidth)
	off := 0
	for i := range k {
		k[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return k, off
}

// Hasher32 is the subset of hash.Hash32 callers need after teeing
// writes through NewChecksumWriter.
type Hasher32 interface {
	io.Writer
	Sum32() uint32
}

// NewChecksumWriter returns a writer that tees everything written to w
// through a running CRC32 (IEEE) accumulator, and the accumulator
// itself so the caller can read Sum32() once done, via
// io.MultiWriter(w, crc32.NewIEEE()).
func NewChecksumWriter(w io.Writer) (io.Writer, Hasher32) {
	h := crc32.NewIEEE()
	return io.MultiWriter(w, h), h
}

// VerifyChecksum recomputes the IEEE CRC32 of payload and compares it
// against want, returning a wrapped error on mismatch.
func VerifyChecksum(payload []byte, want uint32) error {
	got := crc32.ChecksumIEEE(payload)
	if got != want {
		return fmt.Errorf("codec: checksum mismatch: got %#x want %#x", got, want)
	}
	return nil
}
