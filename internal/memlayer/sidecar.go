package memlayer

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/InitialDLab/samplingrtree/internal/codec"
	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/node"
)

// SaveMemNodes persists the mem-internal/mem-leaf tree rooted at root
// to path (the ".memnodes" sidecar), so a later open can restore it
// instead of rebuilding from the IO top layer. A child entry still
// pointing at the IO layer (unloaded or already promoted by a Loader)
// is written as a bare reference rather than expanded — the next open
// re-runs the Loader over it rather than persisting a promotion that
// would go stale the moment the underlying blocks change. Grounded on
// original_source/rtree/mem_node_saver.h.
func SaveMemNodes(path string, root node.Entry, dims, keyWidth int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := writeEntry(w, root, dims, keyWidth); err != nil {
		return err
	}
	return w.Flush()
}

// LoadMemNodes restores what SaveMemNodes wrote.
func LoadMemNodes(path string, dims, keyWidth int) (node.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return node.Entry{}, err
	}
	defer f.Close()
	return readEntry(bufio.NewReader(f), dims, keyWidth)
}

func writeEntry(w *bufio.Writer, e node.Entry, dims, keyWidth int) error {
	buf := make([]byte, node.EntrySize(dims, keyWidth))
	e.Encode(buf, dims, keyWidth)
	if _, err := w.Write(buf); err != nil {
		return err
	}

	switch n := e.Locator.Node.(type) {
	case *node.MemInternalNode:
		if err := writePoints(w, n.Samples, dims); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(n.Children))); err != nil {
			return err
		}
		for _, child := range n.Children {
			if err := writeEntry(w, child, dims, keyWidth); err != nil {
				return err
			}
		}
	case *node.MemLeafNode:
		if err := writePoints(w, n.Samples, dims); err != nil {
			return err
		}
		if err := writePoints(w, n.Buffer, dims); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(n.Children))); err != nil {
			return err
		}
		for _, child := range n.Children {
			cbuf := make([]byte, node.EntrySize(dims, keyWidth))
			child.Encode(cbuf, dims, keyWidth)
			if _, err := w.Write(cbuf); err != nil {
				return err
			}
		}
	}
	return nil
}

func readEntry(r *bufio.Reader, dims, keyWidth int) (node.Entry, error) {
	buf := make([]byte, node.EntrySize(dims, keyWidth))
	if _, err := io.ReadFull(r, buf); err != nil {
		return node.Entry{}, err
	}
	e, _ := node.Decode(buf, dims, keyWidth)

	switch e.Kind {
	case node.MemInternal:
		samples, err := readPoints(r, dims)
		if err != nil {
			return node.Entry{}, err
		}
		count, err := readUint64(r)
		if err != nil {
			return node.Entry{}, err
		}
		children := make([]node.Entry, count)
		for i := range children {
			child, err := readEntry(r, dims, keyWidth)
			if err != nil {
				return node.Entry{}, err
			}
			children[i] = child
		}
		e.Locator.Node = &node.MemInternalNode{Samples: samples, Children: children}
	case node.MemLeaf:
		samples, err := readPoints(r, dims)
		if err != nil {
			return node.Entry{}, err
		}
		buffer, err := readPoints(r, dims)
		if err != nil {
			return node.Entry{}, err
		}
		count, err := readUint64(r)
		if err != nil {
			return node.Entry{}, err
		}
		children := make([]node.Entry, count)
		for i := range children {
			cbuf := make([]byte, node.EntrySize(dims, keyWidth))
			if _, err := io.ReadFull(r, cbuf); err != nil {
				return node.Entry{}, err
			}
			children[i], _ = node.Decode(cbuf, dims, keyWidth)
		}
		e.Locator.Node = &node.MemLeafNode{Samples: samples, Buffer: buffer, Children: children}
	}
	return e, nil
}

func writePoints(w *bufio.Writer, pts []geom.Point, dims int) error {
	if err := writeUint64(w, uint64(len(pts))); err != nil {
		return err
	}
	buf := make([]byte, codec.PointSize(dims))
	for _, p := range pts {
		codec.WritePoint(buf, p, dims)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readPoints(r *bufio.Reader, dims int) ([]geom.Point, error) {
	count, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	pts := make([]geom.Point, count)
	buf := make([]byte, codec.PointSize(dims))
	for i := range pts {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		pts[i], _ = codec.ReadPoint(buf, dims)
	}
	return pts, nil
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
