// Package extsort is a disk-backed sortdrv.Sorter for builds too large
// to buffer in RAM (internal/sortdrv's InMemory is the one that does
// that). It buffers input into bounded runs, spills each sorted run to
// its own file in a working directory, then k-way merges the run files
// back out in Hilbert-key order. The run-file rotation (sequential
// "run-%04d.tmp" names, one os.File per run) is adapted from
// segmentmanager's DiskSegmentManager, which rotated a log's active
// file the same way; here the rotated unit is a sorted run rather than
// a log segment, and nothing is ever appended to once written.
package extsort

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/InitialDLab/samplingrtree/internal/geom"
	"github.com/InitialDLab/samplingrtree/internal/rerr"
	"github.com/InitialDLab/samplingrtree/internal/sortdrv"
)

var log = logrus.WithField("component", "extsort")

const runFilePattern = "run-%04d.tmp"

// Sorter buffers at most RunSize records per run before spilling it to
// disk; Dims and KeyWidth describe the records it will see.
type Sorter struct {
	Dir      string
	Dims     int
	KeyWidth int
	RunSize  int
}

// New returns a Sorter that spills runs of at most runSize records into
// dir, which is created if it doesn't already exist.
func New(dir string, dims, keyWidth, runSize int) *Sorter {
	return &Sorter{Dir: dir, Dims: dims, KeyWidth: keyWidth, RunSize: runSize}
}

// Sort implements sortdrv.Sorter. It blocks until every run has been
// spilled (so the run files' total size is bounded only by disk, not
// RAM), then returns a channel that streams the k-way merge; the merge
// itself runs concurrently with the caller draining that channel.
func (s *Sorter) Sort(ctx context.Context, in <-chan sortdrv.Record) (<-chan sortdrv.Record, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("extsort: creating %s: %w", s.Dir, err)
	}

	var runPaths []string
	defer func() {
		for _, p := range runPaths {
			os.Remove(p)
		}
	}()

	buf := make([]sortdrv.Record, 0, s.RunSize)
	runID := 0
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		sort.Slice(buf, func(i, j int) bool { return buf[i].Key.Less(buf[j].Key) })
		path := filepath.Join(s.Dir, fmt.Sprintf(runFilePattern, runID))
		if err := s.writeRun(path, buf); err != nil {
			return err
		}
		runPaths = append(runPaths, path)
		runID++
		buf = buf[:0]
		return nil
	}

	for r := range in {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		buf = append(buf, r)
		if len(buf) >= s.RunSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	out := make(chan sortdrv.Record, 1024)
	merged := runPaths
	runPaths = nil // ownership moves to the merge goroutine; defer above no longer removes them
	go func() {
		defer close(out)
		defer func() {
			for _, p := range merged {
				os.Remove(p)
			}
		}()
		if err := s.merge(ctx, merged, out); err != nil {
			// The consumer has no error channel to report into;
			// logging and stopping is the best this goroutine can do.
			log.WithError(err).Error("extsort: merge failed")
		}
	}()
	return out, nil
}

func (s *Sorter) recordSize() int64 {
	return int64(s.KeyWidth*4 + s.Dims*4 + 8 + geom.IDSize + 4) // +4 for the trailing crc32
}

func (s *Sorter) writeRun(path string, records []sortdrv.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("extsort: creating run %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, r := range records {
		if err := s.encodeRecord(w, r); err != nil {
			return fmt.Errorf("extsort: writing run %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("extsort: flushing run %s: %w", path, err)
	}
	return f.Sync()
}

func (s *Sorter) encodeRecord(w *bufio.Writer, r sortdrv.Record) error {
	buf := make([]byte, s.recordSize()-4)
	off := 0
	for _, word := range r.Key {
		binary.LittleEndian.PutUint32(buf[off:], word)
		off += 4
	}
	for _, c := range r.Point.Coords {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
		off += 4
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.Point.Timestamp))
	off += 8
	copy(buf[off:], r.Point.ID[:])
	off += geom.IDSize

	if _, err := w.Write(buf); err != nil {
		return err
	}
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(buf))
	_, err := w.Write(crc[:])
	return err
}

// runReader reads one run file's records back out in the order they
// were written (already sorted by Key), one at a time.
type runReader struct {
	f        *os.File
	r        *bufio.Reader
	dims     int
	keyWidth int
	size     int
}

func openRunReader(path string, dims, keyWidth int) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extsort: opening run %s: %w", path, err)
	}
	return &runReader{
		f: f, r: bufio.NewReader(f), dims: dims, keyWidth: keyWidth,
		size: keyWidth*4 + dims*4 + 8 + geom.IDSize + 4,
	}, nil
}

func (rr *runReader) next() (sortdrv.Record, bool, error) {
	raw := make([]byte, rr.size)
	if _, err := io.ReadFull(rr.r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sortdrv.Record{}, false, nil
		}
		return sortdrv.Record{}, false, fmt.Errorf("extsort: reading run: %w", err)
	}
	payload, wantCRC := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return sortdrv.Record{}, false, fmt.Errorf("extsort: run checksum mismatch: %w", rerr.ErrCorrupted)
	}

	off := 0
	key := make(geom.Key, rr.keyWidth)
	for i := range key {
		key[i] = binary.LittleEndian.Uint32(payload[off:])
		off += 4
	}
	coords := make([]float32, rr.dims)
	for i := range coords {
		coords[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}
	ts := int64(binary.LittleEndian.Uint64(payload[off:]))
	off += 8
	var id geom.ID
	copy(id[:], payload[off:off+geom.IDSize])

	return sortdrv.Record{Point: geom.Point{Coords: coords, Timestamp: ts, ID: id}, Key: key}, true, nil
}

func (rr *runReader) close() { rr.f.Close() }

// mergeItem is one runReader's current head record, tracked in a
// min-heap keyed by Key so the smallest head across all runs is always
// at the root.
type mergeItem struct {
	rec    sortdrv.Record
	reader *runReader
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].rec.Key.Less(h[j].rec.Key) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (s *Sorter) merge(ctx context.Context, runPaths []string, out chan<- sortdrv.Record) error {
	readers := make([]*runReader, 0, len(runPaths))
	defer func() {
		for _, rr := range readers {
			rr.close()
		}
	}()

	h := &mergeHeap{}
	heap.Init(h)
	for _, p := range runPaths {
		rr, err := openRunReader(p, s.Dims, s.KeyWidth)
		if err != nil {
			return err
		}
		readers = append(readers, rr)
		rec, ok, err := rr.next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, &mergeItem{rec: rec, reader: rr})
		}
	}

	for h.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		item := heap.Pop(h).(*mergeItem)
		out <- item.rec
		rec, ok, err := item.reader.next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, &mergeItem{rec: rec, reader: item.reader})
		}
	}
	return nil
}
