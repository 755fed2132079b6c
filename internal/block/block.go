// Package block implements the fixed-size block allocator backing a
// tree's .data file, plus its .metadata sidecar (free-extent map and
// next-free-block cursor). Two storage modes mirror spec.md §4.1:
//
//   - "building" mode: the data file may still grow. Reads/writes go
//     through positioned I/O (File.ReadAt/WriteAt) guarded by a mutex,
//     since a growing file cannot safely be kept mmapped.
//   - "loaded" mode: the file's size is fixed for the lifetime of the
//     Manager. The data file is memory-mapped once with
//     golang.org/x/sys/unix.Mmap, and block reads and writes copy out
//     of and into that mapping (mmap on open, munmap on Close,
//     double-close guarded by a flag under a mutex).
package block

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/InitialDLab/samplingrtree/internal/rerr"
)

const (
	metadataMagic = uint32(0x52545253) // "SRTR" little-endian
	dataSuffix    = ".data"
	metaSuffix    = ".metadata"
)

// ID identifies a block by its offset, in block-size units, from the
// start of the data file. Zero is never allocated (it is reserved the
// way the original next_free_block cursor starts at 1).
type ID uint64

// Stats counts block-level IO, mirroring BlockManager::Stats.
type Stats struct {
	Reads  uint64
	Writes uint64
}

// Cost returns Reads+Writes, the original implementation's IO cost unit.
func (s Stats) Cost() uint64 { return s.Reads + s.Writes }

type extent struct {
	start ID
	size  uint64 // in blocks
}

// Manager owns one tree's .data/.metadata file pair.
type Manager struct {
	mu sync.Mutex

	path      string
	blockSize int

	dataFile *os.File
	static   bool // true once mmapped in "loaded" mode

	mapped []byte // non-nil in loaded mode

	free     []extent // sorted by start, coalesced
	nextFree ID

	stats Stats
	log   *logrus.Entry
}

// Create creates a brand-new, growable Manager rooted at path (path+".data",
// path+".metadata" are created).
func Create(path string, blockSize int) (*Manager, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block: block size must be positive, got %d", blockSize)
	}
	df, err := os.OpenFile(path+dataSuffix, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("block: creating data file: %w: %w", err, rerr.ErrIoError)
	}
	m := &Manager{
		path:      path,
		blockSize: blockSize,
		dataFile:  df,
		nextFree:  1,
		log:       logrus.WithFields(logrus.Fields{"component": "block", "path": path}),
	}
	if err := m.saveMetadata(); err != nil {
		df.Close()
		return nil, err
	}
	m.log.Info("created block manager")
	return m, nil
}

// Load opens an existing Manager in growable ("building") mode: reads
// and writes still use positioned I/O. Use LoadStatic once the file's
// size is known to be final, to get mmap-backed access instead.
func Load(path string) (*Manager, error) {
	return load(path, false)
}

// LoadStatic opens an existing Manager in fixed-size ("loaded") mode:
// the data file is memory-mapped for read and write.
func LoadStatic(path string) (*Manager, error) {
	return load(path, true)
}

func load(path string, static bool) (*Manager, error) {
	m := &Manager{
		path:      path,
		dataFile:  nil,
		log:       logrus.WithFields(logrus.Fields{"component": "block", "path": path}),
	}
	df, err := os.OpenFile(path+dataSuffix, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("block: opening data file: %w: %w", err, rerr.ErrIoError)
	}
	m.dataFile = df
	if err := m.loadMetadata(); err != nil {
		df.Close()
		return nil, err
	}
	if static {
		if err := m.mapStatic(); err != nil {
			df.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) mapStatic() error {
	info, err := m.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("block: stat data file: %w: %w", err, rerr.ErrIoError)
	}
	size := info.Size()
	if size == 0 {
		m.static = true
		return nil
	}
	data, err := unix.Mmap(int(m.dataFile.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("block: mmap data file: %w: %w", err, rerr.ErrIoError)
	}
	m.mapped = data
	m.static = true
	return nil
}

// BlockSize returns the manager's fixed block size, in bytes.
func (m *Manager) BlockSize() int { return m.blockSize }

// Stats returns a snapshot of the manager's cumulative IO counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetStats zeroes the manager's IO counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}

// ReadBlocks reads count consecutive blocks starting at bid.
func (m *Manager) ReadBlocks(bid ID, count int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := count * m.blockSize
	off := int64(bid) * int64(m.blockSize)

	m.stats.Reads++
	if m.mapped != nil {
		if off < 0 || off+int64(n) > int64(len(m.mapped)) {
			return nil, fmt.Errorf("block: read out of range bid=%d count=%d: %w", bid, count, rerr.ErrCorrupted)
		}
		out := make([]byte, n)
		copy(out, m.mapped[off:off+int64(n)])
		return out, nil
	}

	buf := make([]byte, n)
	if _, err := m.dataFile.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("block: read bid=%d: %w: %w", bid, err, rerr.ErrIoError)
	}
	return buf, nil
}

// WriteBlocks writes data (a multiple of the block size) starting at bid.
func (m *Manager) WriteBlocks(bid ID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(data)%m.blockSize != 0 {
		return fmt.Errorf("block: write length %d not a multiple of block size %d", len(data), m.blockSize)
	}
	off := int64(bid) * int64(m.blockSize)

	m.stats.Writes++
	if m.mapped != nil {
		if off < 0 || off+int64(len(data)) > int64(len(m.mapped)) {
			return fmt.Errorf("block: write out of range bid=%d: %w", bid, rerr.ErrCorrupted)
		}
		copy(m.mapped[off:off+int64(len(data))], data)
		return nil
	}

	if _, err := m.dataFile.WriteAt(data, off); err != nil {
		return fmt.Errorf("block: write bid=%d: %w: %w", bid, err, rerr.ErrIoError)
	}
	return nil
}

// Allocate reserves count consecutive blocks and returns the id of the
// first one. It takes the lowest-addressed free extent that fits
// (first fit in start order) and carves the blocks from its high end,
// matching the original allocator's bid = extent.start + extent.size -
// count rule, so freed space is reused before growing the file.
func (m *Manager) Allocate(count int) (ID, error) {
	if count <= 0 {
		return 0, fmt.Errorf("block: allocate count must be positive, got %d", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.free {
		if e.size >= uint64(count) {
			bid := e.start + ID(e.size-uint64(count))
			if e.size == uint64(count) {
				m.free = append(m.free[:i], m.free[i+1:]...)
			} else {
				m.free[i].size -= uint64(count)
			}
			if err := m.ensureCapacity(bid, count); err != nil {
				return 0, err
			}
			return bid, nil
		}
	}

	bid := m.nextFree
	m.nextFree += ID(count)
	if err := m.ensureCapacity(bid, count); err != nil {
		return 0, err
	}
	return bid, nil
}

// ensureCapacity makes [bid, bid+count) addressable. A growable manager
// extends the backing file as needed; a static (LoadStatic) manager
// cannot grow, so it fails with ErrResourceExhausted unless the range
// already lies inside its mapping.
func (m *Manager) ensureCapacity(bid ID, count int) error {
	end := (int64(bid) + int64(count)) * int64(m.blockSize)
	if m.static {
		if end <= int64(len(m.mapped)) {
			return nil
		}
		return fmt.Errorf("block: cannot grow a statically mapped manager: %w", rerr.ErrResourceExhausted)
	}
	info, err := m.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("block: stat: %w: %w", err, rerr.ErrIoError)
	}
	if info.Size() < end {
		if err := m.dataFile.Truncate(end); err != nil {
			return fmt.Errorf("block: grow data file: %w: %w", err, rerr.ErrIoError)
		}
	}
	return nil
}

// Free releases count blocks starting at bid, coalescing with adjacent
// free extents. Freeing an already-free range is a double free: it
// indicates a corrupted free list or a caller bug and is fatal.
func (m *Manager) Free(bid ID, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := bid + ID(count)
	idx := 0
	for idx < len(m.free) && m.free[idx].start < bid {
		e := m.free[idx]
		if e.start+ID(e.size) > bid {
			return fmt.Errorf("block: double free at bid=%d count=%d overlaps free extent [%d,%d): %w",
				bid, count, e.start, e.start+ID(e.size), rerr.ErrCorrupted)
		}
		idx++
	}
	if idx < len(m.free) && m.free[idx].start < end {
		e := m.free[idx]
		return fmt.Errorf("block: double free at bid=%d count=%d overlaps free extent [%d,%d): %w",
			bid, count, e.start, e.start+ID(e.size), rerr.ErrCorrupted)
	}

	newExt := extent{start: bid, size: uint64(count)}
	// merge with predecessor
	if idx > 0 && m.free[idx-1].start+ID(m.free[idx-1].size) == bid {
		idx--
		newExt.start = m.free[idx].start
		newExt.size += m.free[idx].size
		m.free = append(m.free[:idx], m.free[idx+1:]...)
	}
	// merge with successor
	if idx < len(m.free) && newExt.start+ID(newExt.size) == m.free[idx].start {
		newExt.size += m.free[idx].size
		m.free = append(m.free[:idx], m.free[idx+1:]...)
	}

	m.free = append(m.free, extent{})
	copy(m.free[idx+1:], m.free[idx:])
	m.free[idx] = newExt
	return nil
}

// Flush asks the OS to write back dirty mmapped pages (MS_ASYNC);
// a no-op in growable mode since WriteAt already goes straight to the
// file.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapped == nil {
		return nil
	}
	if err := unix.Msync(m.mapped, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("block: msync: %w: %w", err, rerr.ErrIoError)
	}
	return nil
}

// Close persists metadata and releases the data file (and its mapping,
// if any). Safe to call once; a second call is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dataFile == nil {
		return nil
	}
	var ferr error
	if m.mapped != nil {
		unix.Msync(m.mapped, unix.MS_SYNC)
		ferr = unix.Munmap(m.mapped)
		m.mapped = nil
	}
	serr := m.saveMetadataLocked()
	cerr := m.dataFile.Close()
	m.dataFile = nil
	if serr != nil {
		return serr
	}
	if ferr != nil {
		return fmt.Errorf("block: munmap: %w: %w", ferr, rerr.ErrIoError)
	}
	if cerr != nil {
		return fmt.Errorf("block: close data file: %w: %w", cerr, rerr.ErrIoError)
	}
	return nil
}

func (m *Manager) saveMetadata() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveMetadataLocked()
}

func (m *Manager) saveMetadataLocked() error {
	f, err := os.Create(m.path + metaSuffix)
	if err != nil {
		return fmt.Errorf("block: creating metadata file: %w: %w", err, rerr.ErrIoError)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, metadataMagic); err != nil {
		return fmt.Errorf("block: writing metadata: %w: %w", err, rerr.ErrIoError)
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(m.blockSize)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(m.nextFree)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(len(m.free))); err != nil {
		return err
	}
	for _, e := range m.free {
		if err := binary.Write(f, binary.LittleEndian, uint64(e.start)); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, e.size); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadMetadata() error {
	f, err := os.Open(m.path + metaSuffix)
	if err != nil {
		return fmt.Errorf("block: opening metadata file: %w: %w", err, rerr.ErrIoError)
	}
	defer f.Close()

	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("block: reading metadata magic: %w: %w", err, rerr.ErrCorrupted)
	}
	if magic != metadataMagic {
		return fmt.Errorf("block: metadata magic mismatch: got %#x: %w", magic, rerr.ErrCorrupted)
	}
	var blockSize, nextFree, freeCount uint64
	if err := binary.Read(f, binary.LittleEndian, &blockSize); err != nil {
		return fmt.Errorf("block: reading metadata: %w: %w", err, rerr.ErrCorrupted)
	}
	if err := binary.Read(f, binary.LittleEndian, &nextFree); err != nil {
		return fmt.Errorf("block: reading metadata: %w: %w", err, rerr.ErrCorrupted)
	}
	if err := binary.Read(f, binary.LittleEndian, &freeCount); err != nil {
		return fmt.Errorf("block: reading metadata: %w: %w", err, rerr.ErrCorrupted)
	}
	m.blockSize = int(blockSize)
	m.nextFree = ID(nextFree)
	m.free = make([]extent, 0, freeCount)
	for i := uint64(0); i < freeCount; i++ {
		var start, size uint64
		if err := binary.Read(f, binary.LittleEndian, &start); err != nil {
			return fmt.Errorf("block: reading free extent: %w: %w", err, rerr.ErrCorrupted)
		}
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			return fmt.Errorf("block: reading free extent: %w: %w", err, rerr.ErrCorrupted)
		}
		m.free = append(m.free, extent{start: ID(start), size: size})
	}
	return nil
}
