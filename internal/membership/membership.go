// Package membership is an approximate, in-memory accelerator ahead of
// a real descent: a negative test short-circuits Find and Erase, a
// positive test always falls through to a real lookup.
// Grounded on sst/writer.go's per-block bloom filter.
package membership

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/InitialDLab/samplingrtree/internal/geom"
)

// Filter wraps a bloom.BloomFilter sized for an expected element count,
// plus a staleness counter: erase cannot remove a key from a bloom
// filter, so after enough erases the filter degrades into an
// always-positive-leaning oracle and callers should stop trusting its
// negative answers until the next rebuild.
type Filter struct {
	mu     sync.Mutex
	bf     *bloom.BloomFilter
	erases uint64

	staleAfter uint64
	stale      atomic.Bool
}

// New builds a filter sized for expectedElements at the given false
// positive rate.
func New(expectedElements uint, falsePositiveRate float64, staleAfter int) *Filter {
	if expectedElements == 0 {
		expectedElements = 1
	}
	return &Filter{
		bf:         bloom.NewWithEstimates(expectedElements, falsePositiveRate),
		staleAfter: uint64(staleAfter),
	}
}

// Add records id as present.
func (f *Filter) Add(id geom.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.Add(id[:])
}

// Remove records one erase against id. Bloom filters can't remove
// membership; this only advances the staleness counter, and once it
// crosses staleAfter the filter is marked stale.
func (f *Filter) Remove(geom.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.erases++
	if f.staleAfter > 0 && f.erases >= f.staleAfter {
		f.stale.Store(true)
	}
}

// MaybeContains returns false only when id is definitely absent. A
// true result (or a stale filter) means the caller must fall through
// to a real descent.
func (f *Filter) MaybeContains(id geom.ID) bool {
	if f.stale.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.Test(id[:])
}

// Stale reports whether enough erases have happened that this filter
// no longer short-circuits negative lookups.
func (f *Filter) Stale() bool { return f.stale.Load() }

// Reset rebuilds the filter from scratch, clearing staleness — call
// after a full IO-layer rebuild.
func (f *Filter) Reset(expectedElements uint, falsePositiveRate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if expectedElements == 0 {
		expectedElements = 1
	}
	f.bf = bloom.NewWithEstimates(expectedElements, falsePositiveRate)
	f.erases = 0
	f.stale.Store(false)
}
