// Package sortdrv is the opaque external-sort collaborator the IO
// layer builder sorts its input through (spec.md §9 treats this as an
// interface the build pipeline depends on, not a component to
// implement). Sorter is the seam; InMemory buffers everything in RAM
// and suits test fixtures and builds that fit in memory, while
// internal/extsort provides a disk-backed Sorter (sorted runs spilled
// to files, then k-way merged) for builds larger than memory.
package sortdrv

import (
	"context"
	"sort"

	"github.com/InitialDLab/samplingrtree/internal/geom"
)

// Record pairs a point with its Hilbert key, the unit the IO layer
// builder sorts by before packing leaves.
type Record struct {
	Point geom.Point
	Key   geom.Key
}

// Sorter externally sorts a stream of Records by Key.
type Sorter interface {
	Sort(ctx context.Context, in <-chan Record) (<-chan Record, error)
}

// InMemory buffers its entire input before sorting, appropriate when
// the input is known to fit in RAM (test fixtures, small builds).
type InMemory struct{}

// Sort implements Sorter.
func (InMemory) Sort(ctx context.Context, in <-chan Record) (<-chan Record, error) {
	var records []Record
	for r := range in {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key.Less(records[j].Key)
	})

	out := make(chan Record, len(records))
	for _, r := range records {
		out <- r
	}
	close(out)
	return out, nil
}
