// Package rerr defines the sentinel error kinds shared across the tree.
package rerr

import "errors"

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", ErrX) at the
// point of detection; callers compare with errors.Is.
var (
	// ErrNotFound is returned when a lookup by identifier or key finds
	// no matching element. Ordinary, expected outcome.
	ErrNotFound = errors.New("rtree: not found")

	// ErrAlreadyExists is returned by insert when the element's
	// identifier is already present in the tree.
	ErrAlreadyExists = errors.New("rtree: already exists")

	// ErrCorrupted marks on-disk state that fails a structural check
	// (checksum mismatch, bad magic, double free, inconsistent
	// subtree size). Fatal: callers should stop using the tree.
	ErrCorrupted = errors.New("rtree: corrupted")

	// ErrResourceExhausted is returned when the block manager cannot
	// satisfy an allocation from its backing file.
	ErrResourceExhausted = errors.New("rtree: resource exhausted")

	// ErrIoError wraps an unexpected error from the underlying file or
	// mmap layer. Fatal: callers should stop using the tree.
	ErrIoError = errors.New("rtree: io error")
)
