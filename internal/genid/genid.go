// Package genid generates opaque 12-byte point identifiers for the CLI's
// data generator and for test fixtures. Grounded on direktiv-vorteil's
// use of github.com/google/uuid for opaque entity identifiers.
package genid

import (
	"github.com/google/uuid"

	"github.com/InitialDLab/samplingrtree/internal/geom"
)

// New returns a fresh random identifier. UUIDs are 16 bytes; only the
// first geom.IDSize (12) are kept, which is still enormously more
// collision-resistant than this tree's data sizes need.
func New() geom.ID {
	u := uuid.New()
	var id geom.ID
	copy(id[:], u[:geom.IDSize])
	return id
}
