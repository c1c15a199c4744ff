// Package lease provides keyed exclusive leases. The execution driver takes
// a lease on a run before advancing it, so at most one driver in the
// deployment executes any given run even when several server instances share
// the same store.
package lease

import (
	"context"
	"errors"
)

// ErrHeld is returned when the lease is already held elsewhere.
var ErrHeld = errors.New("lease already held")

// Leaser hands out exclusive leases by key.
type Leaser interface {
	// Acquire takes the lease for a key. It returns a release function on
	// success and ErrHeld when another holder has it. The release function is
	// idempotent.
	Acquire(ctx context.Context, key string) (func(), error)
}
