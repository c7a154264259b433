// Package lease provides per-run writer leases.
//
// A lease guarantees at most one scheduler drives a given run at a time.
// Leases carry a fencing token: Renew and Release only succeed while the
// holder still owns the lease, so an expired holder cannot clobber a
// successor. Expiry is the crash-recovery path; a healthy holder renews
// well inside the TTL.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held by another owner")

// ErrLost is returned by Renew or Release when the caller no longer owns
// the lease (it expired, or another holder took over). The caller must stop
// driving the run immediately.
var ErrLost = errors.New("lease lost")

// Lease is a held writer lease. The token fences stale holders.
type Lease struct {
	// Key names the leased resource, e.g. "run:<correlation_id>".
	Key string

	// Token identifies this holder. Generated on Acquire.
	Token string

	// TTL is the lease duration granted on Acquire and each Renew.
	TTL time.Duration
}

// Manager acquires, renews, and releases leases.
//
// Implementations must make Acquire mutually exclusive per key, and must
// compare tokens on Renew and Release so only the current holder succeeds.
type Manager interface {
	// Acquire takes the lease for key with the given TTL. Returns ErrHeld
	// when another holder owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)

	// Renew extends the lease by its TTL. Returns ErrLost when the caller
	// no longer holds it.
	Renew(ctx context.Context, l *Lease) error

	// Release frees the lease. Returns ErrLost when the caller no longer
	// holds it; the resource is free either way.
	Release(ctx context.Context, l *Lease) error
}
