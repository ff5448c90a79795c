// Package coordination provides the cross-process primitives the workers
// rely on: per-emergency leases for the scheduler, send de-duplication for
// the dispatcher, and the latest-location cache for fast reads.
//
// The Redis implementation serves deployments with multiple workers; the
// in-memory one serves tests and single-process development.
package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// Lease grants short-lived exclusive claims on a key. Claims are advisory:
// holders must still validate state after acquiring, and expiry self-heals
// a crashed holder.
type Lease interface {
	// Acquire claims the key for ttl. It reports false when another holder
	// owns the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the claim early. Releasing an expired claim is a no-op.
	Release(ctx context.Context, key string) error
}

// Deduper suppresses repeats of a completed operation inside a time window.
// Callers check Seen before the operation and Mark only after it succeeds,
// so a crash mid-operation never suppresses the retry.
type Deduper interface {
	// Seen reports whether the key was marked inside its window.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records the key as completed for the duration of the window.
	Mark(ctx context.Context, key string, window time.Duration) error
}

// LocationCache holds the most recent location point per emergency.
type LocationCache interface {
	// SetLatest stores the newest point.
	SetLatest(ctx context.Context, point *emergency.LocationPoint) error
	// GetLatest returns the cached point, or nil when the cache has none.
	GetLatest(ctx context.Context, emergencyID uuid.UUID) (*emergency.LocationPoint, error)
}
