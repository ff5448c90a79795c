package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// Memory implements Lease, Deduper and LocationCache in process memory.
// Expiry follows the injected clock so deadline tests stay deterministic.
type Memory struct {
	// clk supplies the current time for expiry checks.
	clk clock.Clock
	// mu protects the maps below.
	mu sync.Mutex
	// leases maps lease keys to their expiry.
	leases map[string]time.Time
	// seen maps dedup keys to their window expiry.
	seen map[string]time.Time
	// latest holds the newest point per emergency.
	latest map[uuid.UUID]*emergency.LocationPoint
}

// NewMemory creates an empty in-memory coordinator.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:    clk,
		leases: make(map[string]time.Time),
		seen:   make(map[string]time.Time),
		latest: make(map[uuid.UUID]*emergency.LocationPoint),
	}
}

// Acquire claims the key unless an unexpired claim exists.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	if expiry, ok := m.leases[key]; ok && expiry.After(now) {
		return false, nil
	}

	m.leases[key] = now.Add(ttl)

	return true, nil
}

// Release drops the claim.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.leases, key)

	return nil
}

// Seen reports whether the key was marked inside its window.
func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.seen[key]

	return ok && expiry.After(m.clk.Now()), nil
}

// Mark records the key as completed for the duration of the window.
func (m *Memory) Mark(_ context.Context, key string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seen[key] = m.clk.Now().Add(window)

	return nil
}

// SetLatest stores the newest point for an emergency.
func (m *Memory) SetLatest(_ context.Context, point *emergency.LocationPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cloned := *point
	m.latest[point.EmergencyID] = &cloned

	return nil
}

// GetLatest returns the cached point, or nil when the cache has none.
func (m *Memory) GetLatest(_ context.Context, emergencyID uuid.UUID) (*emergency.LocationPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	point, ok := m.latest[emergencyID]
	if !ok {
		return nil, nil
	}

	cloned := *point

	return &cloned, nil
}
