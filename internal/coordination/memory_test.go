package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

func TestLeaseExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	ctx := context.Background()

	claimed, err := m.Acquire(ctx, "lease:a", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = m.Acquire(ctx, "lease:a", time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)

	// A crashed holder's claim self-heals after the TTL.
	clk.Advance(2 * time.Minute)

	claimed, err = m.Acquire(ctx, "lease:a", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestLeaseReleaseFreesKey(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	ctx := context.Background()

	claimed, err := m.Acquire(ctx, "lease:b", time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, m.Release(ctx, "lease:b"))

	claimed, err = m.Acquire(ctx, "lease:b", time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestMarkSuppressesUntilWindowExpires(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	ctx := context.Background()

	seen, err := m.Seen(ctx, "dedup:x")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, m.Mark(ctx, "dedup:x", 10*time.Minute))

	seen, err = m.Seen(ctx, "dedup:x")
	require.NoError(t, err)
	require.True(t, seen)

	clk.Advance(11 * time.Minute)

	seen, err = m.Seen(ctx, "dedup:x")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestLatestLocationRoundtrip(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	ctx := context.Background()
	id := uuid.New()

	point, err := m.GetLatest(ctx, id)
	require.NoError(t, err)
	require.Nil(t, point)

	stored := &emergency.LocationPoint{
		EmergencyID: id,
		RecordedAt:  clk.Now(),
		Latitude:    55.75,
		Longitude:   37.62,
	}
	require.NoError(t, m.SetLatest(ctx, stored))

	point, err = m.GetLatest(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 55.75, point.Latitude)

	// The cache hands out copies, not its internal pointer.
	point.Latitude = 0

	again, err := m.GetLatest(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 55.75, again.Latitude)
}
