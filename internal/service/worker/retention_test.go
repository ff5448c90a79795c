package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/repository/memory"
)

func TestRetentionSweepArchivesAndCompacts(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	old := seedResolved(t, store, clk.Now().Add(-48*time.Hour))
	fresh := seedResolved(t, store, clk.Now().Add(-time.Hour))

	job := newRetentionJob(store, clk, 24*time.Hour)
	job.run(ctx)

	archived, err := store.GetEmergency(ctx, old.ID)
	require.NoError(t, err)
	require.True(t, archived.Archived)

	points, err := store.ListLocationPoints(ctx, old.ID, time.Time{})
	require.NoError(t, err)
	require.Empty(t, points)

	kept, err := store.GetEmergency(ctx, fresh.ID)
	require.NoError(t, err)
	require.False(t, kept.Archived)

	points, err = store.ListLocationPoints(ctx, fresh.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, points, 1)
}

func seedResolved(t *testing.T, store *memory.Store, resolvedAt time.Time) *emergency.Emergency {
	t.Helper()

	ctx := context.Background()
	activatedAt := resolvedAt.Add(-10 * time.Minute)

	e := &emergency.Emergency{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Type:        emergency.TypeMedical,
		Status:      emergency.StatusResolved,
		Version:     1,
		CreatedAt:   activatedAt,
		ActivatedAt: &activatedAt,
		ResolvedAt:  &resolvedAt,
	}
	require.NoError(t, store.CreateEmergency(ctx, e))

	inserted, err := store.InsertLocationPoint(ctx, &emergency.LocationPoint{
		EmergencyID: e.ID,
		RecordedAt:  activatedAt,
		Latitude:    55.75,
		Longitude:   37.62,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	return e
}
