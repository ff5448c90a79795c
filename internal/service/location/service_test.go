package location

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/repository/memory"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

type fixture struct {
	service *Service
	store   *memory.Store
	log     *eventlog.Memory
	cache   *coordination.Memory
	clk     *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	log := eventlog.NewMemory()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := coordination.NewMemory(clk)

	return &fixture{
		service: NewService(store, log, cache, ws.NewHub(), clk, Config{}),
		store:   store,
		log:     log,
		cache:   cache,
		clk:     clk,
	}
}

func (f *fixture) seedEmergency(t *testing.T, status emergency.Status) *emergency.Emergency {
	t.Helper()

	now := f.clk.Now()
	e := &emergency.Emergency{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Type:      emergency.TypeMedical,
		Status:    status,
		Version:   1,
		CreatedAt: now,
	}

	if status == emergency.StatusActive {
		e.ActivatedAt = &now
	}

	if status.Terminal() {
		e.CancelledAt = &now
	}

	require.NoError(t, f.store.CreateEmergency(context.Background(), e))

	return e
}

func point(emergencyID uuid.UUID, at time.Time, lat, lon float64) *emergency.LocationPoint {
	return &emergency.LocationPoint{
		EmergencyID: emergencyID,
		RecordedAt:  at,
		Latitude:    lat,
		Longitude:   lon,
		AccuracyM:   8,
		Provider:    "gps",
	}
}

func TestAppendFansOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusActive)

	err := f.service.Append(context.Background(), point(e.ID, f.clk.Now(), 55.75, 37.62))
	require.NoError(t, err)

	latest, err := f.cache.GetLatest(context.Background(), e.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, 55.75, latest.Latitude)

	require.Len(t, f.log.BySubject(eventlog.SubjectLocationUpdated), 1)
}

func TestAppendDuplicateTimestampCoalesced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusActive)
	at := f.clk.Now()

	require.NoError(t, f.service.Append(context.Background(), point(e.ID, at, 55.75, 37.62)))
	require.NoError(t, f.service.Append(context.Background(), point(e.ID, at, 55.76, 37.63)))

	trail, err := f.service.Trail(context.Background(), e.ID, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, 55.75, trail[0].Latitude)

	require.Len(t, f.log.BySubject(eventlog.SubjectLocationUpdated), 1)
}

func TestAppendTerminalRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusCancelled)

	err := f.service.Append(context.Background(), point(e.ID, f.clk.Now(), 55.75, 37.62))
	require.ErrorIs(t, err, emergency.ErrInvalidState)
}

func TestAppendInvalidCoordinates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusActive)

	err := f.service.Append(context.Background(), point(e.ID, f.clk.Now(), 91, 37.62))
	require.ErrorIs(t, err, emergency.ErrValidation)
}

func TestAppendUnknownEmergency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	err := f.service.Append(context.Background(), point(uuid.New(), f.clk.Now(), 55.75, 37.62))
	require.ErrorIs(t, err, emergency.ErrNotFound)
}

func TestTrailOrderedAndWindowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusActive)
	start := f.clk.Now()

	// An hour of samples, one per minute; only the last half hour is served.
	for i := 0; i < 60; i++ {
		f.clk.Set(start.Add(time.Duration(i) * time.Minute))
		require.NoError(t, f.service.Append(context.Background(), point(e.ID, f.clk.Now(), 55.75, 37.62+float64(i)/1000)))
	}

	trail, err := f.service.Trail(context.Background(), e.ID, 0)
	require.NoError(t, err)
	require.Len(t, trail, 31)

	for i := 1; i < len(trail); i++ {
		require.True(t, trail[i].RecordedAt.After(trail[i-1].RecordedAt))
	}

	full, err := f.service.Trail(context.Background(), e.ID, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, full, 60)
}

func TestTrailSurvivesVolumeAndResolution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusActive)
	start := f.clk.Now()

	for i := 0; i < 1000; i++ {
		f.clk.Set(start.Add(time.Duration(i) * time.Second))
		require.NoError(t, f.service.Append(context.Background(), point(e.ID, f.clk.Now(), 55.75, 37.62+float64(i)/10000)))
	}

	resolvedAt := f.clk.Now()
	e.Status = emergency.StatusResolved
	e.ResolvedAt = &resolvedAt
	require.NoError(t, f.store.UpdateEmergencyCAS(context.Background(), e))

	err := f.service.Append(context.Background(), point(e.ID, f.clk.Now().Add(time.Second), 55.75, 37.72))
	require.ErrorIs(t, err, emergency.ErrInvalidState)

	trail, err := f.service.Trail(context.Background(), e.ID, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1000)

	for i := 1; i < len(trail); i++ {
		require.True(t, trail[i].RecordedAt.After(trail[i-1].RecordedAt))
	}
}

func TestLatestFallsBackToStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusActive)
	at := f.clk.Now()

	// Written behind the cache's back: only the store has it.
	_, err := f.store.InsertLocationPoint(context.Background(), point(e.ID, at, 55.75, 37.62))
	require.NoError(t, err)

	latest, err := f.service.Latest(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, at, latest.RecordedAt)
}

func TestLatestUnknownEmergency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.Latest(context.Background(), uuid.New())
	require.ErrorIs(t, err, emergency.ErrNotFound)
}

func TestCompactRemovesResolvedTrails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.seedEmergency(t, emergency.StatusActive)

	require.NoError(t, f.service.Append(context.Background(), point(e.ID, f.clk.Now(), 55.75, 37.62)))

	resolvedAt := f.clk.Now()
	e.Status = emergency.StatusResolved
	e.ResolvedAt = &resolvedAt
	require.NoError(t, f.store.UpdateEmergencyCAS(context.Background(), e))

	f.clk.Advance(48 * time.Hour)

	removed, err := f.service.Compact(context.Background(), f.clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	trail, err := f.service.Trail(context.Background(), e.ID, 72*time.Hour)
	require.NoError(t, err)
	require.Empty(t, trail)
}
