package location

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

// Config tunes the location trail.
type Config struct {
	// TrailWindow is how far back Trail reads by default.
	TrailWindow time.Duration
}

// DefaultTrailWindow is the default Trail lookback.
const DefaultTrailWindow = 30 * time.Minute

// Service ingests location samples during non-terminal emergencies and
// serves the recent trail to responders.
type Service struct {
	// store persists the append-only trail.
	store repository.Store
	// log receives location events.
	log eventlog.Publisher
	// cache holds the latest point for fast reads.
	cache coordination.LocationCache
	// hub receives real-time pushes for attached clients.
	hub *ws.Hub
	// clk supplies the current time.
	clk clock.Clock
	// cfg holds tuning parameters.
	cfg Config
}

// NewService wires the location fan-out.
func NewService(store repository.Store, log eventlog.Publisher, cache coordination.LocationCache, hub *ws.Hub, clk clock.Clock, cfg Config) *Service {
	if cfg.TrailWindow <= 0 {
		cfg.TrailWindow = DefaultTrailWindow
	}

	return &Service{
		store: store,
		log:   log,
		cache: cache,
		hub:   hub,
		clk:   clk,
		cfg:   cfg,
	}
}

// Append records one location sample. Samples against terminal emergencies
// are rejected with emergency.ErrInvalidState; a client retry carrying an
// already-recorded timestamp is coalesced and succeeds without fan-out.
func (s *Service) Append(ctx context.Context, point *emergency.LocationPoint) error {
	if !(emergency.GeoPoint{Latitude: point.Latitude, Longitude: point.Longitude}).Valid() {
		return fmt.Errorf("%w: coordinates out of range", emergency.ErrValidation)
	}

	e, err := s.store.GetEmergency(ctx, point.EmergencyID)
	if err != nil {
		return err
	}

	if e.Terminal() {
		return &emergency.InvalidStateError{Status: e.Status, Operation: "append location"}
	}

	inserted, err := s.store.InsertLocationPoint(ctx, point)
	if err != nil {
		return fmt.Errorf("insert location point: %w", err)
	}

	if !inserted {
		logger.DebugKV(ctx, "Duplicate location sample coalesced",
			"emergency_id", point.EmergencyID, "recorded_at", point.RecordedAt)

		return nil
	}

	if err := s.cache.SetLatest(ctx, point); err != nil {
		logger.WarnKV(ctx, "Failed to cache latest location",
			"emergency_id", point.EmergencyID, "error", err)
	}

	s.publish(ctx, point)

	s.hub.Broadcast(point.EmergencyID, ws.Message{
		Type:        "location",
		EmergencyID: point.EmergencyID,
		Timestamp:   point.RecordedAt,
		Payload: map[string]any{
			"latitude":   point.Latitude,
			"longitude":  point.Longitude,
			"accuracy_m": point.AccuracyM,
		},
	})

	return nil
}

// Trail returns the points recorded inside the window ending now, oldest
// first. A zero window uses the configured default.
func (s *Service) Trail(ctx context.Context, emergencyID uuid.UUID, window time.Duration) ([]*emergency.LocationPoint, error) {
	if _, err := s.store.GetEmergency(ctx, emergencyID); err != nil {
		return nil, err
	}

	if window <= 0 {
		window = s.cfg.TrailWindow
	}

	points, err := s.store.ListLocationPoints(ctx, emergencyID, s.clk.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("list location points: %w", err)
	}

	return points, nil
}

// Latest returns the most recent point, serving from the cache when it is
// warm and falling back to the store otherwise.
func (s *Service) Latest(ctx context.Context, emergencyID uuid.UUID) (*emergency.LocationPoint, error) {
	cached, err := s.cache.GetLatest(ctx, emergencyID)
	if err != nil {
		logger.WarnKV(ctx, "Latest location cache read failed",
			"emergency_id", emergencyID, "error", err)
	}

	if cached != nil {
		return cached, nil
	}

	return s.store.LatestLocationPoint(ctx, emergencyID)
}

// Compact deletes the trails of emergencies resolved before the cutoff.
func (s *Service) Compact(ctx context.Context, resolvedBefore time.Time) (int64, error) {
	removed, err := s.store.CompactLocations(ctx, resolvedBefore)
	if err != nil {
		return 0, fmt.Errorf("compact locations: %w", err)
	}

	if removed > 0 {
		logger.InfoKV(ctx, "Compacted location trails",
			"removed", removed, "resolved_before", resolvedBefore)
	}

	return removed, nil
}

// publish emits the location event. Failures are logged, never propagated:
// the point is durable and ingestion must stay cheap for the client.
func (s *Service) publish(ctx context.Context, point *emergency.LocationPoint) {
	seq, err := s.store.NextEventSeq(ctx, point.EmergencyID)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to allocate event sequence",
			"emergency_id", point.EmergencyID, "error", err)

		return
	}

	env, err := eventlog.NewEnvelope(eventlog.SubjectLocationUpdated, point.EmergencyID, seq, s.clk.Now(), &eventlog.LocationUpdatedEvent{
		EmergencyID: point.EmergencyID,
		RecordedAt:  point.RecordedAt,
		Latitude:    point.Latitude,
		Longitude:   point.Longitude,
		AccuracyM:   point.AccuracyM,
	})
	if err != nil {
		logger.ErrorKV(ctx, "Failed to build location event",
			"emergency_id", point.EmergencyID, "error", err)

		return
	}

	if err := s.log.Publish(ctx, env); err != nil {
		logger.ErrorKV(ctx, "Failed to publish location event",
			"emergency_id", point.EmergencyID, "error", err)
	}
}
