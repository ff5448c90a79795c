package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/contacts"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

// Config tunes the state machine.
type Config struct {
	// EscalationInitialDelay is how long after activation the scheduler
	// first re-evaluates an unacknowledged emergency.
	EscalationInitialDelay time.Duration
	// CASRetries bounds retries after a lost optimistic-concurrency race.
	CASRetries int
	// MaxCountdownSeconds bounds the confirmation window a client may request.
	MaxCountdownSeconds int
}

// Default configuration values.
const (
	DefaultEscalationInitialDelay = 2 * time.Minute
	DefaultCASRetries             = 3
	DefaultMaxCountdownSeconds    = 300
)

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.EscalationInitialDelay <= 0 {
		c.EscalationInitialDelay = DefaultEscalationInitialDelay
	}

	if c.CASRetries <= 0 {
		c.CASRetries = DefaultCASRetries
	}

	if c.MaxCountdownSeconds <= 0 {
		c.MaxCountdownSeconds = DefaultMaxCountdownSeconds
	}

	return c
}

// Service is the emergency state machine.
type Service struct {
	// store persists canonical state.
	store repository.Store
	// log receives lifecycle events after commits.
	log eventlog.Publisher
	// directory resolves the contact snapshot at trigger time.
	directory contacts.Directory
	// hub receives status broadcasts for subscribed display clients.
	hub *ws.Hub
	// clk supplies the current time.
	clk clock.Clock
	// cfg holds tuning parameters.
	cfg Config
}

// NewService wires the state machine.
func NewService(store repository.Store, log eventlog.Publisher, directory contacts.Directory, hub *ws.Hub, clk clock.Clock, cfg Config) *Service {
	return &Service{
		store:     store,
		log:       log,
		directory: directory,
		hub:       hub,
		clk:       clk,
		cfg:       cfg.withDefaults(),
	}
}

// TriggerParams carries a validated trigger request.
type TriggerParams struct {
	// UserID is the person the emergency belongs to.
	UserID uuid.UUID
	// Type classifies the emergency.
	Type emergency.Type
	// Location is the location snapshot at trigger time.
	Location *emergency.GeoPoint
	// AutoTriggered marks device-raised emergencies, which skip the countdown.
	AutoTriggered bool
	// TriggerSource names what raised the emergency.
	TriggerSource string
	// CountdownSeconds is the confirmation window for manual triggers.
	// Zero activates immediately.
	CountdownSeconds int
}

// Trigger creates a new emergency. A user with a non-terminal emergency
// gets *emergency.ConflictError carrying the existing id. Auto-triggered
// emergencies and zero countdowns activate immediately; manual ones start
// pending with a countdown deadline.
func (s *Service) Trigger(ctx context.Context, params TriggerParams) (*emergency.Emergency, error) {
	if params.CountdownSeconds < 0 || params.CountdownSeconds > s.cfg.MaxCountdownSeconds {
		return nil, fmt.Errorf("%w: countdown out of range", emergency.ErrValidation)
	}

	snapshot, err := s.directory.Resolve(ctx, params.UserID)
	if err != nil {
		// The alert must go out even when the directory is down; the
		// emergency is created with an empty notification plan and the
		// failure is surfaced operationally.
		logger.ErrorKV(ctx, "Contact directory unavailable, triggering without snapshot",
			"user_id", params.UserID, "error", err)

		snapshot = nil
	}

	now := s.clk.Now()
	immediate := params.AutoTriggered || params.CountdownSeconds == 0

	e := &emergency.Emergency{
		ID:               uuid.New(),
		UserID:           params.UserID,
		Type:             params.Type,
		Status:           emergency.StatusPending,
		AutoTriggered:    params.AutoTriggered,
		TriggerSource:    params.TriggerSource,
		CountdownSeconds: params.CountdownSeconds,
		InitialLocation:  params.Location.Clone(),
		Contacts:         snapshot,
		Version:          1,
		CreatedAt:        now,
	}

	if immediate {
		e.Status = emergency.StatusActive
		e.ActivatedAt = &now
	} else {
		deadline := now.Add(time.Duration(params.CountdownSeconds) * time.Second)
		e.CountdownDeadline = &deadline
	}

	if err := s.store.CreateEmergency(ctx, e); err != nil {
		var conflict *emergency.ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}

		return nil, fmt.Errorf("create emergency: %w", err)
	}

	logger.InfoKV(ctx, "Emergency triggered",
		"emergency_id", e.ID, "user_id", e.UserID, "type", e.Type,
		"status", e.Status, "auto_triggered", e.AutoTriggered)

	s.publish(ctx, eventlog.SubjectEmergencyCreated, e.ID, s.lifecyclePayload(e))

	if immediate {
		s.activated(ctx, e)
	}

	return e, nil
}

// ConfirmCountdown moves a pending emergency to active once its countdown
// elapsed uncancelled. A cancellation that won the race surfaces as
// emergency.ErrInvalidState, which the scheduler treats as a no-op.
func (s *Service) ConfirmCountdown(ctx context.Context, id uuid.UUID) (*emergency.Emergency, error) {
	e, err := s.mutate(ctx, id, func(e *emergency.Emergency) error {
		if e.Status != emergency.StatusPending {
			return &emergency.InvalidStateError{Status: e.Status, Operation: "confirm countdown"}
		}

		now := s.clk.Now()
		e.Status = emergency.StatusActive
		e.ActivatedAt = &now
		e.CountdownDeadline = nil

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Countdown confirmed", "emergency_id", e.ID, "user_id", e.UserID)

	s.activated(ctx, e)

	return e, nil
}

// Cancel terminates a pending or, by policy, an active emergency.
func (s *Service) Cancel(ctx context.Context, id, actorID uuid.UUID, reason string) (*emergency.Emergency, error) {
	e, err := s.mutate(ctx, id, func(e *emergency.Emergency) error {
		if !emergency.CanTransition(e.Status, emergency.StatusCancelled) {
			return &emergency.InvalidStateError{Status: e.Status, Operation: "cancel"}
		}

		now := s.clk.Now()
		e.Status = emergency.StatusCancelled
		e.CancelledAt = &now
		e.CancelActorID = &actorID
		e.CancelReason = reason
		e.CountdownDeadline = nil

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Emergency cancelled", "emergency_id", e.ID, "actor_id", actorID, "reason", reason)

	if err := s.store.StopEscalationTimer(ctx, e.ID); err != nil {
		logger.ErrorKV(ctx, "Failed to stop escalation timer", "emergency_id", e.ID, "error", err)
	}

	payload := s.lifecyclePayload(e)
	payload.ActorID = &actorID
	payload.Reason = reason

	s.publish(ctx, eventlog.SubjectEmergencyCancelled, e.ID, payload)
	s.broadcastStatus(e)

	return e, nil
}

// Acknowledge records that a contact saw the emergency. It is idempotent: a
// duplicate from the same contact succeeds without re-emitting the event.
// Escalation stops permanently on the first acknowledgment.
func (s *Service) Acknowledge(ctx context.Context, id, contactID uuid.UUID, location *emergency.GeoPoint, message string) error {
	e, err := s.store.GetEmergency(ctx, id)
	if err != nil {
		return err
	}

	if e.Terminal() {
		return &emergency.InvalidStateError{Status: e.Status, Operation: "acknowledge"}
	}

	if !knownContact(e, contactID) {
		return fmt.Errorf("%w: contact %s not in emergency snapshot", emergency.ErrNotFound, contactID)
	}

	inserted, err := s.store.InsertAcknowledgment(ctx, &emergency.Acknowledgment{
		EmergencyID: id,
		ContactID:   contactID,
		Location:    location.Clone(),
		Message:     message,
		CreatedAt:   s.clk.Now(),
	})
	if err != nil {
		return fmt.Errorf("insert acknowledgment: %w", err)
	}

	if !inserted {
		logger.DebugKV(ctx, "Duplicate acknowledgment ignored", "emergency_id", id, "contact_id", contactID)

		return nil
	}

	logger.InfoKV(ctx, "Contact acknowledged", "emergency_id", id, "contact_id", contactID)

	if err := s.store.StopEscalationTimer(ctx, id); err != nil {
		logger.ErrorKV(ctx, "Failed to stop escalation timer", "emergency_id", id, "error", err)
	}

	s.publish(ctx, eventlog.SubjectContactAcknowledged, id, &eventlog.AcknowledgedEvent{
		EmergencyID: id,
		ContactID:   contactID,
		Location:    location.Clone(),
		Message:     message,
	})

	s.hub.Broadcast(id, ws.Message{
		Type:        "status",
		EmergencyID: id,
		Timestamp:   s.clk.Now(),
		Payload:     map[string]any{"acknowledged_by": contactID},
	})

	return nil
}

// Resolve terminates an active emergency, computing its duration and
// archiving the record for history.
func (s *Service) Resolve(ctx context.Context, id, actorID uuid.UUID, notes string) (*emergency.Emergency, error) {
	e, err := s.mutate(ctx, id, func(e *emergency.Emergency) error {
		if e.Status != emergency.StatusActive {
			return &emergency.InvalidStateError{Status: e.Status, Operation: "resolve"}
		}

		now := s.clk.Now()
		e.Status = emergency.StatusResolved
		e.ResolvedAt = &now
		e.ResolveActorID = &actorID
		e.ResolutionNotes = notes

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Emergency resolved",
		"emergency_id", e.ID, "actor_id", actorID, "duration", e.Duration())

	if err := s.store.StopEscalationTimer(ctx, e.ID); err != nil {
		logger.ErrorKV(ctx, "Failed to stop escalation timer", "emergency_id", e.ID, "error", err)
	}

	payload := s.lifecyclePayload(e)
	payload.ActorID = &actorID
	payload.Notes = notes
	payload.DurationSeconds = int64(e.Duration() / time.Second)

	s.publish(ctx, eventlog.SubjectEmergencyResolved, e.ID, payload)
	s.broadcastStatus(e)

	return e, nil
}

// Get returns the emergency or emergency.ErrNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*emergency.Emergency, error) {
	return s.store.GetEmergency(ctx, id)
}

// Acknowledgments returns the emergency's acknowledgments in insertion order.
func (s *Service) Acknowledgments(ctx context.Context, id uuid.UUID) ([]*emergency.Acknowledgment, error) {
	if _, err := s.store.GetEmergency(ctx, id); err != nil {
		return nil, err
	}

	return s.store.ListAcknowledgments(ctx, id)
}

// History returns a user's emergencies, newest first.
func (s *Service) History(ctx context.Context, filter repository.HistoryFilter) ([]*emergency.Emergency, error) {
	return s.store.ListEmergencies(ctx, filter)
}

// mutate runs the CAS loop for one emergency: fetch, apply, write, retry on
// a lost race against freshly observed state.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, apply func(*emergency.Emergency) error) (*emergency.Emergency, error) {
	for attempt := 0; attempt <= s.cfg.CASRetries; attempt++ {
		e, err := s.store.GetEmergency(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := apply(e); err != nil {
			return nil, err
		}

		err = s.store.UpdateEmergencyCAS(ctx, e)
		if err == nil {
			return e, nil
		}

		if !errors.Is(err, emergency.ErrStaleVersion) {
			return nil, err
		}

		logger.DebugKV(ctx, "Lost concurrent update race, retrying",
			"emergency_id", id, "attempt", attempt)
	}

	return nil, fmt.Errorf("update emergency %s: %w", id, emergency.ErrStaleVersion)
}

// activated seeds the escalation timer and publishes the activation event.
func (s *Service) activated(ctx context.Context, e *emergency.Emergency) {
	timer := &emergency.EscalationTimer{
		EmergencyID:  e.ID,
		TierNotified: emergency.TierPrimary,
		NextDeadline: s.clk.Now().Add(s.cfg.EscalationInitialDelay),
	}

	if err := s.store.UpsertEscalationTimer(ctx, timer); err != nil {
		logger.ErrorKV(ctx, "Failed to seed escalation timer", "emergency_id", e.ID, "error", err)
	}

	s.publish(ctx, eventlog.SubjectEmergencyActivated, e.ID, s.lifecyclePayload(e))
	s.broadcastStatus(e)
}

// publish emits one event with the next per-emergency sequence. A publish
// failure is logged, never propagated: the state change is already durable
// and alerting must not fail the caller.
func (s *Service) publish(ctx context.Context, subject string, emergencyID uuid.UUID, payload any) {
	seq, err := s.store.NextEventSeq(ctx, emergencyID)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to allocate event sequence",
			"subject", subject, "emergency_id", emergencyID, "error", err)

		return
	}

	env, err := eventlog.NewEnvelope(subject, emergencyID, seq, s.clk.Now(), payload)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to build event envelope",
			"subject", subject, "emergency_id", emergencyID, "error", err)

		return
	}

	if err := s.log.Publish(ctx, env); err != nil {
		logger.ErrorKV(ctx, "Failed to publish event",
			"subject", subject, "emergency_id", emergencyID, "error", err)
	}
}

// lifecyclePayload builds the shared lifecycle event body.
func (s *Service) lifecyclePayload(e *emergency.Emergency) *eventlog.EmergencyEvent {
	return &eventlog.EmergencyEvent{
		EmergencyID:   e.ID,
		UserID:        e.UserID,
		Type:          e.Type,
		Status:        e.Status,
		AutoTriggered: e.AutoTriggered,
		TriggerSource: e.TriggerSource,
		Location:      e.InitialLocation.Clone(),
	}
}

// broadcastStatus pushes the new status to subscribed display clients.
func (s *Service) broadcastStatus(e *emergency.Emergency) {
	s.hub.Broadcast(e.ID, ws.Message{
		Type:        "status",
		EmergencyID: e.ID,
		Timestamp:   s.clk.Now(),
		Payload:     map[string]any{"status": e.Status},
	})
}

// knownContact reports whether the contact is part of the snapshot.
func knownContact(e *emergency.Emergency, contactID uuid.UUID) bool {
	for _, c := range e.Contacts {
		if c.ID == contactID {
			return true
		}
	}

	return false
}
