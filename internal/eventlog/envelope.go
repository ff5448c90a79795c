package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// Stream configuration shared by publishers and consumers.
const (
	// StreamName is the JetStream stream holding all orchestration events.
	StreamName = "LIFELINE"
	// SubjectAll matches every subject in the stream.
	SubjectAll = "lifeline.>"
)

// Event subjects.
const (
	SubjectEmergencyCreated    = "lifeline.emergency.created"
	SubjectEmergencyActivated  = "lifeline.emergency.activated"
	SubjectEmergencyCancelled  = "lifeline.emergency.cancelled"
	SubjectEmergencyResolved   = "lifeline.emergency.resolved"
	SubjectContactAcknowledged = "lifeline.emergency.acknowledged"
	SubjectEscalationDue       = "lifeline.emergency.escalation_due"
	SubjectLocationUpdated     = "lifeline.location.updated"
	SubjectAllChannelsFailed   = "lifeline.notification.channels_failed"
)

// Envelope is the wire representation of one event.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID uuid.UUID `json:"id"`
	// Subject is the event topic.
	Subject string `json:"subject"`
	// EmergencyID is the emergency the event belongs to.
	EmergencyID uuid.UUID `json:"emergency_id"`
	// Seq increases monotonically per emergency.
	Seq uint64 `json:"seq"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
	// Payload is the subject-specific event body.
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload into an envelope for publishing.
func NewEnvelope(subject string, emergencyID uuid.UUID, seq uint64, ts time.Time, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Envelope{
		ID:          uuid.New(),
		Subject:     subject,
		EmergencyID: emergencyID,
		Seq:         seq,
		Timestamp:   ts,
		Payload:     body,
	}, nil
}

// Decode parses the envelope payload into the requested type.
func Decode[T any](env *Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Subject, err)
	}

	return &payload, nil
}

// EmergencyEvent is the payload of emergency lifecycle subjects.
type EmergencyEvent struct {
	EmergencyID   uuid.UUID           `json:"emergency_id"`
	UserID        uuid.UUID           `json:"user_id"`
	Type          emergency.Type      `json:"type"`
	Status        emergency.Status    `json:"status"`
	AutoTriggered bool                `json:"auto_triggered"`
	TriggerSource string              `json:"trigger_source,omitempty"`
	Location      *emergency.GeoPoint `json:"location,omitempty"`
	ActorID       *uuid.UUID          `json:"actor_id,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Notes         string              `json:"notes,omitempty"`
	// DurationSeconds is the active duration, set on resolution only.
	DurationSeconds int64 `json:"duration_seconds,omitempty"`
}

// AcknowledgedEvent is the payload of SubjectContactAcknowledged.
type AcknowledgedEvent struct {
	EmergencyID uuid.UUID           `json:"emergency_id"`
	ContactID   uuid.UUID           `json:"contact_id"`
	Location    *emergency.GeoPoint `json:"location,omitempty"`
	Message     string              `json:"message,omitempty"`
}

// EscalationDueEvent is the payload of SubjectEscalationDue. Tiers lists the
// contact tiers the dispatcher must notify; Resend marks re-notification of
// already-notified tiers once no wider tier remains.
type EscalationDueEvent struct {
	EmergencyID uuid.UUID        `json:"emergency_id"`
	Tiers       []emergency.Tier `json:"tiers"`
	Resend      bool             `json:"resend,omitempty"`
}

// LocationUpdatedEvent is the payload of SubjectLocationUpdated.
type LocationUpdatedEvent struct {
	EmergencyID uuid.UUID `json:"emergency_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	AccuracyM   float64   `json:"accuracy_m,omitempty"`
}

// ChannelsFailedEvent is the payload of SubjectAllChannelsFailed, emitted
// for operator visibility when every channel for a contact is exhausted.
type ChannelsFailedEvent struct {
	EmergencyID uuid.UUID `json:"emergency_id"`
	ContactID   uuid.UUID `json:"contact_id"`
	Channels    []string  `json:"channels"`
	LastError   string    `json:"last_error,omitempty"`
}

// Handler processes one delivered envelope. Returning an error leaves the
// event unacknowledged so the log redelivers it.
type Handler func(ctx context.Context, env *Envelope) error

// Publisher appends events to the log.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// Consumer attaches a named consumer group to a set of subjects. Groups have
// independent cursors; within a group each event is handled once (modulo
// redelivery).
type Consumer interface {
	Subscribe(ctx context.Context, group string, subjects []string, handler Handler) error
}

// Log combines both sides for components that publish and consume.
type Log interface {
	Publisher
	Consumer
}

// subjectMatches reports whether a concrete subject matches a subscription
// pattern, supporting a trailing ".>" wildcard.
func subjectMatches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".>"); ok {
		return strings.HasPrefix(subject, prefix+".")
	}

	return pattern == subject
}
