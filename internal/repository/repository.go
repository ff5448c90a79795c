// Package repository defines the persistence contracts the orchestration
// services depend on. The postgres subpackage implements them against the
// durable store; the memory subpackage backs tests and local development.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// HistoryFilter narrows emergency history reads.
type HistoryFilter struct {
	// UserID restricts results to one user's emergencies. Required.
	UserID uuid.UUID
	// Status keeps only emergencies in the given state when set.
	Status emergency.Status
	// Type keeps only emergencies of the given type when set.
	Type emergency.Type
	// From keeps emergencies created at or after this instant when set.
	From time.Time
	// To keeps emergencies created before this instant when set.
	To time.Time
	// Limit bounds the result size; zero means the store default.
	Limit int
}

// EmergencyStore persists the canonical emergency lifecycle.
type EmergencyStore interface {
	// CreateEmergency inserts a new emergency. When the user already has a
	// non-terminal emergency it fails with *emergency.ConflictError carrying
	// the existing id; the store-level unique constraint makes the invariant
	// hold across concurrent workers.
	CreateEmergency(ctx context.Context, e *emergency.Emergency) error
	// GetEmergency returns the emergency or emergency.ErrNotFound.
	GetEmergency(ctx context.Context, id uuid.UUID) (*emergency.Emergency, error)
	// UpdateEmergencyCAS writes the emergency if its version still matches,
	// then increments the version. A lost race returns
	// emergency.ErrStaleVersion and the caller retries on fresh state.
	UpdateEmergencyCAS(ctx context.Context, e *emergency.Emergency) error
	// ListEmergencies returns a user's emergencies, newest first.
	ListEmergencies(ctx context.Context, filter HistoryFilter) ([]*emergency.Emergency, error)
	// DuePendingCountdowns returns pending emergencies whose countdown
	// deadline has elapsed.
	DuePendingCountdowns(ctx context.Context, now time.Time, limit int) ([]*emergency.Emergency, error)
	// NextEventSeq atomically increments and returns the per-emergency
	// event sequence.
	NextEventSeq(ctx context.Context, emergencyID uuid.UUID) (uint64, error)
	// ArchiveTerminalBefore flags terminal emergencies older than the cutoff
	// as archived and reports how many rows changed. Nothing is deleted.
	ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AcknowledgmentStore persists contact acknowledgments.
type AcknowledgmentStore interface {
	// InsertAcknowledgment appends the acknowledgment. The bool reports
	// whether a row was inserted; a duplicate (emergency, contact) pair is
	// coalesced and returns false without error.
	InsertAcknowledgment(ctx context.Context, ack *emergency.Acknowledgment) (bool, error)
	// ListAcknowledgments returns acknowledgments for an emergency in
	// insertion order.
	ListAcknowledgments(ctx context.Context, emergencyID uuid.UUID) ([]*emergency.Acknowledgment, error)
}

// LocationStore persists the per-emergency location trail.
type LocationStore interface {
	// InsertLocationPoint appends the point. The bool reports whether a row
	// was inserted; a duplicate (emergency, timestamp) pair from a client
	// retry is coalesced and returns false without error.
	InsertLocationPoint(ctx context.Context, point *emergency.LocationPoint) (bool, error)
	// ListLocationPoints returns points recorded at or after since, in
	// timestamp order.
	ListLocationPoints(ctx context.Context, emergencyID uuid.UUID, since time.Time) ([]*emergency.LocationPoint, error)
	// LatestLocationPoint returns the newest point or emergency.ErrNotFound.
	LatestLocationPoint(ctx context.Context, emergencyID uuid.UUID) (*emergency.LocationPoint, error)
	// CompactLocations deletes trails of emergencies resolved before the
	// cutoff and reports how many points were removed.
	CompactLocations(ctx context.Context, resolvedBefore time.Time) (int64, error)
}

// NotificationStore persists dispatcher delivery records.
type NotificationStore interface {
	// CreateNotificationRecord inserts a new record.
	CreateNotificationRecord(ctx context.Context, rec *emergency.NotificationRecord) error
	// UpdateNotificationRecord rewrites the record's mutable delivery state.
	UpdateNotificationRecord(ctx context.Context, rec *emergency.NotificationRecord) error
	// ListNotificationRecords returns records for an emergency in creation order.
	ListNotificationRecords(ctx context.Context, emergencyID uuid.UUID) ([]*emergency.NotificationRecord, error)
}

// TimerStore persists escalation deadlines.
type TimerStore interface {
	// UpsertEscalationTimer creates or replaces the emergency's timer.
	UpsertEscalationTimer(ctx context.Context, timer *emergency.EscalationTimer) error
	// GetEscalationTimer returns the timer or emergency.ErrNotFound.
	GetEscalationTimer(ctx context.Context, emergencyID uuid.UUID) (*emergency.EscalationTimer, error)
	// DueEscalationTimers returns unstopped timers whose deadline elapsed.
	DueEscalationTimers(ctx context.Context, now time.Time, limit int) ([]*emergency.EscalationTimer, error)
	// StopEscalationTimer permanently silences the emergency's timer.
	// Stopping a missing or already stopped timer is a no-op.
	StopEscalationTimer(ctx context.Context, emergencyID uuid.UUID) error
}

// Store combines every persistence contract of the orchestration core.
type Store interface {
	EmergencyStore
	AcknowledgmentStore
	LocationStore
	NotificationStore
	TimerStore
}
