package emergency

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of emergency was triggered.
type Type string

// Supported emergency types.
const (
	TypeMedical      Type = "medical"
	TypeFire         Type = "fire"
	TypePolice       Type = "police"
	TypeGeneral      Type = "general"
	TypeFallDetected Type = "fall_detected"
	TypeDeviceAlert  Type = "device_alert"
)

// ParseType converts string input to a Type.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case TypeMedical, TypeFire, TypePolice, TypeGeneral, TypeFallDetected, TypeDeviceAlert:
		return Type(s), true
	default:
		return "", false
	}
}

// Status is the lifecycle state of an emergency.
type Status string

// Lifecycle states. Transitions are monotonic and never reversed.
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusResolved  Status = "resolved"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusResolved
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusCancelled || to == StatusResolved
	default:
		return false
	}
}

// Tier is the priority grouping of emergency contacts.
type Tier int

// Contact tiers, notified in order as escalation widens.
const (
	TierPrimary   Tier = 1
	TierSecondary Tier = 2
	TierTertiary  Tier = 3
)

// MaxTier is the widest tier escalation can reach.
const MaxTier = TierTertiary

// GeoPoint is a single geographic coordinate with its reported accuracy.
type GeoPoint struct {
	// Latitude in decimal degrees, [-90, 90].
	Latitude float64 `json:"latitude"`
	// Longitude in decimal degrees, [-180, 180].
	Longitude float64 `json:"longitude"`
	// AccuracyM is the reported accuracy radius in meters.
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

// Valid reports whether the coordinates are within bounds.
func (p GeoPoint) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// Clone returns a copy of the point.
func (p *GeoPoint) Clone() *GeoPoint {
	if p == nil {
		return nil
	}

	cloned := *p

	return &cloned
}

// Contact is a snapshot of an emergency contact copied into the emergency at
// trigger time. It is a value copy, never a live join, so later contact-list
// edits do not change an in-flight notification plan.
type Contact struct {
	// ID identifies the contact in the external directory.
	ID uuid.UUID `json:"id"`
	// Name is the contact's display name.
	Name string `json:"name"`
	// Tier determines when this contact is notified during escalation.
	Tier Tier `json:"tier"`
	// Phone receives SMS notifications when set.
	Phone string `json:"phone,omitempty"`
	// Email receives email notifications when set.
	Email string `json:"email,omitempty"`
	// PushToken receives push notifications when set.
	PushToken string `json:"push_token,omitempty"`
	// Consented records that the contact agreed to receive alerts.
	Consented bool `json:"consented"`
}

// Emergency is one tracked incident from trigger to resolution or
// cancellation. It is owned exclusively by the state machine and archived,
// not deleted, on termination.
type Emergency struct {
	// ID uniquely identifies the emergency.
	ID uuid.UUID
	// UserID is the owning user. A user has at most one non-terminal emergency.
	UserID uuid.UUID
	// Type classifies the emergency.
	Type Type
	// Status is the current lifecycle state.
	Status Status
	// AutoTriggered marks emergencies raised by a device rather than a person.
	AutoTriggered bool
	// TriggerSource names what raised the emergency (app, fall sensor, ...).
	TriggerSource string
	// CountdownSeconds is the confirmation window for manual triggers.
	CountdownSeconds int
	// CountdownDeadline is when a pending emergency auto-activates.
	CountdownDeadline *time.Time
	// InitialLocation is the location snapshot taken at trigger time.
	InitialLocation *GeoPoint
	// Contacts is the contact snapshot resolved at trigger time.
	Contacts []Contact
	// Version is the optimistic concurrency counter used by the store.
	Version int64
	// CreatedAt is when the emergency was triggered.
	CreatedAt time.Time
	// ActivatedAt is when the emergency entered the active state.
	ActivatedAt *time.Time
	// CancelledAt is when the emergency was cancelled.
	CancelledAt *time.Time
	// CancelActorID is who cancelled the emergency.
	CancelActorID *uuid.UUID
	// CancelReason is the reason supplied at cancellation.
	CancelReason string
	// ResolvedAt is when the emergency was resolved.
	ResolvedAt *time.Time
	// ResolveActorID is who resolved the emergency.
	ResolveActorID *uuid.UUID
	// ResolutionNotes is free-form text recorded at resolution.
	ResolutionNotes string
	// Archived marks terminal emergencies swept by the retention job.
	Archived bool
}

// Terminal reports whether the emergency reached a final state.
func (e *Emergency) Terminal() bool {
	return e.Status.Terminal()
}

// Duration returns the active duration, zero until resolved.
func (e *Emergency) Duration() time.Duration {
	if e.ActivatedAt == nil || e.ResolvedAt == nil {
		return 0
	}

	return e.ResolvedAt.Sub(*e.ActivatedAt)
}

// ContactsInTier returns the snapshot contacts belonging to the given tier.
func (e *Emergency) ContactsInTier(tier Tier) []Contact {
	var result []Contact

	for _, c := range e.Contacts {
		if c.Tier == tier {
			result = append(result, c)
		}
	}

	return result
}

// HighestTier returns the widest tier present in the contact snapshot.
func (e *Emergency) HighestTier() Tier {
	var highest Tier

	for _, c := range e.Contacts {
		if c.Tier > highest {
			highest = c.Tier
		}
	}

	return highest
}

// Clone returns a deep copy of the emergency to avoid leaking internal references.
func (e *Emergency) Clone() *Emergency {
	if e == nil {
		return nil
	}

	cloned := *e
	cloned.InitialLocation = e.InitialLocation.Clone()
	cloned.CountdownDeadline = cloneTime(e.CountdownDeadline)
	cloned.ActivatedAt = cloneTime(e.ActivatedAt)
	cloned.CancelledAt = cloneTime(e.CancelledAt)
	cloned.ResolvedAt = cloneTime(e.ResolvedAt)
	cloned.CancelActorID = cloneID(e.CancelActorID)
	cloned.ResolveActorID = cloneID(e.ResolveActorID)
	cloned.Contacts = append([]Contact(nil), e.Contacts...)

	return &cloned
}

// Acknowledgment records that a contact confirmed seeing an emergency.
// At most one exists per (emergency, contact) pair; the set is append-only.
type Acknowledgment struct {
	// EmergencyID is the acknowledged emergency.
	EmergencyID uuid.UUID `json:"emergency_id"`
	// ContactID is the acknowledging contact.
	ContactID uuid.UUID `json:"contact_id"`
	// Location is the contact's location at acknowledgment time, if shared.
	Location *GeoPoint `json:"location,omitempty"`
	// Message is an optional free-form note from the contact.
	Message string `json:"message,omitempty"`
	// CreatedAt is when the acknowledgment was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// LocationPoint is one sample of the tracked user's location during an
// active emergency. Points are ordered per emergency by RecordedAt and the
// trail is append-only.
type LocationPoint struct {
	// EmergencyID is the emergency the point belongs to.
	EmergencyID uuid.UUID `json:"emergency_id"`
	// RecordedAt is the client-supplied sample timestamp.
	// (EmergencyID, RecordedAt) is the idempotency key for client retries.
	RecordedAt time.Time `json:"recorded_at"`
	// Latitude in decimal degrees.
	Latitude float64 `json:"latitude"`
	// Longitude in decimal degrees.
	Longitude float64 `json:"longitude"`
	// AccuracyM is the reported accuracy radius in meters.
	AccuracyM float64 `json:"accuracy_m,omitempty"`
	// SpeedMPS is the reported speed in meters per second, if available.
	SpeedMPS *float64 `json:"speed_mps,omitempty"`
	// HeadingDeg is the reported heading in degrees, if available.
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
	// Provider names the positioning source (gps, network, fused).
	Provider string `json:"provider,omitempty"`
	// BatteryPct is the reporting device's battery level, if available.
	BatteryPct *float64 `json:"battery_pct,omitempty"`
}

// NotificationStatus is the delivery state of one notification record.
type NotificationStatus string

// Notification delivery states.
const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

// NotificationRecord tracks one logical channel attempt for one contact.
// It is created by the dispatcher and retried in place up to a bounded
// count, then marked terminally failed.
type NotificationRecord struct {
	// ID uniquely identifies the record.
	ID uuid.UUID
	// EmergencyID is the emergency being notified about.
	EmergencyID uuid.UUID
	// BatchID groups records created by one dispatch pass.
	BatchID uuid.UUID
	// ContactID is the notified contact.
	ContactID uuid.UUID
	// Channel is the notification transport (push, sms, email, socket).
	Channel string
	// Status is the current delivery state.
	Status NotificationStatus
	// Attempts counts delivery attempts made so far.
	Attempts int
	// LastError is the most recent delivery error, if any.
	LastError string
	// CreatedAt is when the record was created.
	CreatedAt time.Time
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time
}

// EscalationTimer is the persisted deadline driving escalation for one
// emergency. Exactly one exists per active, unacknowledged emergency and it
// survives process restarts.
type EscalationTimer struct {
	// EmergencyID is the emergency the timer belongs to.
	EmergencyID uuid.UUID
	// TierNotified is the highest tier already notified.
	TierNotified Tier
	// NextDeadline is when the scheduler re-evaluates the emergency.
	NextDeadline time.Time
	// Stopped marks timers silenced by acknowledgment or a terminal state.
	Stopped bool
}

// cloneTime copies an optional timestamp.
func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	cloned := *t

	return &cloned
}

// cloneID copies an optional id.
func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}

	cloned := *id

	return &cloned
}
