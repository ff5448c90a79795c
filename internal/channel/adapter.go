// Package channel defines the uniform send contract over notification
// transports and its concrete adapters.
//
// Adapters are stateless and safe for concurrent use from many dispatcher
// workers. The dispatcher iterates a configured ordered list of adapters
// rather than branching on channel type.
package channel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// Channel names.
const (
	NamePush   = "push"
	NameSMS    = "sms"
	NameEmail  = "email"
	NameSocket = "socket"
)

// Payload is the notification content handed to every adapter.
type Payload struct {
	// EmergencyID is the emergency being notified about.
	EmergencyID uuid.UUID `json:"emergency_id"`
	// UserID is the person the emergency belongs to.
	UserID uuid.UUID `json:"user_id"`
	// Type classifies the emergency.
	Type emergency.Type `json:"type"`
	// Title is the alert headline.
	Title string `json:"title"`
	// Body is the alert text.
	Body string `json:"body"`
	// Location is the most relevant known location, if any.
	Location *emergency.GeoPoint `json:"location,omitempty"`
	// Timestamp is when the notification was produced.
	Timestamp time.Time `json:"timestamp"`
}

// Adapter is the uniform contract over one notification transport.
type Adapter interface {
	// Name returns the channel name.
	Name() string
	// Applicable reports whether the contact can be reached on this channel.
	Applicable(contact emergency.Contact) bool
	// Send delivers the payload to the contact. A returned error is
	// transient from the caller's perspective and subject to retry.
	Send(ctx context.Context, contact emergency.Contact, payload Payload) error
}
