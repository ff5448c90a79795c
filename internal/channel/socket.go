package channel

import (
	"context"
	"time"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

// Socket pushes notifications into the real-time hub so display clients
// already watching the emergency see the alert immediately.
type Socket struct {
	// hub is the WebSocket fan-out.
	hub *ws.Hub
}

// NewSocket creates the socket adapter on the shared hub.
func NewSocket(hub *ws.Hub) *Socket {
	return &Socket{hub: hub}
}

// Name returns the channel name.
func (s *Socket) Name() string {
	return NameSocket
}

// Applicable reports whether the contact receives socket notifications.
// Socket delivery needs no address; consent is the only requirement.
func (s *Socket) Applicable(contact emergency.Contact) bool {
	return contact.Consented
}

// Send broadcasts the notification to the emergency's subscribers.
func (s *Socket) Send(_ context.Context, contact emergency.Contact, payload Payload) error {
	s.hub.Broadcast(payload.EmergencyID, ws.Message{
		Type:        "notification",
		EmergencyID: payload.EmergencyID,
		Timestamp:   time.Now(),
		Payload: map[string]any{
			"contact_id": contact.ID,
			"title":      payload.Title,
			"body":       payload.Body,
		},
	})

	return nil
}
