// Package ws distributes real-time emergency updates to display clients
// over WebSocket, keyed by emergency id.
//
// Broadcast is non-blocking: a slow consumer loses messages rather than
// stalling the fan-out, and the only ordering promise is the per-emergency
// monotonic timestamps carried inside the messages.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lifeline-sos/lifeline/internal/logger"
)

// subscriberBuffer bounds undelivered messages per subscriber.
const subscriberBuffer = 16

// Message is one real-time update pushed to subscribed clients.
type Message struct {
	// Type is the update kind (location, status).
	Type string `json:"type"`
	// EmergencyID is the emergency the update belongs to.
	EmergencyID uuid.UUID `json:"emergency_id"`
	// Timestamp orders updates within one emergency.
	Timestamp time.Time `json:"timestamp"`
	// Payload is the update body.
	Payload any `json:"payload"`
}

// Subscriber is one attached client.
type Subscriber struct {
	// ID identifies the subscription.
	ID uuid.UUID
	// Updates delivers broadcast messages.
	Updates chan Message
	// Done is closed when the subscriber detaches.
	Done chan struct{}

	// closeOnce guards Done against double close.
	closeOnce sync.Once
}

// close releases the subscriber's channels.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// Hub fans out messages to subscribers grouped by emergency id.
type Hub struct {
	// mu protects the subscriber map.
	mu sync.RWMutex
	// subscribers maps emergency id to attached subscribers.
	subscribers map[uuid.UUID]map[uuid.UUID]*Subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[uuid.UUID]map[uuid.UUID]*Subscriber),
	}
}

// Subscribe attaches a new subscriber to an emergency.
func (h *Hub) Subscribe(emergencyID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New(),
		Updates: make(chan Message, subscriberBuffer),
		Done:    make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[emergencyID] == nil {
		h.subscribers[emergencyID] = make(map[uuid.UUID]*Subscriber)
	}

	h.subscribers[emergencyID][sub.ID] = sub

	return sub
}

// Unsubscribe detaches a subscriber from an emergency.
func (h *Hub) Unsubscribe(emergencyID, subID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[emergencyID]

	sub, ok := subs[subID]
	if !ok {
		return
	}

	sub.close()
	delete(subs, subID)

	if len(subs) == 0 {
		delete(h.subscribers, emergencyID)
	}
}

// Broadcast delivers the message to every subscriber of the emergency
// without blocking; full buffers drop the message for that subscriber.
func (h *Hub) Broadcast(emergencyID uuid.UUID, msg Message) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers[emergencyID]))
	for _, sub := range h.subscribers[emergencyID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Updates <- msg:
		case <-sub.Done:
		default:
		}
	}
}

// ServeConn pumps hub messages to one WebSocket connection until the client
// disconnects or the context ends.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, emergencyID uuid.UUID) {
	sub := h.Subscribe(emergencyID)

	defer func() {
		h.Unsubscribe(emergencyID, sub.ID)
		//nolint:errcheck // Closing a dead connection is best-effort.
		conn.Close()
	}()

	// Drain client frames so pings are answered and closure is noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.close()

				return
			}
		}
	}()

	for {
		select {
		case msg := <-sub.Updates:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.ErrorKV(ctx, "Failed to encode realtime message", "error", err)

				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sub.Done:
			return
		case <-ctx.Done():
			return
		}
	}
}
