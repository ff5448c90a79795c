package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// webhookRequest is the body posted to a transport gateway.
type webhookRequest struct {
	// Recipient is the channel-specific address.
	Recipient string `json:"recipient"`
	// ContactID identifies the contact at the gateway.
	ContactID string `json:"contact_id"`
	// Payload is the notification content.
	Payload Payload `json:"payload"`
}

// Webhook sends notifications by posting to a transport gateway URL. The
// push, SMS and email senders all live behind gateways with this contract;
// only the recipient address differs per channel.
type Webhook struct {
	// name is the channel name.
	name string
	// url is the gateway endpoint.
	url string
	// recipient extracts the channel address from a contact.
	recipient func(emergency.Contact) string
	// client is the shared HTTP client.
	client *http.Client
	// limiter bounds the send rate toward the gateway.
	limiter *rate.Limiter
}

// NewPush creates the push notification adapter.
func NewPush(url string, timeout time.Duration, sendsPerSecond float64) *Webhook {
	return newWebhook(NamePush, url, timeout, sendsPerSecond,
		func(c emergency.Contact) string { return c.PushToken })
}

// NewSMS creates the SMS adapter.
func NewSMS(url string, timeout time.Duration, sendsPerSecond float64) *Webhook {
	return newWebhook(NameSMS, url, timeout, sendsPerSecond,
		func(c emergency.Contact) string { return c.Phone })
}

// NewEmail creates the email adapter.
func NewEmail(url string, timeout time.Duration, sendsPerSecond float64) *Webhook {
	return newWebhook(NameEmail, url, timeout, sendsPerSecond,
		func(c emergency.Contact) string { return c.Email })
}

// newWebhook assembles a gateway adapter.
func newWebhook(name, url string, timeout time.Duration, sendsPerSecond float64, recipient func(emergency.Contact) string) *Webhook {
	if sendsPerSecond <= 0 {
		sendsPerSecond = 50
	}

	return &Webhook{
		name:      name,
		url:       url,
		recipient: recipient,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(sendsPerSecond), int(sendsPerSecond)),
	}
}

// Name returns the channel name.
func (w *Webhook) Name() string {
	return w.name
}

// Applicable reports whether the contact has an address on this channel and
// has consented to receive alerts.
func (w *Webhook) Applicable(contact emergency.Contact) bool {
	return contact.Consented && w.recipient(contact) != ""
}

// Send posts the notification to the gateway.
func (w *Webhook) Send(ctx context.Context, contact emergency.Contact, payload Payload) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s send: %w", w.name, err)
	}

	body, err := json.Marshal(webhookRequest{
		Recipient: w.recipient(contact),
		ContactID: contact.ID.String(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", w.name, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", emergency.ErrChannelDelivery, w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s gateway returned %d", emergency.ErrChannelDelivery, w.name, resp.StatusCode)
	}

	return nil
}
