package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

func testPayload() Payload {
	return Payload{
		EmergencyID: uuid.New(),
		UserID:      uuid.New(),
		Type:        emergency.TypeMedical,
		Title:       "Emergency alert: medical",
		Body:        "Open the app",
		Timestamp:   time.Now(),
	}
}

func TestWebhookSendPostsRecipient(t *testing.T) {
	t.Parallel()

	var got webhookRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	contact := emergency.Contact{ID: uuid.New(), Phone: "+1000", Consented: true}
	sms := NewSMS(srv.URL, time.Second, 100)

	require.True(t, sms.Applicable(contact))
	require.NoError(t, sms.Send(context.Background(), contact, testPayload()))
	require.Equal(t, "+1000", got.Recipient)
	require.Equal(t, contact.ID.String(), got.ContactID)
}

func TestWebhookSendGatewayErrorIsDeliveryFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	push := NewPush(srv.URL, time.Second, 100)
	contact := emergency.Contact{ID: uuid.New(), PushToken: "tok", Consented: true}

	err := push.Send(context.Background(), contact, testPayload())
	require.ErrorIs(t, err, emergency.ErrChannelDelivery)
}

func TestWebhookApplicability(t *testing.T) {
	t.Parallel()

	push := NewPush("https://push.local", time.Second, 100)
	email := NewEmail("https://email.local", time.Second, 100)

	require.False(t, push.Applicable(emergency.Contact{Consented: true}))
	require.False(t, push.Applicable(emergency.Contact{PushToken: "tok"}))
	require.True(t, push.Applicable(emergency.Contact{PushToken: "tok", Consented: true}))
	require.True(t, email.Applicable(emergency.Contact{Email: "a@b.c", Consented: true}))
}

func TestSocketAdapterIsAlwaysApplicableForConsented(t *testing.T) {
	t.Parallel()

	socket := NewSocket(nil)

	require.True(t, socket.Applicable(emergency.Contact{Consented: true}))
	require.False(t, socket.Applicable(emergency.Contact{}))
	require.Equal(t, NameSocket, socket.Name())
}
