package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/contacts"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/repository/memory"
	"github.com/lifeline-sos/lifeline/internal/service/location"
	"github.com/lifeline-sos/lifeline/internal/service/orchestrator"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router    *gin.Engine
	directory *contacts.Static
	clk       *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	log := eventlog.NewMemory()
	directory := contacts.NewStatic()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	hub := ws.NewHub()

	orch := orchestrator.NewService(store, log, directory, hub, clk, orchestrator.Config{})
	loc := location.NewService(store, log, coordination.NewMemory(clk), hub, clk, location.Config{})

	return &fixture{
		router:    NewServer(orch, loc, hub).Router(),
		directory: directory,
		clk:       clk,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	return recorder
}

func (f *fixture) seedUser() (uuid.UUID, []emergency.Contact) {
	userID := uuid.New()
	list := []emergency.Contact{
		{ID: uuid.New(), Name: "Anna", Tier: emergency.TierPrimary, Phone: "+1000", Consented: true},
	}
	f.directory.Put(userID, list)

	return userID, list
}

func (f *fixture) triggerActive(t *testing.T, userID uuid.UUID) uuid.UUID {
	t.Helper()

	resp := f.do(t, http.MethodPost, "/emergency/trigger", gin.H{
		"user_id":        userID,
		"type":           "medical",
		"auto_triggered": true,
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	var created emergencyResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	return created.ID
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestTriggerCreatesEmergency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()

	resp := f.do(t, http.MethodPost, "/emergency/trigger", gin.H{
		"user_id":           userID,
		"type":              "medical",
		"countdown_seconds": 30,
		"location":          gin.H{"latitude": 55.75, "longitude": 37.62, "accuracy_m": 10},
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	var created emergencyResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.Equal(t, emergency.StatusPending, created.Status)
	require.NotNil(t, created.CountdownDeadline)
	require.Len(t, created.Contacts, 1)
}

func TestTriggerConflictCarriesExistingID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()
	existing := f.triggerActive(t, userID)

	resp := f.do(t, http.MethodPost, "/emergency/trigger", gin.H{
		"user_id": userID,
		"type":    "fire",
	})
	require.Equal(t, http.StatusConflict, resp.Code)

	var body struct {
		ExistingEmergencyID uuid.UUID `json:"existing_emergency_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, existing, body.ExistingEmergencyID)
}

func TestTriggerValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()

	resp := f.do(t, http.MethodPost, "/emergency/trigger", gin.H{
		"user_id": userID,
		"type":    "volcano",
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(t, http.MethodPost, "/emergency/trigger", gin.H{
		"user_id":  userID,
		"type":     "medical",
		"location": gin.H{"latitude": 91.0, "longitude": 0.0},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCancelFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()
	id := f.triggerActive(t, userID)

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/emergency/%s/cancel", id), gin.H{
		"actor_id": userID,
		"reason":   "false alarm",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var cancelled emergencyResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &cancelled))
	require.Equal(t, emergency.StatusCancelled, cancelled.Status)
	require.Equal(t, "false alarm", cancelled.CancelReason)

	// Terminal emergencies cannot be cancelled again.
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/emergency/%s/cancel", id), gin.H{
		"actor_id": userID,
	})
	require.Equal(t, http.StatusConflict, resp.Code)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, list := f.seedUser()
	id := f.triggerActive(t, userID)

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodPost, fmt.Sprintf("/emergency/%s/acknowledge", id), gin.H{
			"contact_id": list[0].ID,
			"message":    "on my way",
		})
		require.Equal(t, http.StatusOK, resp.Code)
	}

	resp := f.do(t, http.MethodGet, "/emergency/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var detail struct {
		Acknowledgments []emergency.Acknowledgment `json:"acknowledgments"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &detail))
	require.Len(t, detail.Acknowledgments, 1)
}

func TestResolveFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()
	id := f.triggerActive(t, userID)

	f.clk.Advance(5 * time.Minute)

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/emergency/%s/resolve", id), gin.H{
		"actor_id": userID,
		"notes":    "responder on site",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var resolved emergencyResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &resolved))
	require.Equal(t, emergency.StatusResolved, resolved.Status)
	require.Equal(t, int64(300), resolved.DurationSeconds)
}

func TestLocationUpdateAcceptedThenRejectedWhenTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()
	id := f.triggerActive(t, userID)

	update := gin.H{
		"emergency_id": id,
		"recorded_at":  f.clk.Now().Format(time.RFC3339),
		"latitude":     55.75,
		"longitude":    37.62,
		"accuracy_m":   8,
	}

	resp := f.do(t, http.MethodPost, "/location/update", update)
	require.Equal(t, http.StatusAccepted, resp.Code)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/emergency/%s/resolve", id), gin.H{"actor_id": userID})
	require.Equal(t, http.StatusOK, resp.Code)

	update["recorded_at"] = f.clk.Now().Add(time.Second).Format(time.RFC3339)
	resp = f.do(t, http.MethodPost, "/location/update", update)
	require.Equal(t, http.StatusConflict, resp.Code)
}

func TestTrailAndLatest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()
	id := f.triggerActive(t, userID)

	for i := 0; i < 3; i++ {
		resp := f.do(t, http.MethodPost, "/location/update", gin.H{
			"emergency_id": id,
			"recorded_at":  f.clk.Now().Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			"latitude":     55.75,
			"longitude":    37.62 + float64(i)/1000,
		})
		require.Equal(t, http.StatusAccepted, resp.Code)
	}

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/emergency/%s/locations", id), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var trail struct {
		Points []emergency.LocationPoint `json:"points"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &trail))
	require.Len(t, trail.Points, 3)

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/emergency/%s/location/latest", id), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var latest emergency.LocationPoint
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &latest))
	require.Equal(t, 37.622, latest.Longitude)
}

func TestGetUnknownEmergency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/emergency/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(t, http.MethodGet, "/emergency/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHistoryFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID, _ := f.seedUser()
	id := f.triggerActive(t, userID)

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/emergency/%s/resolve", id), gin.H{"actor_id": userID})
	require.Equal(t, http.StatusOK, resp.Code)

	f.clk.Advance(time.Minute)
	f.triggerActive(t, userID)

	resp = f.do(t, http.MethodGet, "/emergency/history?user_id="+userID.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var history struct {
		Emergencies []emergencyResponse `json:"emergencies"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &history))
	require.Len(t, history.Emergencies, 2)

	resp = f.do(t, http.MethodGet, "/emergency/history?user_id="+userID.String()+"&status=resolved", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &history))
	require.Len(t, history.Emergencies, 1)
	require.Equal(t, id, history.Emergencies[0].ID)

	resp = f.do(t, http.MethodGet, "/emergency/history", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}
