package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository"
	"github.com/lifeline-sos/lifeline/internal/service/orchestrator"
)

// geoPointDTO carries coordinates over the wire.
type geoPointDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m"`
}

func (d *geoPointDTO) toDomain() *emergency.GeoPoint {
	if d == nil {
		return nil
	}

	return &emergency.GeoPoint{Latitude: d.Latitude, Longitude: d.Longitude, AccuracyM: d.AccuracyM}
}

func fromGeoPoint(p *emergency.GeoPoint) *geoPointDTO {
	if p == nil {
		return nil
	}

	return &geoPointDTO{Latitude: p.Latitude, Longitude: p.Longitude, AccuracyM: p.AccuracyM}
}

// triggerRequest is the trigger endpoint body.
type triggerRequest struct {
	UserID           uuid.UUID    `json:"user_id" binding:"required"`
	Type             string       `json:"type" binding:"required"`
	Location         *geoPointDTO `json:"location"`
	AutoTriggered    bool         `json:"auto_triggered"`
	TriggerSource    string       `json:"trigger_source"`
	CountdownSeconds int          `json:"countdown_seconds"`
}

// emergencyResponse is the canonical emergency representation.
type emergencyResponse struct {
	ID                uuid.UUID           `json:"id"`
	UserID            uuid.UUID           `json:"user_id"`
	Type              emergency.Type      `json:"type"`
	Status            emergency.Status    `json:"status"`
	AutoTriggered     bool                `json:"auto_triggered"`
	TriggerSource     string              `json:"trigger_source,omitempty"`
	CountdownSeconds  int                 `json:"countdown_seconds,omitempty"`
	CountdownDeadline *time.Time          `json:"countdown_deadline,omitempty"`
	InitialLocation   *geoPointDTO        `json:"initial_location,omitempty"`
	Contacts          []emergency.Contact `json:"contacts,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	ActivatedAt       *time.Time          `json:"activated_at,omitempty"`
	CancelledAt       *time.Time          `json:"cancelled_at,omitempty"`
	CancelReason      string              `json:"cancel_reason,omitempty"`
	ResolvedAt        *time.Time          `json:"resolved_at,omitempty"`
	ResolutionNotes   string              `json:"resolution_notes,omitempty"`
	DurationSeconds   int64               `json:"duration_seconds,omitempty"`
}

func fromEmergency(e *emergency.Emergency) emergencyResponse {
	return emergencyResponse{
		ID:                e.ID,
		UserID:            e.UserID,
		Type:              e.Type,
		Status:            e.Status,
		AutoTriggered:     e.AutoTriggered,
		TriggerSource:     e.TriggerSource,
		CountdownSeconds:  e.CountdownSeconds,
		CountdownDeadline: e.CountdownDeadline,
		InitialLocation:   fromGeoPoint(e.InitialLocation),
		Contacts:          e.Contacts,
		CreatedAt:         e.CreatedAt,
		ActivatedAt:       e.ActivatedAt,
		CancelledAt:       e.CancelledAt,
		CancelReason:      e.CancelReason,
		ResolvedAt:        e.ResolvedAt,
		ResolutionNotes:   e.ResolutionNotes,
		DurationSeconds:   int64(e.Duration() / time.Second),
	}
}

// trigger handles POST /emergency/trigger.
func (s *Server) trigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	kind, ok := emergency.ParseType(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown emergency type"})

		return
	}

	if req.Location != nil && !req.Location.toDomain().Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinates out of range"})

		return
	}

	e, err := s.orchestrator.Trigger(c.Request.Context(), orchestrator.TriggerParams{
		UserID:           req.UserID,
		Type:             kind,
		Location:         req.Location.toDomain(),
		AutoTriggered:    req.AutoTriggered,
		TriggerSource:    req.TriggerSource,
		CountdownSeconds: req.CountdownSeconds,
	})
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusCreated, fromEmergency(e))
}

// get handles GET /emergency/:id.
func (s *Server) get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	e, err := s.orchestrator.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)

		return
	}

	acks, err := s.orchestrator.Acknowledgments(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"emergency":       fromEmergency(e),
		"acknowledgments": acks,
	})
}

// actorRequest is the shared cancel/resolve body.
type actorRequest struct {
	ActorID uuid.UUID `json:"actor_id" binding:"required"`
	Reason  string    `json:"reason"`
	Notes   string    `json:"notes"`
}

// cancel handles POST /emergency/:id/cancel.
func (s *Server) cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	e, err := s.orchestrator.Cancel(c.Request.Context(), id, req.ActorID, req.Reason)
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, fromEmergency(e))
}

// resolve handles POST /emergency/:id/resolve.
func (s *Server) resolve(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	e, err := s.orchestrator.Resolve(c.Request.Context(), id, req.ActorID, req.Notes)
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, fromEmergency(e))
}

// acknowledgeRequest is the acknowledge endpoint body.
type acknowledgeRequest struct {
	ContactID uuid.UUID    `json:"contact_id" binding:"required"`
	Location  *geoPointDTO `json:"location"`
	Message   string       `json:"message"`
}

// acknowledge handles POST /emergency/:id/acknowledge.
func (s *Server) acknowledge(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	err := s.orchestrator.Acknowledge(c.Request.Context(), id, req.ContactID, req.Location.toDomain(), req.Message)
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// history handles GET /emergency/history.
func (s *Server) history(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})

		return
	}

	filter := repository.HistoryFilter{
		UserID: userID,
		Status: emergency.Status(c.Query("status")),
		Type:   emergency.Type(c.Query("type")),
	}

	if v := c.Query("from"); v != "" {
		filter.From, err = time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})

			return
		}
	}

	if v := c.Query("to"); v != "" {
		filter.To, err = time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})

			return
		}
	}

	if v := c.Query("limit"); v != "" {
		filter.Limit, err = strconv.Atoi(v)
		if err != nil || filter.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})

			return
		}
	}

	list, err := s.orchestrator.History(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)

		return
	}

	result := make([]emergencyResponse, 0, len(list))
	for _, e := range list {
		result = append(result, fromEmergency(e))
	}

	c.JSON(http.StatusOK, gin.H{"emergencies": result})
}

// locationUpdateRequest is the location ingestion body.
type locationUpdateRequest struct {
	EmergencyID uuid.UUID `json:"emergency_id" binding:"required"`
	RecordedAt  time.Time `json:"recorded_at" binding:"required"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	AccuracyM   float64   `json:"accuracy_m"`
	SpeedMPS    *float64  `json:"speed_mps"`
	HeadingDeg  *float64  `json:"heading_deg"`
	Provider    string    `json:"provider"`
	BatteryPct  *float64  `json:"battery_pct"`
}

// updateLocation handles POST /location/update.
func (s *Server) updateLocation(c *gin.Context) {
	var req locationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	err := s.location.Append(c.Request.Context(), &emergency.LocationPoint{
		EmergencyID: req.EmergencyID,
		RecordedAt:  req.RecordedAt,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		AccuracyM:   req.AccuracyM,
		SpeedMPS:    req.SpeedMPS,
		HeadingDeg:  req.HeadingDeg,
		Provider:    req.Provider,
		BatteryPct:  req.BatteryPct,
	})
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// trail handles GET /emergency/:id/locations.
func (s *Server) trail(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var window time.Duration

	if v := c.Query("window_minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window_minutes"})

			return
		}

		window = time.Duration(minutes) * time.Minute
	}

	points, err := s.location.Trail(c.Request.Context(), id, window)
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"points": points})
}

// latest handles GET /emergency/:id/location/latest.
func (s *Server) latest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	point, err := s.location.Latest(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)

		return
	}

	c.JSON(http.StatusOK, point)
}

// subscribe handles GET /ws/emergency/:id, upgrading to a WebSocket that
// streams location and status updates for one emergency.
func (s *Server) subscribe(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if _, err := s.orchestrator.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)

		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnKV(c.Request.Context(), "WebSocket upgrade failed",
			"emergency_id", id, "error", err)

		return
	}

	s.hub.ServeConn(c.Request.Context(), conn, id)
}

// pathID parses the :id path parameter, answering 400 itself on failure.
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid emergency id"})

		return uuid.Nil, false
	}

	return id, true
}
