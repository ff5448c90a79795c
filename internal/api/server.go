package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/service/location"
	"github.com/lifeline-sos/lifeline/internal/service/orchestrator"
	"github.com/lifeline-sos/lifeline/internal/ws"

	"github.com/gorilla/websocket"
)

// Server handles the orchestration HTTP surface.
type Server struct {
	// orchestrator is the emergency state machine.
	orchestrator *orchestrator.Service
	// location is the location trail service.
	location *location.Service
	// hub serves real-time subscribers.
	hub *ws.Hub
	// upgrader performs WebSocket handshakes.
	upgrader websocket.Upgrader
}

// NewServer wires the HTTP surface.
func NewServer(orch *orchestrator.Service, loc *location.Service, hub *ws.Hub) *Server {
	return &Server{
		orchestrator: orch,
		location:     loc,
		hub:          hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients of responder dashboards come from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.health)

	router.POST("/emergency/trigger", s.trigger)
	router.GET("/emergency/history", s.history)
	router.GET("/emergency/:id", s.get)
	router.POST("/emergency/:id/cancel", s.cancel)
	router.POST("/emergency/:id/acknowledge", s.acknowledge)
	router.POST("/emergency/:id/resolve", s.resolve)
	router.GET("/emergency/:id/locations", s.trail)
	router.GET("/emergency/:id/location/latest", s.latest)

	router.POST("/location/update", s.updateLocation)

	router.GET("/ws/emergency/:id", s.subscribe)

	return router
}

// requestLogger logs every request with its latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.InfoKV(c.Request.Context(), "Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

// writeError maps a service error onto an HTTP response.
func writeError(c *gin.Context, err error) {
	var conflict *emergency.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{
			"error":                 "user already has an active emergency",
			"existing_emergency_id": conflict.ExistingID,
		})

		return
	}

	switch {
	case errors.Is(err, emergency.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, emergency.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, emergency.ErrInvalidState),
		errors.Is(err, emergency.ErrStaleVersion):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.ErrorKV(c.Request.Context(), "Request failed",
			"path", c.Request.URL.Path, "error", err)

		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// health reports liveness.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
