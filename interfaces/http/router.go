package httpiface

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "chat-relay/domain/chat"
	"chat-relay/domain/persistence"
	"chat-relay/infrastructure/pubsub"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type RelayService interface {
	StartStream(req *domain.Request) error
	CancelStream(streamID string) bool
	ActiveStreams() int
	RecentUsage(streamID string) (domain.StreamSummary, bool)
}

type Router struct {
	service     RelayService
	hub         *pubsub.Hub
	corsOrigins []string
	streamRepo  persistence.StreamRepository
	dbManager   persistence.DatabaseManager
	processor   persistence.EventProcessor

	upgrader websocket.Upgrader
}

func NewRouter(service RelayService, hub *pubsub.Hub, corsOrigins []string) *Router {
	return &Router{
		service:     service,
		hub:         hub,
		corsOrigins: corsOrigins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// NewRouterWithPersistence creates a router that also serves the token
// accounting endpoints backed by the database.
func NewRouterWithPersistence(
	service RelayService,
	hub *pubsub.Hub,
	corsOrigins []string,
	streamRepo persistence.StreamRepository,
	dbManager persistence.DatabaseManager,
	processor persistence.EventProcessor,
) *Router {
	r := NewRouter(service, hub, corsOrigins)
	r.streamRepo = streamRepo
	r.dbManager = dbManager
	r.processor = processor
	return r
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Health endpoints - no request ID required for monitoring tools
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)

	api := router.Group("/")
	api.Use(r.requestIDMiddleware())
	api.POST("/chat/streams", r.startStream)
	api.GET("/chat/streams/:stream-id/events", r.streamEvents)
	api.DELETE("/chat/streams/:stream-id", r.cancelStream)
	api.GET("/chat/streams/:stream-id/usage", r.getStreamUsage)

	// Accounting endpoints (only available if the repository is configured)
	if r.streamRepo != nil {
		api.GET("/usage", r.getAggregatedUsage)
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		c.Next()
	}
}

func (r *Router) healthCheck(c *gin.Context) {
	checks := gin.H{
		"api":            "ok",
		"active_streams": r.service.ActiveStreams(),
	}

	overallOK := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			overallOK = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			overallOK = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "chat-relay",
		"version":   "1.0.0",
		"checks":    checks,
	})
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: dependencies healthy and ready to serve traffic
func (r *Router) readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ready = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			ready = false
		}
	}

	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// startStream accepts a chat request and starts the relay task. The response
// is 202: all results arrive on the events endpoint for the same stream id.
func (r *Router) startStream(c *gin.Context) {
	var req domain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Error("Failed to bind stream request")
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid request format"})
		return
	}

	if err := r.service.StartStream(&req); err != nil {
		if strings.Contains(err.Error(), "already active") {
			c.JSON(http.StatusConflict, domain.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: err.Error()})
		return
	}

	logrus.WithFields(logrus.Fields{
		"stream_id":  req.StreamID,
		"request_id": c.GetString("request_id"),
	}).Info("Chat stream accepted")

	c.JSON(http.StatusAccepted, gin.H{
		"stream_id": req.StreamID,
		"status":    "accepted",
	})
}

// streamEvents upgrades to a websocket and forwards the stream's events until
// the terminal event. Subscribe before the first read so no event is missed
// for streams started after the socket is open; a client that wants the full
// event sequence connects before posting the request.
func (r *Router) streamEvents(c *gin.Context) {
	streamID := c.Param("stream-id")
	if streamID == "" {
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "stream id is required"})
		return
	}

	events, unsubscribe := r.hub.Subscribe(streamID)
	defer unsubscribe()

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).WithField("stream_id", streamID).Error("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := logrus.WithFields(logrus.Fields{
		"stream_id":   streamID,
		"remote_addr": conn.RemoteAddr().String(),
	})
	logger.Info("Event subscriber connected")

	// Reader goroutine: the client never sends application data, but reading
	// is how websocket close frames are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.WithError(err).Warn("Failed to write event, cancelling stream")
				r.service.CancelStream(streamID)
				return
			}
			if ev.Terminal() {
				logger.WithField("event_type", ev.Type).Info("Event subscriber finished")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}

		case <-clientGone:
			logger.Info("Event subscriber disconnected, cancelling stream")
			r.service.CancelStream(streamID)
			return
		}
	}
}

// cancelStream aborts an in-flight stream
func (r *Router) cancelStream(c *gin.Context) {
	streamID := c.Param("stream-id")

	if !r.service.CancelStream(streamID) {
		c.JSON(http.StatusNotFound, domain.ErrorResponse{Error: "Stream not active"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream_id": streamID,
		"status":    "cancelling",
	})
}

// getStreamUsage returns the outcome of a finished stream, from the in-memory
// cache first and the accounting store as fallback.
func (r *Router) getStreamUsage(c *gin.Context) {
	streamID := c.Param("stream-id")

	if summary, ok := r.service.RecentUsage(streamID); ok {
		c.JSON(http.StatusOK, summary)
		return
	}

	if r.streamRepo != nil {
		record, err := r.streamRepo.FindByStreamID(c.Request.Context(), streamID)
		if err == nil {
			c.JSON(http.StatusOK, record)
			return
		}
	}

	c.JSON(http.StatusNotFound, domain.ErrorResponse{Error: "Usage not found for the specified stream"})
}

// getAggregatedUsage summarizes token accounting across recent streams
func (r *Router) getAggregatedUsage(c *gin.Context) {
	limitStr := c.DefaultQuery("limit", "1000")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid limit parameter"})
		return
	}

	usage, err := r.streamRepo.Aggregate(c.Request.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to aggregate stream usage")
		c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: "Failed to retrieve aggregated usage"})
		return
	}

	c.JSON(http.StatusOK, usage)
}
