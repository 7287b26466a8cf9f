// Package api exposes the orchestration kernel over HTTP: a synchronous
// invoke endpoint, a WebSocket streaming endpoint, thread inspection, and
// health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/checkpoint"
	"github.com/maestro-ai/maestro/pkg/run"
	"github.com/maestro-ai/maestro/pkg/state"
	"github.com/maestro-ai/maestro/pkg/stream"
	"github.com/maestro-ai/maestro/pkg/version"
)

// Server wires the run controller and connection manager into HTTP handlers.
type Server struct {
	controller  *run.Controller
	manager     *stream.ConnectionManager
	checkpoints checkpoint.Checkpointer
	registry    *agent.Registry
}

// NewServer creates the API server.
func NewServer(controller *run.Controller, manager *stream.ConnectionManager, checkpoints checkpoint.Checkpointer, registry *agent.Registry) *Server {
	return &Server{
		controller:  controller,
		manager:     manager,
		checkpoints: checkpoints,
		registry:    registry,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)
	r.GET("/ws", s.WebSocket)

	v1 := r.Group("/api/v1")
	v1.POST("/graph/invoke", s.Invoke)
	v1.GET("/threads/:id/checkpoints", s.ListCheckpoints)
	v1.GET("/threads/:id/state", s.GetThreadState)
	v1.DELETE("/threads/:id", s.DeleteThread)

	return r
}

// InvokeRequest is the synchronous invocation body.
type InvokeRequest struct {
	Input struct {
		Message string `json:"message"`
	} `json:"input"`
	ThreadID string         `json:"thread_id"`
	Config   map[string]any `json:"config"`
}

// Invoke handles POST /api/v1/graph/invoke for non-streaming callers.
func (s *Server) Invoke(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": state.KindInvalidInput})
		return
	}

	result, err := s.controller.RunSync(c.Request.Context(), req.Input.Message, req.ThreadID)
	if err != nil {
		if errors.Is(err, run.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": state.KindInvalidInput})
			return
		}
		slog.Error("Synchronous invoke failed", "thread_id", req.ThreadID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// WebSocket handles GET /ws: upgrade, then hand the connection to the
// manager's read loop. Inbound invoke messages start runs that stream back on
// the same connection.
func (s *Server) WebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}

	s.manager.HandleConnection(c.Request.Context(), conn, func(ctx context.Context, input, threadID string, sub stream.Subscriber) {
		if _, err := s.controller.Run(ctx, input, threadID, sub); err != nil {
			slog.Warn("Streaming run ended with error", "thread_id", threadID, "error", err)
		}
	})
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// A list on a probe thread exercises the checkpoint store end to end.
	_, err := s.checkpoints.List(ctx, "health-probe")
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"version": version.Full(),
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"version":            version.Full(),
		"agents":             s.registry.Names(),
		"active_connections": s.manager.ActiveConnections(),
	})
}

// ListCheckpoints handles GET /api/v1/threads/:id/checkpoints.
func (s *Server) ListCheckpoints(c *gin.Context) {
	threadID := c.Param("id")
	infos, err := s.checkpoints.List(c.Request.Context(), threadID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"thread_id":   threadID,
		"checkpoints": infos,
	})
}

// GetThreadState handles GET /api/v1/threads/:id/state.
func (s *Server) GetThreadState(c *gin.Context) {
	threadID := c.Param("id")
	snapshot, err := s.checkpoints.Get(c.Request.Context(), threadID, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// DeleteThread handles DELETE /api/v1/threads/:id.
func (s *Server) DeleteThread(c *gin.Context) {
	threadID := c.Param("id")
	if err := s.checkpoints.Delete(c.Request.Context(), threadID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}
