// Package api exposes the director-facing HTTP surface: runbook loading,
// execution control, lease inspection, escalation resolution, and the
// WebSocket event stream.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/director"
	"github.com/liminal/liminal/internal/director/store"
	"github.com/liminal/liminal/internal/gateway/websocket"
	"github.com/liminal/liminal/internal/territory"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// upgrader accepts local UI shells; the director binds to loopback.
var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers bundles the director API dependencies.
type Handlers struct {
	director *director.Director
	store    store.Store // may be nil
	hub      *websocket.Hub
	logger   *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(d *director.Director, st store.Store, hub *websocket.Hub, log *logger.Logger) *Handlers {
	return &Handlers{
		director: d,
		store:    st,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes attaches all routes to the gin engine.
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	apiGroup := r.Group("/api/v1")
	{
		apiGroup.POST("/runbook/load", h.loadRunbook)
		apiGroup.POST("/execute", h.execute)
		apiGroup.POST("/cancel", h.cancel)
		apiGroup.GET("/leases", h.leaseSnapshot)
		apiGroup.GET("/escalations", h.escalations)
		apiGroup.POST("/escalations/:id/resolve", h.resolveEscalation)
		apiGroup.GET("/sessions", h.listSessions)
		apiGroup.GET("/sessions/:epoch", h.getSession)
	}
	r.GET("/ws/events", h.subscribeEvents)
}

func (h *Handlers) loadRunbook(c *gin.Context) {
	var req LoadRunbookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.director.LoadRunbook(req.Path)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handlers) execute(c *gin.Context) {
	epochID, err := h.director.Execute(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, director.ErrNoRunbook) {
			status = http.StatusBadRequest
		} else if errors.Is(err, director.ErrExecutionRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"epoch_id": epochID})
}

func (h *Handlers) cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.director.Cancel(req.Force)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) leaseSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"leases": h.director.LeaseSnapshot()})
}

func (h *Handlers) escalations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"escalations": h.director.Escalations()})
}

func (h *Handlers) resolveEscalation(c *gin.Context) {
	var req ResolveEscalationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.director.ResolveEscalation(c.Param("id"), v1.EscalationDecision(req.Decision))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, territory.ErrUnknownEscalation) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) listSessions(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) getSession(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session store disabled"})
		return
	}
	session, err := h.store.GetSession(c.Request.Context(), c.Param("epoch"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handlers) subscribeEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.HandleConnection(conn)
}
