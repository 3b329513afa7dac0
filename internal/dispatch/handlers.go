package dispatch

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parashield-protocol/parashield/internal/peril"
)

// Handler provides the signal ingest endpoint and the dispatcher's
// operator surface.
type Handler struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHandler creates a dispatch handler.
func NewHandler(d *Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{dispatcher: d, logger: logger}
}

// RegisterRoutes sets up the listener-facing ingest route. The route group
// must already enforce the transport-level listener API key; the dispatcher
// applies the logical allowlist on top.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/signals", h.IngestSignal)
}

// RegisterAdminRoutes sets up operator-only dispatcher routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/listeners", h.AuthorizeListener)
	r.DELETE("/admin/listeners", h.DeauthorizeListener)
	r.PUT("/admin/cooldown", h.SetCooldown)
	r.POST("/admin/claims/trigger", h.ManualTrigger)
}

type ingestRequest struct {
	Origin string           `json:"origin" binding:"required"`
	Signal peril.RiskSignal `json:"signal"`
}

// IngestSignal handles POST /v1/signals — the remote-classifier delivery path.
func (h *Handler) IngestSignal(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	accepted, err := h.dispatcher.Dispatch(c.Request.Context(), &req.Signal, req.Origin)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorizedListener):
			c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized_listener", "message": err.Error()})
		case errors.Is(err, ErrInvalidSignal), errors.Is(err, peril.ErrInvalidRiskKind):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signal", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch_failed", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

type listenerRequest struct {
	Origin string `json:"origin" binding:"required"`
}

// AuthorizeListener handles POST /admin/listeners
func (h *Handler) AuthorizeListener(c *gin.Context) {
	var req listenerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.dispatcher.AuthorizeListener(req.Origin)
	c.JSON(http.StatusOK, gin.H{"status": "authorized"})
}

// DeauthorizeListener handles DELETE /admin/listeners
func (h *Handler) DeauthorizeListener(c *gin.Context) {
	var req listenerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.dispatcher.DeauthorizeListener(req.Origin)
	c.JSON(http.StatusOK, gin.H{"status": "deauthorized"})
}

type cooldownRequest struct {
	Period string `json:"period" binding:"required"`
}

// SetCooldown handles PUT /admin/cooldown
func (h *Handler) SetCooldown(c *gin.Context) {
	var req cooldownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	period, err := time.ParseDuration(req.Period)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration", "message": "period must be a Go duration string (e.g. \"1h\")"})
		return
	}
	if err := h.dispatcher.SetCooldownPeriod(period); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cooldown", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "period": period.String()})
}

type manualTriggerRequest struct {
	Kind    string            `json:"kind" binding:"required"`
	Target  string            `json:"target"`
	Asset   string            `json:"asset"`
	Details map[string]string `json:"details"`
}

// ManualTrigger handles POST /admin/claims/trigger — the incident-response
// path that bypasses the cooldown gate.
func (h *Handler) ManualTrigger(c *gin.Context) {
	var req manualTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	kind, err := peril.ParseRiskKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": err.Error()})
		return
	}
	if req.Target == "" && req.Asset == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope", "message": "at least one of target and asset is required"})
		return
	}

	claimed, err := h.dispatcher.ManualTrigger(c.Request.Context(), kind, req.Target, req.Asset, req.Details)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "trigger_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered", "policiesClaimed": claimed})
}
