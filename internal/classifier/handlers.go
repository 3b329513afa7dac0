package classifier

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parashield-protocol/parashield/internal/money"
	"github.com/parashield-protocol/parashield/internal/validation"
)

// Handler provides the operator surface for the classifier.
type Handler struct {
	classifier *Classifier
	logger     *slog.Logger
}

// NewHandler creates a classifier admin handler.
func NewHandler(cls *Classifier, logger *slog.Logger) *Handler {
	return &Handler{classifier: cls, logger: logger}
}

// RegisterAdminRoutes sets up operator-only classifier routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/targets", h.ListTargets)
	r.POST("/admin/targets", h.AddTarget)
	r.DELETE("/admin/targets", h.RemoveTarget)
	r.PUT("/admin/thresholds", h.UpdateThresholds)
	r.POST("/admin/classifier/pause", h.Pause)
	r.POST("/admin/classifier/resume", h.Resume)
}

type targetRequest struct {
	Category string `json:"category" binding:"required"`
	Address  string `json:"address" binding:"required"`
}

// AddTarget handles POST /admin/targets
func (h *Handler) AddTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a 0x-prefixed hex address"})
		return
	}
	cat, err := ParseCategory(req.Category)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category", "message": err.Error()})
		return
	}
	if err := h.classifier.Targets().Add(cat, req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "add_failed", "message": err.Error()})
		return
	}
	h.logger.Info("target added", "category", cat, "address", req.Address)
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

// RemoveTarget handles DELETE /admin/targets
func (h *Handler) RemoveTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	cat, err := ParseCategory(req.Category)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category", "message": err.Error()})
		return
	}
	if err := h.classifier.Targets().Remove(cat, req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "remove_failed", "message": err.Error()})
		return
	}
	h.logger.Info("target removed", "category", cat, "address", req.Address)
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// ListTargets handles GET /admin/targets?category=contract
func (h *Handler) ListTargets(c *gin.Context) {
	cat, err := ParseCategory(c.Query("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category", "message": err.Error()})
		return
	}
	targets, err := h.classifier.Targets().List(cat)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"category": cat, "targets": targets})
}

type thresholdsRequest struct {
	LargeTransferThreshold string `json:"largeTransferThreshold" binding:"required"`
	RapidTransferCount     int    `json:"rapidTransferCount" binding:"required"`
	RapidTransferWindow    string `json:"rapidTransferWindow" binding:"required"`
	PriceThreshold         int64  `json:"priceThreshold" binding:"required"`
	DepegDuration          string `json:"depegDuration" binding:"required"`
	VolatilityThresholdBps int64  `json:"volatilityThresholdBps" binding:"required"`
	VolatilityTimeWindow   string `json:"volatilityTimeWindow" binding:"required"`
}

// UpdateThresholds handles PUT /admin/thresholds
func (h *Handler) UpdateThresholds(c *gin.Context) {
	var req thresholdsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	threshold, ok := money.ParsePositive(req.LargeTransferThreshold)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "largeTransferThreshold must be a positive decimal"})
		return
	}
	window, err1 := time.ParseDuration(req.RapidTransferWindow)
	depegDur, err2 := time.ParseDuration(req.DepegDuration)
	volWindow, err3 := time.ParseDuration(req.VolatilityTimeWindow)
	if err1 != nil || err2 != nil || err3 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration", "message": "durations must be Go duration strings (e.g. \"10m\")"})
		return
	}

	cfg := Config{
		LargeTransferThreshold: threshold,
		RapidTransferCount:     req.RapidTransferCount,
		RapidTransferWindow:    window,
		PriceThreshold:         req.PriceThreshold,
		DepegDuration:          depegDur,
		VolatilityThresholdBps: req.VolatilityThresholdBps,
		VolatilityTimeWindow:   volWindow,
	}
	if err := h.classifier.UpdateConfig(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_thresholds", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// Pause handles POST /admin/classifier/pause
func (h *Handler) Pause(c *gin.Context) {
	h.classifier.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// Resume handles POST /admin/classifier/resume
func (h *Handler) Resume(c *gin.Context) {
	h.classifier.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}
