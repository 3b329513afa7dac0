package premium

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parashield-protocol/parashield/internal/peril"
	"github.com/parashield-protocol/parashield/internal/validation"
)

// Handler provides HTTP endpoints for premium quoting and parameter admin
type Handler struct {
	service *Service
}

// NewHandler creates a new premium handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public premium routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quote", h.Quote)
}

// RegisterAdminRoutes sets up admin-only pricing routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/risk-parameters", h.ListParams)
	r.PUT("/admin/risk-parameters", h.UpsertParams)
	r.PUT("/admin/risk-parameters/active", h.SetParamsActive)
	r.GET("/admin/pricing", h.GetGlobal)
	r.PUT("/admin/pricing", h.SetGlobal)
}

// Quote handles GET /quote?asset=&amount=&duration=&kind=&target=
func (h *Handler) Quote(c *gin.Context) {
	kind, err := peril.ParseRiskKind(c.Query("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "kind must be one of exploit, depeg, bridge_failure, volatility",
		})
		return
	}

	duration, err := time.ParseDuration(c.Query("duration"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_duration",
			"message": "duration must be a Go duration string, e.g. 720h",
		})
		return
	}

	asset := c.Query("asset")
	amount := c.Query("amount")
	target := c.Query("target")

	premium, err := h.service.Quote(c.Request.Context(), asset, amount, duration, kind, target)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotInsurable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "not_insurable",
				"message": "Subject is not insurable for this risk kind",
			})
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDuration):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "quote_error",
				"message": "Failed to compute premium",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"asset":    asset,
		"amount":   amount,
		"duration": duration.String(),
		"kind":     kind.String(),
		"target":   target,
		"premium":  premium,
	})
}

// ListParams handles GET /admin/risk-parameters
func (h *Handler) ListParams(c *gin.Context) {
	params, err := h.service.ListParams(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "params_error",
			"message": "Failed to list risk parameters",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params, "count": len(params)})
}

// UpsertParamsRequest carries a kind-tagged parameter set. Factors are kept
// raw until the kind is known.
type UpsertParamsRequest struct {
	Kind        string          `json:"kind" binding:"required"`
	Subject     string          `json:"subject" binding:"required"`
	BaseRateBps int64           `json:"baseRateBps" binding:"required"`
	Factors     json.RawMessage `json:"factors" binding:"required"`
	Active      *bool           `json:"active"`
}

// UpsertParams handles PUT /admin/risk-parameters
func (h *Handler) UpsertParams(c *gin.Context) {
	var req UpsertParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	kind, err := peril.ParseRiskKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "kind must be one of exploit, depeg, bridge_failure, volatility",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "subject must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	factors, err := DecodeFactors(kind, req.Factors)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_factors",
			"message": err.Error(),
		})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	params := &ParamSet{
		Kind:        kind,
		Subject:     req.Subject,
		BaseRateBps: req.BaseRateBps,
		Factors:     factors,
		Active:      active,
	}
	if err := h.service.UpsertParams(c.Request.Context(), params); err != nil {
		if errors.Is(err, ErrInvalidParams) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_params",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "params_error",
			"message": "Failed to store risk parameters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "parameters": params})
}

// SetParamsActiveRequest toggles insurability for one pair
type SetParamsActiveRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Subject string `json:"subject" binding:"required"`
	Active  *bool  `json:"active" binding:"required"`
}

// SetParamsActive handles PUT /admin/risk-parameters/active
func (h *Handler) SetParamsActive(c *gin.Context) {
	var req SetParamsActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	kind, err := peril.ParseRiskKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "Unknown risk kind",
		})
		return
	}

	if err := h.service.SetParamsActive(c.Request.Context(), kind, req.Subject, *req.Active); err != nil {
		if errors.Is(err, ErrParamsNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "params_not_found",
				"message": "No parameter set exists for this pair",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "params_error",
			"message": "Failed to update parameters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "active": *req.Active})
}

// GetGlobal handles GET /admin/pricing
func (h *Handler) GetGlobal(c *gin.Context) {
	g, err := h.service.Global(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_error",
			"message": "Failed to load global config",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pricing": g})
}

// SetGlobal handles PUT /admin/pricing
func (h *Handler) SetGlobal(c *gin.Context) {
	var g GlobalConfig
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.service.SetGlobal(c.Request.Context(), g); err != nil {
		if errors.Is(err, ErrInvalidParams) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_params",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_error",
			"message": "Failed to store global config",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "pricing": g})
}
