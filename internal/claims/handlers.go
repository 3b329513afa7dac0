package claims

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parashield-protocol/parashield/internal/money"
	"github.com/parashield-protocol/parashield/internal/peril"
	"github.com/parashield-protocol/parashield/internal/premium"
	"github.com/parashield-protocol/parashield/internal/validation"
)

// Handler provides HTTP endpoints for policy lifecycle operations
type Handler struct {
	service *Service
}

// NewHandler creates a new claims handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public policy routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/policies", h.Purchase)
	r.GET("/policies/:id", h.GetPolicy)
	r.POST("/policies/:id/cancel", h.Cancel)
	r.GET("/holders/:address/policies", h.ListByHolder)
}

// RegisterAdminRoutes sets up operator-only claim routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/claims/process", h.ProcessClaim)
	r.POST("/admin/processors", h.AuthorizeProcessor)
	r.DELETE("/admin/processors", h.DeauthorizeProcessor)
	r.PUT("/admin/protocol-fee", h.SetProtocolFee)
	r.GET("/admin/protocol-fee", h.GetProtocolFee)
}

type processorRequest struct {
	Identity string `json:"identity" binding:"required"`
}

// AuthorizeProcessor handles POST /admin/processors
func (h *Handler) AuthorizeProcessor(c *gin.Context) {
	var req processorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.service.AuthorizeProcessor(req.Identity)
	c.JSON(http.StatusOK, gin.H{"status": "authorized"})
}

// DeauthorizeProcessor handles DELETE /admin/processors
func (h *Handler) DeauthorizeProcessor(c *gin.Context) {
	var req processorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.service.DeauthorizeProcessor(req.Identity)
	c.JSON(http.StatusOK, gin.H{"status": "deauthorized"})
}

// PurchaseRequest for policy purchases
type PurchaseRequest struct {
	Holder       string `json:"holder" binding:"required"`
	Asset        string `json:"asset" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	DurationSecs int64  `json:"durationSecs" binding:"required"`
	Kind         string `json:"kind" binding:"required"`
	Target       string `json:"target"`
}

// Purchase handles POST /policies
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Holder) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "holder must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	kind, err := peril.ParseRiskKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": err.Error()})
		return
	}

	policy, err := h.service.Purchase(c.Request.Context(),
		req.Holder, req.Asset, req.Amount,
		time.Duration(req.DurationSecs)*time.Second, kind, req.Target)
	if err != nil {
		h.writePolicyError(c, err, "purchase_error", "Failed to purchase policy")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"policy": policy})
}

// GetPolicy handles GET /policies/:id
func (h *Handler) GetPolicy(c *gin.Context) {
	id, ok := parsePolicyID(c)
	if !ok {
		return
	}

	policy, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "policy_not_found",
				"message": "No policy exists with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "policy_error",
			"message": "Failed to retrieve policy",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy})
}

// CancelRequest for holder-initiated cancellations
type CancelRequest struct {
	Holder string `json:"holder" binding:"required"`
}

// Cancel handles POST /policies/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parsePolicyID(c)
	if !ok {
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	policy, err := h.service.Cancel(c.Request.Context(), id, req.Holder)
	if err != nil {
		h.writePolicyError(c, err, "cancel_error", "Failed to cancel policy")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policy": policy,
		"refund": money.Format(policy.RefundDue(policy.UpdatedAt)),
	})
}

// ListByHolder handles GET /holders/:address/policies
func (h *Handler) ListByHolder(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Holder must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	policies, err := h.service.ListByHolder(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "policy_error",
			"message": "Failed to list policies",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// ProcessClaimRequest for operator single-policy settlements
type ProcessClaimRequest struct {
	PolicyID uint64            `json:"policyId" binding:"required"`
	Amount   string            `json:"amount" binding:"required"`
	Kind     string            `json:"kind" binding:"required"`
	Details  map[string]string `json:"details"`
}

// ProcessClaim handles POST /admin/claims/process — the operator path for
// settling one policy at a chosen amount.
func (h *Handler) ProcessClaim(c *gin.Context) {
	var req ProcessClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	kind, err := peril.ParseRiskKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": err.Error()})
		return
	}
	now := time.Now().UTC()
	ev := &peril.Evidence{Kind: kind, Details: req.Details, ObservedAt: now, DispatchedAt: now}
	evidence, err := ev.Encode()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_evidence", "message": err.Error()})
		return
	}

	policy, err := h.service.ProcessClaim(c.Request.Context(), ManualProcessor, req.PolicyID, req.Amount, evidence)
	if err != nil {
		h.writePolicyError(c, err, "claim_error", "Failed to process claim")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "settled", "policy": policy})
}

// SetFeeRequest for protocol fee updates
type SetFeeRequest struct {
	FeeBps    int64  `json:"feeBps"`
	Collector string `json:"collector"`
}

// SetProtocolFee handles PUT /admin/protocol-fee
func (h *Handler) SetProtocolFee(c *gin.Context) {
	var req SetFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.service.SetProtocolFee(req.FeeBps, req.Collector); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_fee", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "feeBps": req.FeeBps})
}

// GetProtocolFee handles GET /admin/protocol-fee
func (h *Handler) GetProtocolFee(c *gin.Context) {
	bps, collector := h.service.ProtocolFee()
	c.JSON(http.StatusOK, gin.H{"feeBps": bps, "collector": collector})
}

func parsePolicyID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy_id",
			"message": "Policy ID must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) writePolicyError(c *gin.Context, err error, fallbackCode, fallbackMsg string) {
	status := http.StatusInternalServerError
	errCode := fallbackCode

	switch {
	case errors.Is(err, ErrPolicyNotFound):
		status = http.StatusNotFound
		errCode = "policy_not_found"
	case errors.Is(err, ErrPolicyNotActive):
		status = http.StatusConflict
		errCode = "policy_not_active"
	case errors.Is(err, ErrOutsideWindow):
		status = http.StatusConflict
		errCode = "outside_coverage_window"
	case errors.Is(err, ErrUnauthorizedProcessor), errors.Is(err, ErrUnauthorizedHolder):
		status = http.StatusForbidden
		errCode = "unauthorized"
	case errors.Is(err, ErrInvalidClaimAmount), errors.Is(err, ErrInvalidEvidence),
		errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrZeroPremium):
		status = http.StatusBadRequest
		errCode = "invalid_request"
	case errors.Is(err, ErrPoolUnavailable):
		status = http.StatusConflict
		errCode = "pool_unavailable"
	case errors.Is(err, premium.ErrNotInsurable):
		status = http.StatusUnprocessableEntity
		errCode = "not_insurable"
	}

	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": errCode, "message": fallbackMsg})
		return
	}
	c.JSON(status, gin.H{"error": errCode, "message": err.Error()})
}
