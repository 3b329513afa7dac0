package pool

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parashield-protocol/parashield/internal/validation"
)

// Handler provides HTTP endpoints for capital pool operations
type Handler struct {
	service *Service
}

// NewHandler creates a new pool handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public pool routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pools", h.ListPools)
	r.GET("/pools/:asset", h.GetPool)
	r.GET("/pools/:asset/history", h.GetHistory)
	r.GET("/pools/:asset/providers/:address", h.GetStake)
	r.POST("/pools/:asset/deposits", h.Deposit)
	r.POST("/pools/:asset/withdrawals", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only pool routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/pools", h.CreatePool)
	r.PUT("/admin/pools/:asset/ratio", h.SetMinRatio)
	r.PUT("/admin/pools/:asset/active", h.SetActive)
	r.POST("/admin/pools/:asset/emergency-withdrawal", h.EmergencyWithdraw)
}

// ListPools handles GET /pools
func (h *Handler) ListPools(c *gin.Context) {
	pools, err := h.service.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pool_error",
			"message": "Failed to list pools",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": pools, "count": len(pools)})
}

// GetPool handles GET /pools/:asset
func (h *Handler) GetPool(c *gin.Context) {
	pool, err := h.service.Get(c.Request.Context(), c.Param("asset"))
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pool_not_found",
				"message": "No pool exists for this asset",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pool_error",
			"message": "Failed to retrieve pool",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

// GetHistory handles GET /pools/:asset/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.service.History(c.Request.Context(), c.Param("asset"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pool_error",
			"message": "Failed to retrieve pool history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetStake handles GET /pools/:asset/providers/:address
func (h *Handler) GetStake(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Provider must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	stake, err := h.service.ProviderStake(c.Request.Context(), c.Param("asset"), address)
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pool_not_found",
				"message": "No pool exists for this asset",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pool_error",
			"message": "Failed to retrieve stake",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": c.Param("asset"), "provider": address, "stake": stake})
}

// DepositRequest for provider deposits
type DepositRequest struct {
	Provider string `json:"provider" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// Deposit handles POST /pools/:asset/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "provider must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	err := h.service.Deposit(c.Request.Context(), c.Param("asset"), req.Provider, req.Amount)
	if err != nil {
		h.writeCapitalError(c, err, "deposit_error", "Failed to record deposit")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "deposited",
		"amount":  req.Amount,
		"message": "Capital credited to pool",
	})
}

// WithdrawRequest for provider withdrawals
type WithdrawRequest struct {
	Provider string `json:"provider" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// Withdraw handles POST /pools/:asset/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "provider must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	err := h.service.Withdraw(c.Request.Context(), c.Param("asset"), req.Provider, req.Amount)
	if err != nil {
		h.writeCapitalError(c, err, "withdrawal_error", "Failed to execute withdrawal")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "withdrawn",
		"amount":  req.Amount,
		"message": "Capital returned to provider",
	})
}

// CreatePoolRequest for pool creation
type CreatePoolRequest struct {
	Asset              string `json:"asset" binding:"required"`
	MinCapitalRatioPct int64  `json:"minCapitalRatioPct"`
}

// CreatePool handles POST /admin/pools
func (h *Handler) CreatePool(c *gin.Context) {
	var req CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Asset) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "asset must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	pool, err := h.service.Create(c.Request.Context(), req.Asset, req.MinCapitalRatioPct)
	if err != nil {
		if errors.Is(err, ErrPoolExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "pool_exists",
				"message": "A pool already exists for this asset",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "pool_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"pool": pool})
}

// SetRatioRequest for ratio updates
type SetRatioRequest struct {
	MinCapitalRatioPct int64 `json:"minCapitalRatioPct" binding:"required"`
}

// SetMinRatio handles PUT /admin/pools/:asset/ratio
func (h *Handler) SetMinRatio(c *gin.Context) {
	var req SetRatioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.service.SetMinRatio(c.Request.Context(), c.Param("asset"), req.MinCapitalRatioPct)
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pool_not_found",
				"message": "No pool exists for this asset",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "pool_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "minCapitalRatioPct": req.MinCapitalRatioPct})
}

// SetActiveRequest for active flag updates
type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActive handles PUT /admin/pools/:asset/active
func (h *Handler) SetActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.service.SetActive(c.Request.Context(), c.Param("asset"), *req.Active)
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pool_not_found",
				"message": "No pool exists for this asset",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pool_error",
			"message": "Failed to update pool",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "active": *req.Active})
}

// EmergencyWithdrawRequest for operator emergency withdrawals
type EmergencyWithdrawRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// EmergencyWithdraw handles POST /admin/pools/:asset/emergency-withdrawal
func (h *Handler) EmergencyWithdraw(c *gin.Context) {
	var req EmergencyWithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Recipient) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "recipient must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	err := h.service.EmergencyWithdraw(c.Request.Context(), c.Param("asset"), req.Recipient, req.Amount)
	if err != nil {
		h.writeCapitalError(c, err, "withdrawal_error", "Failed to execute emergency withdrawal")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "withdrawn",
		"amount":  req.Amount,
		"message": "Emergency withdrawal executed",
	})
}

func (h *Handler) writeCapitalError(c *gin.Context, err error, fallbackCode, fallbackMsg string) {
	status := http.StatusInternalServerError
	errCode := fallbackCode

	switch {
	case errors.Is(err, ErrPoolNotFound):
		status = http.StatusNotFound
		errCode = "pool_not_found"
	case errors.Is(err, ErrPoolInactive):
		status = http.StatusConflict
		errCode = "pool_inactive"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		errCode = "invalid_amount"
	case errors.Is(err, ErrInsufficientStake):
		status = http.StatusBadRequest
		errCode = "insufficient_stake"
	case errors.Is(err, ErrInsufficientCapital):
		status = http.StatusBadRequest
		errCode = "insufficient_capital"
	case errors.Is(err, ErrSolvencyBreach):
		status = http.StatusConflict
		errCode = "solvency_breach"
	}

	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": errCode, "message": fallbackMsg})
		return
	}
	c.JSON(status, gin.H{"error": errCode, "message": err.Error()})
}
