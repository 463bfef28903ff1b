package treasury

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for treasury operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new treasury handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up treasury routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/treasury/deposit", h.Deposit)
	r.POST("/treasury/withdraw", h.Withdraw)
	r.POST("/treasury/distribute", h.Distribute)
	r.POST("/treasury/lock", h.Lock)
	r.POST("/treasury/unlock", h.Unlock)
	r.GET("/treasury/balance", h.Balance)
	r.GET("/treasury/transactions", h.Transactions)
	r.GET("/treasury/audit", h.Audit)
	r.GET("/treasury/status", h.Status)
}

type transferBody struct {
	Identity    string `json:"identity" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Token       string `json:"token"`
	Description string `json:"description"`
}

type distributeBody struct {
	Recipients  []Recipient `json:"recipients" binding:"required"`
	Token       string      `json:"token"`
	Description string      `json:"description"`
}

// Deposit handles POST /v1/treasury/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var body transferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	err := h.service.Deposit(c.Request.Context(), body.Identity, body.Amount, body.Token, body.Description)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deposited"})
}

// Withdraw handles POST /v1/treasury/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var body transferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	err := h.service.Withdraw(c.Request.Context(), body.Identity, body.Amount, body.Token, body.Description)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "withdrawn"})
}

// Distribute handles POST /v1/treasury/distribute
func (h *Handler) Distribute(c *gin.Context) {
	var body distributeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	err := h.service.DistributeRewards(c.Request.Context(), body.Recipients, body.Token, body.Description)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "distributed", "recipients": len(body.Recipients)})
}

// Lock handles POST /v1/treasury/lock
func (h *Handler) Lock(c *gin.Context) {
	if err := h.service.Lock(c.Request.Context()); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true})
}

// Unlock handles POST /v1/treasury/unlock
func (h *Handler) Unlock(c *gin.Context) {
	if err := h.service.Unlock(c.Request.Context()); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": false})
}

// Balance handles GET /v1/treasury/balance?token=
func (h *Handler) Balance(c *gin.Context) {
	bal, err := h.service.Balance(c.Request.Context(), c.Query("token"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": c.Query("token"), "balance": bal})
}

// Transactions handles GET /v1/treasury/transactions?type=&token=&limit=
func (h *Handler) Transactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	var (
		txs []*Transaction
		err error
	)
	if t := c.Query("type"); t != "" {
		txs, err = h.service.FilterTransactions(c.Request.Context(), TxType(t), c.Query("token"), limit)
	} else {
		txs, err = h.service.TransactionHistory(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// Audit handles GET /v1/treasury/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.service.Audit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Status handles GET /v1/treasury/status
func (h *Handler) Status(c *gin.Context) {
	locked, err := h.service.IsLocked(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": locked})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func writeServiceError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrNoRecipients):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrLocked), errors.Is(err, ErrAlreadyLocked), errors.Is(err, ErrNotLocked):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": "treasury_error", "message": err.Error()})
}
