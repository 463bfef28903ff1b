package splitpay

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for split payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new split payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up split payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/split-payments", h.InitiatePayment)
	r.POST("/split-payments/:id/execute", h.ExecutePayment)
	r.POST("/split-payments/:id/retry", h.RetryPayment)
	r.POST("/split-payments/:id/cancel", h.CancelPayment)
	r.GET("/split-payments", h.ListPayments)
	r.GET("/split-payments/:id", h.GetPayment)
	r.GET("/split-payments/:id/distributed", h.DistributedAmount)
}

// InitiatePayment handles POST /v1/split-payments
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	payment, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrLengthMismatch), errors.Is(err, ErrEmptyRecipients),
			errors.Is(err, ErrSharesNotWhole), errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "initiate_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, payment)
}

// ExecutePayment handles POST /v1/split-payments/:id/execute
func (h *Handler) ExecutePayment(c *gin.Context) {
	h.transition(c, h.service.Execute)
}

// RetryPayment handles POST /v1/split-payments/:id/retry
func (h *Handler) RetryPayment(c *gin.Context) {
	h.transition(c, h.service.Retry)
}

// CancelPayment handles POST /v1/split-payments/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	h.transition(c, h.service.Cancel)
}

// GetPayment handles GET /v1/split-payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	payment, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, payment)
}

// ListPayments handles GET /v1/split-payments
func (h *Handler) ListPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	var (
		list []*SplitPayment
		err  error
	)
	if status := c.Query("status"); status != "" {
		list, err = h.service.ListByStatus(c.Request.Context(), Status(status), limit)
	} else {
		list, err = h.service.ListAll(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

// DistributedAmount handles GET /v1/split-payments/:id/distributed
func (h *Handler) DistributedAmount(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	distributed, err := h.service.CalculateDistributedAmount(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}

	payment, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"paymentId":   id,
		"total":       payment.TotalAmount,
		"distributed": distributed,
		"remainder":   payment.TotalAmount - distributed,
	})
}

// transition runs an execute/retry/cancel style operation with shared error mapping.
func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id uint64) (*SplitPayment, error)) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	payment, err := op(c.Request.Context(), id)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": "transition_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, payment)
}

func paymentID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "payment id must be numeric"})
		return 0, false
	}
	return id, true
}
