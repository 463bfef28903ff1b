package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/process-timeouts", h.ProcessTimeouts)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/parties/:identity/escrows", h.ListByParty)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	esc, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty):
			status = http.StatusBadRequest
		case errors.Is(err, ErrInsufficientBalance):
			status = http.StatusPaymentRequired
		}
		c.JSON(status, gin.H{"error": "create_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, esc)
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.transition(c, h.service.Release)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.transition(c, h.service.Cancel)
}

// ProcessTimeouts handles POST /v1/escrows/process-timeouts
func (h *Handler) ProcessTimeouts(c *gin.Context) {
	now := time.Now()
	if raw := c.Query("asOf"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid_request", "message": "asOf must be RFC3339"})
			return
		}
		now = t
	}

	count, err := h.service.ProcessTimeouts(c.Request.Context(), now)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "sweep_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": count})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	esc, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, esc)
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	list, err := h.service.ListAll(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": list, "count": len(list)})
}

// ListByParty handles GET /v1/parties/:identity/escrows
func (h *Handler) ListByParty(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	list, err := h.service.ListByParty(c.Request.Context(), c.Param("identity"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": list, "count": len(list)})
}

// transition runs a release/cancel style operation with shared error mapping.
func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id uint64) (*Escrow, error)) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	esc, err := op(c.Request.Context(), id)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrEscrowNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrTimelockActive):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": "transition_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, esc)
}

func escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "escrow id must be numeric"})
		return 0, false
	}
	return id, true
}
