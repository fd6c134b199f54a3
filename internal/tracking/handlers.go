package tracking

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/validation"
)

// Handler provides HTTP endpoints for tracked addresses.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new tracking handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up tracking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tracked", h.Register)
	r.GET("/tracked/:id/alerts", h.ListAlerts)
	r.GET("/subscribers/:externalId/tracked", h.ListForSubscriber)
	r.DELETE("/subscribers/:externalId/tracked/:id", h.Deactivate)
}

// Register handles POST /v1/tracked
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("subscriberId", req.SubscriberID),
		validation.MaxLength("subscriberId", req.SubscriberID, validation.MaxStringLength),
		validation.Required("chain", req.Chain),
		validation.Required("address", req.Address),
		validation.ValidAddress("address", req.Address),
		validation.NonNegativeAmount("minAmount", req.MinAmount),
		validation.OneOf("mode", req.Mode, string(ModeTransactions), string(ModeRiskLevel)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.service.RegisterTracked(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tracked": t})
}

// ListForSubscriber handles GET /v1/subscribers/:externalId/tracked
func (h *Handler) ListForSubscriber(c *gin.Context) {
	list, err := h.service.ListForSubscriber(c.Request.Context(), c.Param("externalId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracked": list, "count": len(list)})
}

// Deactivate handles DELETE /v1/subscribers/:externalId/tracked/:id
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("externalId"), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": false})
}

// ListAlerts handles GET /v1/tracked/:id/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	page, err := h.service.ListAlerts(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":     page.Alerts,
		"count":      len(page.Alerts),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTrackedNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Tracked address not found"})
	case errors.Is(err, ErrAlreadyTracked):
		c.JSON(http.StatusConflict, gin.H{"error": "already_tracked", "message": err.Error()})
	case errors.Is(err, chain.ErrUnsupportedChain):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_chain", "message": "Chain is not supported"})
	case errors.Is(err, chain.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Address must be a valid EVM address (0x + 40 hex chars)"})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidMode), errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		h.logger.Error("tracking request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
