package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tickerarena/internal/middleware"
	"github.com/tickerarena/internal/service"
	"github.com/tickerarena/pkg/response"
)

// ResetHandler handles portfolio reset API requests
type ResetHandler struct {
	resetService *service.ResetService
}

// NewResetHandler creates a new ResetHandler
func NewResetHandler(resetService *service.ResetService) *ResetHandler {
	return &ResetHandler{
		resetService: resetService,
	}
}

// GetEligibility reports whether the user may reset and why not otherwise
// GET /api/v1/paper/reset/eligibility
func (h *ResetHandler) GetEligibility(c *gin.Context) {
	userID := middleware.GetUserID(c)

	eligibility, err := h.resetService.Eligibility(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "failed to evaluate reset eligibility")
		return
	}

	response.Success(c, eligibility)
}

// Reset wipes the portfolio back to starting capital
// POST /api/v1/paper/reset
func (h *ResetHandler) Reset(c *gin.Context) {
	userID := middleware.GetUserID(c)

	snapshot, err := h.resetService.Reset(c.Request.Context(), userID)
	if err != nil {
		h.handleResetError(c, err)
		return
	}

	response.Success(c, snapshot)
}

// PaidReset resets regardless of the gates against a confirmed payment
// POST /api/v1/paper/reset/paid
func (h *ResetHandler) PaidReset(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req struct {
		PaymentReference string `json:"payment_reference" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	snapshot, err := h.resetService.PaidReset(c.Request.Context(), userID, req.PaymentReference)
	if err != nil {
		h.handleResetError(c, err)
		return
	}

	response.Success(c, snapshot)
}

// handleResetError maps reset errors to responses
func (h *ResetHandler) handleResetError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrResetNotEligible):
		response.Error(c, http.StatusBadRequest, "ResetNotEligible", err.Error())
	case errors.Is(err, service.ErrResetCooldown):
		response.Error(c, http.StatusBadRequest, "ResetCooldown", err.Error())
	case errors.Is(err, service.ErrPaymentNotConfirmed):
		response.Error(c, http.StatusPaymentRequired, "PaymentNotConfirmed", err.Error())
	default:
		response.InternalError(c, "reset failed")
	}
}

// RegisterRoutes registers reset routes
func (h *ResetHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	reset := rg.Group("/paper/reset")
	reset.Use(authMiddleware)
	{
		reset.GET("/eligibility", h.GetEligibility)
		reset.POST("", h.Reset)
		reset.POST("/paid", h.PaidReset)
	}
}
