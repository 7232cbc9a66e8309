package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/tickerarena/internal/oracle"
	"github.com/tickerarena/pkg/response"
)

// PriceHandler handles quote API requests
type PriceHandler struct {
	quotes oracle.Provider
}

// NewPriceHandler creates a new PriceHandler
func NewPriceHandler(quotes oracle.Provider) *PriceHandler {
	return &PriceHandler{
		quotes: quotes,
	}
}

// GetQuote returns the current quote for a symbol
// GET /api/v1/prices/:symbol
func (h *PriceHandler) GetQuote(c *gin.Context) {
	symbol := c.Param("symbol")

	quote, err := h.quotes.GetQuote(c.Request.Context(), symbol)
	if err != nil {
		response.NotFound(c, "no quote for "+symbol)
		return
	}

	response.Success(c, quote)
}

// RegisterRoutes registers price routes
func (h *PriceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	prices := rg.Group("/prices")
	{
		prices.GET("/:symbol", h.GetQuote)
	}
}
