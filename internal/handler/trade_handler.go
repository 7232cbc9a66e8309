package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tickerarena/internal/middleware"
	"github.com/tickerarena/internal/oracle"
	"github.com/tickerarena/internal/repository"
	"github.com/tickerarena/internal/service"
	"github.com/tickerarena/pkg/response"
)

// TradeHandler handles paper-trading API requests
type TradeHandler struct {
	settlement *service.SettlementService
	portfolio  *service.PortfolioService
	txRepo     *repository.TransactionRepository
	quotes     oracle.Provider
}

// NewTradeHandler creates a new TradeHandler
func NewTradeHandler(
	settlement *service.SettlementService,
	portfolio *service.PortfolioService,
	txRepo *repository.TransactionRepository,
	quotes oracle.Provider,
) *TradeHandler {
	return &TradeHandler{
		settlement: settlement,
		portfolio:  portfolio,
		txRepo:     txRepo,
		quotes:     quotes,
	}
}

// Trade settles a paper trade at the current quote
// POST /api/v1/paper/trade
func (h *TradeHandler) Trade(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req service.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	quote, err := h.quotes.GetQuote(c.Request.Context(), req.Symbol)
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, "QuoteUnavailable",
			"no quote available for "+req.Symbol)
		return
	}

	result, err := h.settlement.Execute(c.Request.Context(), userID, quote, &req)
	if err != nil {
		h.handleTradeError(c, err)
		return
	}

	response.Success(c, result)
}

// GetPortfolio returns the derived portfolio snapshot
// GET /api/v1/paper/portfolio
func (h *TradeHandler) GetPortfolio(c *gin.Context) {
	userID := middleware.GetUserID(c)

	snapshot, err := h.portfolio.Snapshot(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "failed to compute portfolio")
		return
	}

	response.Success(c, snapshot)
}

// GetPositions returns open positions with live marks
// GET /api/v1/paper/positions
func (h *TradeHandler) GetPositions(c *gin.Context) {
	userID := middleware.GetUserID(c)

	positions, err := h.portfolio.Positions(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "failed to load positions")
		return
	}

	response.Success(c, positions)
}

// GetTransactions returns paginated trade history
// GET /api/v1/paper/transactions
func (h *TradeHandler) GetTransactions(c *gin.Context) {
	userID := middleware.GetUserID(c)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	txs, total, err := h.txRepo.GetByUserIDPaginated(userID, page, pageSize)
	if err != nil {
		response.InternalError(c, "failed to load transactions")
		return
	}

	response.SuccessPaginated(c, txs, total, page, pageSize)
}

// handleTradeError maps settlement errors to responses. Business-rule
// rejections carry a stable kind so the client can render a specific
// message rather than a generic trade failure.
func (h *TradeHandler) handleTradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity):
		response.Error(c, http.StatusBadRequest, "InvalidQuantity", err.Error())
	case errors.Is(err, service.ErrInvalidSide):
		response.Error(c, http.StatusBadRequest, "InvalidSide", err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		response.Error(c, http.StatusBadRequest, "InsufficientFunds", err.Error())
	case errors.Is(err, service.ErrInsufficientShares):
		response.Error(c, http.StatusBadRequest, "InsufficientShares", err.Error())
	case errors.Is(err, service.ErrPositionLocked):
		response.Error(c, http.StatusBadRequest, "PositionLocked", err.Error())
	case errors.Is(err, service.ErrNoOpenPosition):
		response.Error(c, http.StatusBadRequest, "NoOpenPosition", err.Error())
	case errors.Is(err, service.ErrLongPositionExists):
		response.Error(c, http.StatusBadRequest, "LongPositionExists", err.Error())
	case errors.Is(err, service.ErrShortPositionExists):
		response.Error(c, http.StatusBadRequest, "ShortPositionExists", err.Error())
	case errors.Is(err, service.ErrConcurrentModification):
		response.Conflict(c, "ConcurrentModification", err.Error())
	default:
		response.InternalError(c, "trade failed")
	}
}

// RegisterRoutes registers paper-trading routes
func (h *TradeHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	paper := rg.Group("/paper")
	paper.Use(authMiddleware)
	{
		paper.POST("/trade", h.Trade)
		paper.GET("/portfolio", h.GetPortfolio)
		paper.GET("/positions", h.GetPositions)
		paper.GET("/transactions", h.GetTransactions)
	}
}
