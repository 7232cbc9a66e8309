package service

import (
	"context"

	"github.com/tickerarena/internal/config"
	"github.com/tickerarena/internal/fx"
	"github.com/tickerarena/internal/models"
	"github.com/tickerarena/internal/oracle"
	"github.com/tickerarena/internal/repository"
)

// PositionView is a position enriched with a live mark and derived
// valuations in base currency
type PositionView struct {
	models.Position
	MarkPrice       float64 `json:"mark_price"`
	MarkStale       bool    `json:"mark_stale"`
	ChangePercent   float64 `json:"change_percent"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	MarketValueBase float64 `json:"market_value"`
}

// PortfolioSnapshot is the derived state of a user's paper portfolio.
// It is recomputed from positions and live quotes on every read and
// never persisted, so the totals cannot drift from the ledger.
type PortfolioSnapshot struct {
	CashBalance         float64        `json:"cash_balance"`
	TotalMarketValue    float64        `json:"total_market_value"`
	TotalPortfolioValue float64        `json:"total_portfolio_value"`
	RealizedPnL         float64        `json:"realized_pnl"`
	BaseCurrency        string         `json:"base_currency"`
	Positions           []PositionView `json:"positions"`
}

// PortfolioService derives portfolio state by folding position rows
// against oracle quotes. Read-only; it writes nothing.
type PortfolioService struct {
	userRepo     *repository.UserRepository
	positionRepo *repository.PositionRepository
	txRepo       *repository.TransactionRepository
	quotes       oracle.Provider
	converter    *fx.Converter
	trading      config.TradingConfig
}

// NewPortfolioService creates a new PortfolioService
func NewPortfolioService(
	userRepo *repository.UserRepository,
	positionRepo *repository.PositionRepository,
	txRepo *repository.TransactionRepository,
	quotes oracle.Provider,
	converter *fx.Converter,
	trading config.TradingConfig,
) *PortfolioService {
	return &PortfolioService{
		userRepo:     userRepo,
		positionRepo: positionRepo,
		txRepo:       txRepo,
		quotes:       quotes,
		converter:    converter,
		trading:      trading,
	}
}

// CashBalance derives the user's cash balance: tier starting capital plus
// the signed cash flow of every transaction since the last reset. Cash is
// never stored and never decremented in place.
func (s *PortfolioService) CashBalance(ctx context.Context, userID uint) (float64, error) {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return 0, err
	}

	tier := s.trading.Tier(string(user.Tier))

	flow, err := s.txRepo.SumCashFlowSince(userID, user.ResetBaseline())
	if err != nil {
		return 0, err
	}

	return tier.StartingCapital + flow, nil
}

// Snapshot computes the full derived portfolio. A failing quote for one
// symbol marks that position with its entry price instead of erroring the
// whole read.
func (s *PortfolioService) Snapshot(ctx context.Context, userID uint) (*PortfolioSnapshot, error) {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, err
	}

	cash, err := s.CashBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	realized, err := s.txRepo.SumRealizedPnLSince(userID, user.ResetBaseline())
	if err != nil {
		return nil, err
	}

	positions, err := s.positionRepo.GetByUserID(userID)
	if err != nil {
		return nil, err
	}

	snapshot := &PortfolioSnapshot{
		CashBalance:  cash,
		RealizedPnL:  realized,
		BaseCurrency: s.converter.Base(),
		Positions:    make([]PositionView, 0, len(positions)),
	}

	for i := range positions {
		view, err := s.valuate(ctx, &positions[i])
		if err != nil {
			return nil, err
		}
		snapshot.TotalMarketValue += view.MarketValueBase
		snapshot.Positions = append(snapshot.Positions, *view)
	}

	snapshot.TotalPortfolioValue = snapshot.CashBalance + snapshot.TotalMarketValue

	return snapshot, nil
}

// TotalValue returns just the total portfolio value, for gates that do
// not need the per-position breakdown
func (s *PortfolioService) TotalValue(ctx context.Context, userID uint) (float64, error) {
	snapshot, err := s.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return snapshot.TotalPortfolioValue, nil
}

// Positions returns the user's positions with live marks
func (s *PortfolioService) Positions(ctx context.Context, userID uint) ([]PositionView, error) {
	positions, err := s.positionRepo.GetByUserID(userID)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		view, err := s.valuate(ctx, &positions[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}

	return views, nil
}

// valuate marks one position. Oracle failure degrades to the entry price
// as the mark; only an unknown currency is a hard error.
func (s *PortfolioService) valuate(ctx context.Context, position *models.Position) (*PositionView, error) {
	rate, err := s.converter.Rate(position.Currency)
	if err != nil {
		return nil, err
	}

	view := &PositionView{Position: *position}

	quote, err := s.quotes.GetQuote(ctx, position.Symbol)
	if err != nil {
		view.MarkPrice = position.BuyPrice
		view.MarkStale = true
	} else {
		view.MarkPrice = quote.Price
		view.ChangePercent = quote.ChangePercent
	}

	view.UnrealizedPnL = position.UnrealizedPnL(view.MarkPrice) * rate
	view.MarketValueBase = position.MarketValue(view.MarkPrice) * rate

	return view, nil
}
