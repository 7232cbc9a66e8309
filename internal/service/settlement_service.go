package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tickerarena/internal/fx"
	"github.com/tickerarena/internal/models"
	"github.com/tickerarena/internal/oracle"
	"github.com/tickerarena/internal/repository"
	"gorm.io/gorm"
)

var (
	ErrInvalidQuantity        = errors.New("share quantity must be a positive integer")
	ErrInvalidSide            = errors.New("invalid trade side")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrPositionLocked         = errors.New("position is locked")
	ErrConcurrentModification = errors.New("position modified concurrently, trade not executed")
	ErrNoOpenPosition         = errors.New("no open position for symbol")
	ErrLongPositionExists     = errors.New("cannot short while holding a long position")
	ErrShortPositionExists    = errors.New("cannot buy while holding a short position")
)

// TradeSide represents the requested trade direction
type TradeSide string

const (
	TradeSideBuy   TradeSide = "buy"
	TradeSideSell  TradeSide = "sell"
	TradeSideShort TradeSide = "short"
	TradeSideCover TradeSide = "cover"
)

// TradeRequest represents a settlement request for one symbol
type TradeRequest struct {
	Symbol         string    `json:"symbol" binding:"required"`
	Side           TradeSide `json:"type" binding:"required"`
	Shares         int64     `json:"shares" binding:"required"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// SettlementResult is the authoritative outcome of a trade. Client-side
// estimates must be overwritten with these values.
type SettlementResult struct {
	Accepted      bool                `json:"accepted"`
	Transaction   *models.Transaction `json:"transaction"`
	Position      *models.Position    `json:"position,omitempty"`
	TotalProceeds float64             `json:"total_proceeds,omitempty"`
	RealizedPnL   float64             `json:"pnl"`
	NewShareCount int64               `json:"new_share_count"`
	Replayed      bool                `json:"replayed,omitempty"`
}

// ChallengeEvent describes a settled trade for gamification bookkeeping
type ChallengeEvent struct {
	UserID       uint      `json:"user_id"`
	Symbol       string    `json:"symbol"`
	Side         TradeSide `json:"side"`
	Shares       int64     `json:"shares"`
	NotionalBase float64   `json:"notional_base"`
	RealizedPnL  float64   `json:"realized_pnl"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ChallengeReporter receives settled-trade events. Reporting is
// fire-and-forget: a failing reporter never affects the trade.
type ChallengeReporter interface {
	ReportTrade(ctx context.Context, event ChallengeEvent) error
}

// SettlementService is the trade settlement engine. Given a quote and a
// requested trade it validates, computes the position delta and realized
// PnL, and persists both the position change and the ledger entry in one
// database transaction guarded by the position's version.
type SettlementService struct {
	db           *gorm.DB
	userRepo     *repository.UserRepository
	positionRepo *repository.PositionRepository
	txRepo       *repository.TransactionRepository
	portfolio    *PortfolioService
	converter    *fx.Converter
	lockDuration time.Duration
	challenges   ChallengeReporter
}

// NewSettlementService creates a new SettlementService
func NewSettlementService(
	db *gorm.DB,
	userRepo *repository.UserRepository,
	positionRepo *repository.PositionRepository,
	txRepo *repository.TransactionRepository,
	portfolio *PortfolioService,
	converter *fx.Converter,
	lockDuration time.Duration,
	challenges ChallengeReporter,
) *SettlementService {
	return &SettlementService{
		db:           db,
		userRepo:     userRepo,
		positionRepo: positionRepo,
		txRepo:       txRepo,
		portfolio:    portfolio,
		converter:    converter,
		lockDuration: lockDuration,
		challenges:   challenges,
	}
}

// Execute settles a trade against the supplied quote. The quote must be
// the freshest one available to the caller; affordability is re-validated
// here against the server-derived cash balance, never trusted from the
// client. Version conflicts are retried once before surfacing as
// ErrConcurrentModification.
func (s *SettlementService) Execute(ctx context.Context, userID uint, quote *oracle.Quote, req *TradeRequest) (*SettlementResult, error) {
	if req.Shares < 1 {
		return nil, ErrInvalidQuantity
	}

	switch req.Side {
	case TradeSideBuy, TradeSideSell, TradeSideShort, TradeSideCover:
	default:
		return nil, ErrInvalidSide
	}

	// A retried submission replays the recorded outcome instead of
	// executing twice.
	if req.IdempotencyKey != "" {
		recorded, err := s.txRepo.GetByIdempotencyKey(userID, req.IdempotencyKey)
		if err == nil {
			return s.replay(userID, recorded)
		}
		if !errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, err
		}
	}

	result, err := s.settle(ctx, userID, quote, req)
	if errors.Is(err, repository.ErrVersionConflict) {
		result, err = s.settle(ctx, userID, quote, req)
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, ErrConcurrentModification
		}
	}
	// A concurrent submission with the same key won the ledger insert
	// between our lookup and our write; return its recorded outcome.
	if errors.Is(err, repository.ErrDuplicateTransaction) && req.IdempotencyKey != "" {
		recorded, lookupErr := s.txRepo.GetByIdempotencyKey(userID, req.IdempotencyKey)
		if lookupErr == nil {
			return s.replay(userID, recorded)
		}
	}
	if err != nil {
		return nil, err
	}

	s.reportChallenge(userID, req, result)

	return result, nil
}

// settle performs one validation + write attempt
func (s *SettlementService) settle(ctx context.Context, userID uint, quote *oracle.Quote, req *TradeRequest) (*SettlementResult, error) {
	position, err := s.positionRepo.GetByUserIDAndSymbol(userID, req.Symbol)
	if err != nil {
		if !errors.Is(err, repository.ErrPositionNotFound) {
			return nil, err
		}
		position = nil
	}

	switch req.Side {
	case TradeSideBuy:
		if position != nil && position.Shares < 0 {
			return nil, ErrShortPositionExists
		}
		return s.open(ctx, userID, quote, req, position, false)
	case TradeSideShort:
		if position != nil && position.Shares > 0 {
			return nil, ErrLongPositionExists
		}
		return s.open(ctx, userID, quote, req, position, true)
	case TradeSideSell:
		if position == nil || position.Shares <= 0 {
			return nil, ErrNoOpenPosition
		}
		return s.close(ctx, userID, quote, req, position)
	case TradeSideCover:
		if position == nil || position.Shares >= 0 {
			return nil, ErrNoOpenPosition
		}
		return s.close(ctx, userID, quote, req, position)
	}
	return nil, ErrInvalidSide
}

// open creates or increases a position. Buys consume cash, shorts reserve
// margin equal to the notional; both paths charge the same cost and set
// the fair-play lock.
func (s *SettlementService) open(ctx context.Context, userID uint, quote *oracle.Quote, req *TradeRequest, position *models.Position, short bool) (*SettlementResult, error) {
	currency := quote.Currency
	if position != nil {
		currency = position.Currency
	}
	rate, err := s.converter.Rate(currency)
	if err != nil {
		return nil, err
	}

	cost := float64(req.Shares) * quote.Price * rate

	cash, err := s.portfolio.CashBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cost > cash {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	lockedUntil := now.Add(s.lockDuration)

	signedShares := req.Shares
	if short {
		signedShares = -req.Shares
	}

	ledgerEntry := &models.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Symbol:      req.Symbol,
		Type:        models.TransactionBuy,
		Shares:      req.Shares,
		Price:       quote.Price,
		Currency:    currency,
		TotalBase:   cost,
		RealizedPnL: 0,
		CreatedAt:   now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		ledgerEntry.IdempotencyKey = &key
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		positions := repository.NewPositionRepository(tx)
		transactions := repository.NewTransactionRepository(tx)

		if position == nil {
			position = &models.Position{
				UserID:      userID,
				Symbol:      req.Symbol,
				Shares:      signedShares,
				BuyPrice:    quote.Price,
				Currency:    currency,
				LockedUntil: &lockedUntil,
			}
			if err := positions.Create(position); err != nil {
				return err
			}
		} else {
			prevShares := position.AbsShares()
			totalShares := prevShares + req.Shares
			avgPrice := (position.BuyPrice*float64(prevShares) + quote.Price*float64(req.Shares)) / float64(totalShares)

			position.BuyPrice = avgPrice
			position.LockedUntil = &lockedUntil
			if short {
				position.Shares = -totalShares
			} else {
				position.Shares = totalShares
			}

			if err := positions.UpdateVersioned(position); err != nil {
				return err
			}
		}

		return transactions.Create(ledgerEntry)
	})
	if err != nil {
		return nil, err
	}

	return &SettlementResult{
		Accepted:      true,
		Transaction:   ledgerEntry,
		Position:      position,
		NewShareCount: position.Shares,
	}, nil
}

// close reduces or fully closes a position and realizes PnL. Sells credit
// the sale proceeds; covers return the reserved margin plus the PnL.
func (s *SettlementService) close(ctx context.Context, userID uint, quote *oracle.Quote, req *TradeRequest, position *models.Position) (*SettlementResult, error) {
	if req.Shares > position.AbsShares() {
		return nil, ErrInsufficientShares
	}

	now := time.Now()
	if position.Locked(now) {
		return nil, ErrPositionLocked
	}

	rate, err := s.converter.Rate(position.Currency)
	if err != nil {
		return nil, err
	}

	n := float64(req.Shares)
	var realizedPnL, proceeds float64
	if position.Shares > 0 {
		realizedPnL = n * (quote.Price - position.BuyPrice) * rate
		proceeds = n * quote.Price * rate
	} else {
		realizedPnL = n * (position.BuyPrice - quote.Price) * rate
		proceeds = n*position.BuyPrice*rate + realizedPnL
	}

	remaining := position.AbsShares() - req.Shares

	ledgerEntry := &models.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Symbol:      req.Symbol,
		Type:        models.TransactionSell,
		Shares:      req.Shares,
		Price:       quote.Price,
		Currency:    position.Currency,
		TotalBase:   proceeds,
		RealizedPnL: realizedPnL,
		CreatedAt:   now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		ledgerEntry.IdempotencyKey = &key
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		positions := repository.NewPositionRepository(tx)
		transactions := repository.NewTransactionRepository(tx)

		if remaining == 0 {
			if err := positions.DeleteVersioned(position); err != nil {
				return err
			}
		} else {
			if position.Shares > 0 {
				position.Shares = remaining
			} else {
				position.Shares = -remaining
			}
			if err := positions.UpdateVersioned(position); err != nil {
				return err
			}
		}

		return transactions.Create(ledgerEntry)
	})
	if err != nil {
		return nil, err
	}

	result := &SettlementResult{
		Accepted:      true,
		Transaction:   ledgerEntry,
		TotalProceeds: proceeds,
		RealizedPnL:   realizedPnL,
	}
	if remaining > 0 {
		result.Position = position
		result.NewShareCount = position.Shares
	}

	return result, nil
}

// replay reconstructs the settlement outcome for a deduplicated retry
func (s *SettlementService) replay(userID uint, recorded *models.Transaction) (*SettlementResult, error) {
	result := &SettlementResult{
		Accepted:    true,
		Transaction: recorded,
		Replayed:    true,
	}

	if recorded.Type == models.TransactionSell {
		result.TotalProceeds = recorded.TotalBase
		result.RealizedPnL = recorded.RealizedPnL
	}

	// Best effort: attach the position as it stands now
	position, err := s.positionRepo.GetByUserIDAndSymbol(userID, recorded.Symbol)
	if err == nil {
		result.Position = position
		result.NewShareCount = position.Shares
	} else if !errors.Is(err, repository.ErrPositionNotFound) {
		return nil, err
	}

	return result, nil
}

// reportChallenge notifies the gamification collaborator about a settled
// trade. Failures are logged and swallowed; they never roll back a trade.
func (s *SettlementService) reportChallenge(userID uint, req *TradeRequest, result *SettlementResult) {
	if s.challenges == nil || result.Transaction == nil {
		return
	}

	event := ChallengeEvent{
		UserID:       userID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Shares:       req.Shares,
		NotionalBase: result.Transaction.TotalBase,
		RealizedPnL:  result.RealizedPnL,
		OccurredAt:   result.Transaction.CreatedAt,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.challenges.ReportTrade(ctx, event); err != nil {
			log.Printf("[Settlement] challenge report failed for user %d: %v", userID, err)
		}
	}()
}
