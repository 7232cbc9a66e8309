package service

import (
	"context"
	"errors"
	"time"

	"github.com/tickerarena/internal/config"
	"github.com/tickerarena/internal/repository"
)

var (
	ErrResetNotEligible    = errors.New("portfolio value is above the reset threshold")
	ErrResetCooldown       = errors.New("reset cooldown has not elapsed")
	ErrPaymentNotConfirmed = errors.New("payment could not be confirmed")
)

// PaymentVerifier confirms an external payment reference for the paid
// reset path. Payment processing itself happens elsewhere.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, userID uint, reference string) error
}

// ResetEligibility describes whether and why a user may reset
type ResetEligibility struct {
	Eligible        bool       `json:"eligible"`
	TotalValue      float64    `json:"total_portfolio_value"`
	Threshold       float64    `json:"threshold"`
	CooldownEndsAt  *time.Time `json:"cooldown_ends_at,omitempty"`
	StartingCapital float64    `json:"starting_capital"`
}

// ResetService decides reset eligibility and executes resets. A reset
// deletes all open positions and restarts cash derivation at the tier's
// starting capital; the transaction log is kept.
type ResetService struct {
	userRepo  *repository.UserRepository
	portfolio *PortfolioService
	trading   config.TradingConfig
	payments  PaymentVerifier
}

// NewResetService creates a new ResetService
func NewResetService(
	userRepo *repository.UserRepository,
	portfolio *PortfolioService,
	trading config.TradingConfig,
	payments PaymentVerifier,
) *ResetService {
	return &ResetService{
		userRepo:  userRepo,
		portfolio: portfolio,
		trading:   trading,
		payments:  payments,
	}
}

// Eligibility evaluates the reset gates for a user: the portfolio must be
// worth less than the tier threshold and the tier cooldown must have
// elapsed since the previous reset.
func (s *ResetService) Eligibility(ctx context.Context, userID uint) (*ResetEligibility, error) {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, err
	}

	tier := s.trading.Tier(string(user.Tier))

	total, err := s.portfolio.TotalValue(ctx, userID)
	if err != nil {
		return nil, err
	}

	eligibility := &ResetEligibility{
		TotalValue:      total,
		Threshold:       tier.ResetThreshold,
		StartingCapital: tier.StartingCapital,
	}

	if user.PaperLastReset != nil {
		cooldownEnd := user.PaperLastReset.Add(time.Duration(tier.ResetCooldownDays) * 24 * time.Hour)
		if time.Now().Before(cooldownEnd) {
			eligibility.CooldownEndsAt = &cooldownEnd
		}
	}

	eligibility.Eligible = total < tier.ResetThreshold && eligibility.CooldownEndsAt == nil

	return eligibility, nil
}

// Reset wipes the portfolio back to starting capital if the gates pass.
// Returns the new baseline snapshot.
func (s *ResetService) Reset(ctx context.Context, userID uint) (*PortfolioSnapshot, error) {
	eligibility, err := s.Eligibility(ctx, userID)
	if err != nil {
		return nil, err
	}

	if eligibility.CooldownEndsAt != nil {
		return nil, ErrResetCooldown
	}
	if eligibility.TotalValue >= eligibility.Threshold {
		return nil, ErrResetNotEligible
	}

	if err := s.userRepo.ResetPaper(userID, time.Now()); err != nil {
		return nil, err
	}

	return s.portfolio.Snapshot(ctx, userID)
}

// PaidReset bypasses both gates in exchange for a confirmed payment
func (s *ResetService) PaidReset(ctx context.Context, userID uint, paymentReference string) (*PortfolioSnapshot, error) {
	if s.payments == nil {
		return nil, ErrPaymentNotConfirmed
	}
	if err := s.payments.VerifyPayment(ctx, userID, paymentReference); err != nil {
		return nil, ErrPaymentNotConfirmed
	}

	if err := s.userRepo.ResetPaper(userID, time.Now()); err != nil {
		return nil, err
	}

	return s.portfolio.Snapshot(ctx, userID)
}
