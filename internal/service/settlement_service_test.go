package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickerarena/internal/config"
	"github.com/tickerarena/internal/fx"
	"github.com/tickerarena/internal/models"
	"github.com/tickerarena/internal/oracle"
	"github.com/tickerarena/internal/repository"
	"github.com/tickerarena/internal/service"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeQuotes is an in-memory oracle.Provider for tests
type fakeQuotes struct {
	mu      sync.Mutex
	quotes  map[string]*oracle.Quote
	failing map[string]bool
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{
		quotes:  make(map[string]*oracle.Quote),
		failing: make(map[string]bool),
	}
}

func (f *fakeQuotes) set(symbol string, price float64, currency string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = &oracle.Quote{
		Symbol:    symbol,
		Price:     price,
		Currency:  currency,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (f *fakeQuotes) fail(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[symbol] = true
}

func (f *fakeQuotes) GetQuote(ctx context.Context, symbol string) (*oracle.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[symbol] {
		return nil, oracle.ErrQuoteUnavailable
	}
	quote, ok := f.quotes[symbol]
	if !ok {
		return nil, oracle.ErrQuoteUnavailable
	}
	copied := *quote
	return &copied, nil
}

// fakeChallenges records reported trade events
type fakeChallenges struct {
	mu     sync.Mutex
	events []service.ChallengeEvent
	err    error
	ch     chan service.ChallengeEvent
}

func newFakeChallenges() *fakeChallenges {
	return &fakeChallenges{ch: make(chan service.ChallengeEvent, 16)}
}

func (f *fakeChallenges) ReportTrade(ctx context.Context, event service.ChallengeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	f.ch <- event
	return nil
}

// fakePayments confirms or rejects payment references
type fakePayments struct {
	err error
}

func (f *fakePayments) VerifyPayment(ctx context.Context, userID uint, reference string) error {
	return f.err
}

type testEnv struct {
	db           *gorm.DB
	users        *repository.UserRepository
	positions    *repository.PositionRepository
	transactions *repository.TransactionRepository
	quotes       *fakeQuotes
	challenges   *fakeChallenges
	payments     *fakePayments
	portfolio    *service.PortfolioService
	settlement   *service.SettlementService
	reset        *service.ResetService
	user         *models.User
}

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		BaseCurrency: "USD",
		FxRates:      map[string]float64{"USD": 1.0},
		LockMinutes:  30,
		Tiers: map[string]config.TierConfig{
			"free": {StartingCapital: 10000, ResetThreshold: 2500, ResetCooldownDays: 30},
			"pro":  {StartingCapital: 100000, ResetThreshold: 25000, ResetCooldownDays: 7},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Position{}, &models.Transaction{}))

	trading := testTradingConfig()
	converter := fx.NewConverter(trading.BaseCurrency, trading.FxRates)

	env := &testEnv{
		db:           db,
		users:        repository.NewUserRepository(db),
		positions:    repository.NewPositionRepository(db),
		transactions: repository.NewTransactionRepository(db),
		quotes:       newFakeQuotes(),
		challenges:   newFakeChallenges(),
		payments:     &fakePayments{},
	}

	env.portfolio = service.NewPortfolioService(
		env.users, env.positions, env.transactions, env.quotes, converter, trading,
	)
	env.settlement = service.NewSettlementService(
		db, env.users, env.positions, env.transactions,
		env.portfolio, converter, trading.LockDuration(), env.challenges,
	)
	env.reset = service.NewResetService(env.users, env.portfolio, trading, env.payments)

	env.user = &models.User{
		Username:     "trader",
		Email:        "trader@example.com",
		PasswordHash: "x",
		Tier:         models.TierFree,
	}
	require.NoError(t, env.users.Create(env.user))

	return env
}

func (e *testEnv) trade(t *testing.T, side service.TradeSide, symbol string, shares int64) (*service.SettlementResult, error) {
	t.Helper()
	quote, err := e.quotes.GetQuote(context.Background(), symbol)
	require.NoError(t, err)
	return e.settlement.Execute(context.Background(), e.user.ID, quote, &service.TradeRequest{
		Symbol: symbol,
		Side:   side,
		Shares: shares,
	})
}

// unlock clears the fair-play lock so closes can be tested without waiting
func (e *testEnv) unlock(t *testing.T, symbol string) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	err := e.db.Model(&models.Position{}).
		Where("user_id = ? AND symbol = ?", e.user.ID, symbol).
		Update("locked_until", past).Error
	require.NoError(t, err)
}

func (e *testEnv) cash(t *testing.T) float64 {
	t.Helper()
	cash, err := e.portfolio.CashBalance(context.Background(), e.user.ID)
	require.NoError(t, err)
	return cash
}

func (e *testEnv) transactionCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&models.Transaction{}).Count(&count).Error)
	return count
}

func TestBuyCreatesPositionAndDebitsCash(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	result, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	require.NotNil(t, result.Position)
	assert.Equal(t, int64(10), result.Position.Shares)
	assert.Equal(t, 100.0, result.Position.BuyPrice)
	require.NotNil(t, result.Position.LockedUntil)
	assert.True(t, result.Position.LockedUntil.After(time.Now()))

	assert.InDelta(t, 9000.0, env.cash(t), 1e-9)
	assert.Equal(t, int64(1), env.transactionCount(t))
}

func TestBuyAveragesEntryPrice(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)

	env.quotes.set("SYM", 200, "USD")
	result, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)

	assert.Equal(t, int64(20), result.Position.Shares)
	assert.InDelta(t, 150.0, result.Position.BuyPrice, 1e-9)
	assert.InDelta(t, 7000.0, env.cash(t), 1e-9)
}

func TestRoundTripRealizesZero(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)
	env.unlock(t, "SYM")

	result, err := env.trade(t, service.TradeSideSell, "SYM", 10)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, result.RealizedPnL, 1e-9)
	assert.InDelta(t, 1000.0, result.TotalProceeds, 1e-9)
	assert.Nil(t, result.Position)
	assert.InDelta(t, 10000.0, env.cash(t), 1e-9)

	_, err = env.positions.GetByUserIDAndSymbol(env.user.ID, "SYM")
	assert.ErrorIs(t, err, repository.ErrPositionNotFound)
}

func TestSellRealizesProfit(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)
	env.unlock(t, "SYM")

	env.quotes.set("SYM", 120, "USD")
	result, err := env.trade(t, service.TradeSideSell, "SYM", 10)
	require.NoError(t, err)

	assert.InDelta(t, 200.0, result.RealizedPnL, 1e-9)
	assert.InDelta(t, 1200.0, result.TotalProceeds, 1e-9)
	assert.InDelta(t, 10200.0, env.cash(t), 1e-9)
}

func TestPartialSellKeepsEntryPrice(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)
	env.unlock(t, "SYM")

	env.quotes.set("SYM", 110, "USD")
	result, err := env.trade(t, service.TradeSideSell, "SYM", 4)
	require.NoError(t, err)

	assert.InDelta(t, 40.0, result.RealizedPnL, 1e-9)
	require.NotNil(t, result.Position)
	assert.Equal(t, int64(6), result.Position.Shares)
	assert.Equal(t, int64(6), result.NewShareCount)
	assert.InDelta(t, 100.0, result.Position.BuyPrice, 1e-9)
}

func TestShortAndCoverProfit(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 50, "USD")

	result, err := env.trade(t, service.TradeSideShort, "SYM", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), result.Position.Shares)
	assert.InDelta(t, 9750.0, env.cash(t), 1e-9)

	env.unlock(t, "SYM")
	env.quotes.set("SYM", 30, "USD")

	covered, err := env.trade(t, service.TradeSideCover, "SYM", 5)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, covered.RealizedPnL, 1e-9)
	assert.Nil(t, covered.Position)
	assert.InDelta(t, 10100.0, env.cash(t), 1e-9)
}

func TestSellMoreThanHeldFails(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)
	env.unlock(t, "SYM")

	_, err = env.trade(t, service.TradeSideSell, "SYM", 11)
	assert.ErrorIs(t, err, service.ErrInsufficientShares)

	position, err := env.positions.GetByUserIDAndSymbol(env.user.ID, "SYM")
	require.NoError(t, err)
	assert.Equal(t, int64(10), position.Shares)
	assert.Equal(t, int64(1), env.transactionCount(t))
}

func TestBuyBeyondCashFails(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 101)
	assert.ErrorIs(t, err, service.ErrInsufficientFunds)

	_, err = env.positions.GetByUserIDAndSymbol(env.user.ID, "SYM")
	assert.ErrorIs(t, err, repository.ErrPositionNotFound)
	assert.Equal(t, int64(0), env.transactionCount(t))
	assert.InDelta(t, 10000.0, env.cash(t), 1e-9)
}

func TestLockBlocksSellUntilExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)

	// Fresh buy carries a future lock
	_, err = env.trade(t, service.TradeSideSell, "SYM", 10)
	assert.ErrorIs(t, err, service.ErrPositionLocked)

	// The lock expires exactly at locked_until
	now := time.Now()
	require.NoError(t, env.db.Model(&models.Position{}).
		Where("user_id = ? AND symbol = ?", env.user.ID, "SYM").
		Update("locked_until", now).Error)

	_, err = env.trade(t, service.TradeSideSell, "SYM", 10)
	assert.NoError(t, err)
}

func TestSideStateMachine(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	// No position: sell and cover are rejected
	_, err := env.trade(t, service.TradeSideSell, "SYM", 1)
	assert.ErrorIs(t, err, service.ErrNoOpenPosition)
	_, err = env.trade(t, service.TradeSideCover, "SYM", 1)
	assert.ErrorIs(t, err, service.ErrNoOpenPosition)

	// Long open: short is rejected, close-then-open is required
	_, err = env.trade(t, service.TradeSideBuy, "SYM", 5)
	require.NoError(t, err)
	_, err = env.trade(t, service.TradeSideShort, "SYM", 5)
	assert.ErrorIs(t, err, service.ErrLongPositionExists)

	// Short open elsewhere: buy is rejected
	env.quotes.set("OTHER", 40, "USD")
	_, err = env.trade(t, service.TradeSideShort, "OTHER", 5)
	require.NoError(t, err)
	_, err = env.trade(t, service.TradeSideBuy, "OTHER", 5)
	assert.ErrorIs(t, err, service.ErrShortPositionExists)
}

func TestInvalidQuantityRejected(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	quote, err := env.quotes.GetQuote(context.Background(), "SYM")
	require.NoError(t, err)

	for _, shares := range []int64{0, -3} {
		_, err := env.settlement.Execute(context.Background(), env.user.ID, quote, &service.TradeRequest{
			Symbol: "SYM",
			Side:   service.TradeSideBuy,
			Shares: shares,
		})
		assert.ErrorIs(t, err, service.ErrInvalidQuantity)
	}

	_, err = env.settlement.Execute(context.Background(), env.user.ID, quote, &service.TradeRequest{
		Symbol: "SYM",
		Side:   "hold",
		Shares: 1,
	})
	assert.ErrorIs(t, err, service.ErrInvalidSide)
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	quote, err := env.quotes.GetQuote(context.Background(), "SYM")
	require.NoError(t, err)

	req := &service.TradeRequest{
		Symbol:         "SYM",
		Side:           service.TradeSideBuy,
		Shares:         10,
		IdempotencyKey: "retry-token-1",
	}

	first, err := env.settlement.Execute(context.Background(), env.user.ID, quote, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := env.settlement.Execute(context.Background(), env.user.ID, quote, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	// Executed once: one ledger entry, cash debited once
	assert.Equal(t, int64(1), env.transactionCount(t))
	assert.InDelta(t, 9000.0, env.cash(t), 1e-9)
}

func TestChallengeReportFailureDoesNotFailTrade(t *testing.T) {
	env := newTestEnv(t)
	env.challenges.err = errors.New("challenge service down")
	env.quotes.set("SYM", 100, "USD")

	result, err := env.trade(t, service.TradeSideBuy, "SYM", 1)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
}

func TestChallengeReportDelivered(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 2)
	require.NoError(t, err)

	select {
	case event := <-env.challenges.ch:
		assert.Equal(t, env.user.ID, event.UserID)
		assert.Equal(t, "SYM", event.Symbol)
		assert.Equal(t, int64(2), event.Shares)
		assert.InDelta(t, 200.0, event.NotionalBase, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("challenge event not delivered")
	}
}

func TestSellRetriesAfterCompetingWrite(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)
	env.unlock(t, "SYM")

	// A competing writer bumps the version between the engine's read and
	// its conditional delete, exactly once
	conflicts := 0
	require.NoError(t, env.db.Callback().Delete().Before("gorm:delete").
		Register("competing_writer_once", func(d *gorm.DB) {
			if conflicts == 0 {
				conflicts++
				d.Session(&gorm.Session{NewDB: true}).
					Exec("UPDATE positions SET version = version + 1 WHERE symbol = ?", "SYM")
			}
		}))

	result, err := env.trade(t, service.TradeSideSell, "SYM", 10)
	require.NoError(t, err)

	assert.Equal(t, 1, conflicts)
	assert.True(t, result.Accepted)
	assert.InDelta(t, 0.0, result.RealizedPnL, 1e-9)
	assert.InDelta(t, 10000.0, env.cash(t), 1e-9)
	assert.Equal(t, int64(2), env.transactionCount(t))

	_, err = env.positions.GetByUserIDAndSymbol(env.user.ID, "SYM")
	assert.ErrorIs(t, err, repository.ErrPositionNotFound)
}

func TestSellAbortsAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)
	env.unlock(t, "SYM")

	// The competing writer wins every attempt
	require.NoError(t, env.db.Callback().Delete().Before("gorm:delete").
		Register("competing_writer_always", func(d *gorm.DB) {
			d.Session(&gorm.Session{NewDB: true}).
				Exec("UPDATE positions SET version = version + 1 WHERE symbol = ?", "SYM")
		}))

	_, err = env.trade(t, service.TradeSideSell, "SYM", 10)
	assert.ErrorIs(t, err, service.ErrConcurrentModification)

	// The losing close left no trace: shares and ledger are untouched
	position, err := env.positions.GetByUserIDAndSymbol(env.user.ID, "SYM")
	require.NoError(t, err)
	assert.Equal(t, int64(10), position.Shares)
	assert.Equal(t, int64(1), env.transactionCount(t))
	assert.InDelta(t, 9000.0, env.cash(t), 1e-9)
}

func TestRetryAfterCompetingFullClose(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	_, err := env.trade(t, service.TradeSideBuy, "SYM", 10)
	require.NoError(t, err)
	env.unlock(t, "SYM")

	// A racing close drains the whole position right after the engine's
	// read; the retry re-reads and finds nothing left to sell
	closed := false
	require.NoError(t, env.db.Callback().Query().After("gorm:query").
		Register("competing_full_close", func(d *gorm.DB) {
			if closed || d.Statement.Table != "positions" {
				return
			}
			closed = true
			d.Session(&gorm.Session{NewDB: true}).
				Exec("DELETE FROM positions WHERE symbol = ?", "SYM")
		}))

	_, err = env.trade(t, service.TradeSideSell, "SYM", 10)
	assert.ErrorIs(t, err, service.ErrNoOpenPosition)
	assert.Equal(t, int64(1), env.transactionCount(t))
}

func TestSimultaneousDuplicateSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.set("SYM", 100, "USD")

	quote, err := env.quotes.GetQuote(context.Background(), "SYM")
	require.NoError(t, err)

	req := &service.TradeRequest{
		Symbol:         "SYM",
		Side:           service.TradeSideBuy,
		Shares:         10,
		IdempotencyKey: "retry-token-1",
	}

	winner, err := env.settlement.Execute(context.Background(), env.user.ID, quote, req)
	require.NoError(t, err)

	// Simulate the loser of a simultaneous submission: its key lookup ran
	// before the winner committed, so it proceeds to settle and collides
	// on the ledger's unique key
	missed := false
	require.NoError(t, env.db.Callback().Query().After("gorm:query").
		Register("stale_key_lookup", func(d *gorm.DB) {
			if missed || !strings.Contains(d.Statement.SQL.String(), "idempotency_key") {
				return
			}
			missed = true
			d.AddError(gorm.ErrRecordNotFound)
		}))

	loser, err := env.settlement.Execute(context.Background(), env.user.ID, quote, req)
	require.NoError(t, err)

	assert.True(t, loser.Replayed)
	assert.Equal(t, winner.Transaction.ID, loser.Transaction.ID)

	// Executed once: one ledger entry, cash debited once, shares unchanged
	assert.Equal(t, int64(1), env.transactionCount(t))
	assert.InDelta(t, 9000.0, env.cash(t), 1e-9)
	position, err := env.positions.GetByUserIDAndSymbol(env.user.ID, "SYM")
	require.NoError(t, err)
	assert.Equal(t, int64(10), position.Shares)
}
