package repository_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickerarena/internal/models"
	"github.com/tickerarena/internal/repository"
)

func TestResetPaperWipesPositionsKeepsLedger(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db)

	userRepo := repository.NewUserRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	txRepo := repository.NewTransactionRepository(db)

	require.NoError(t, positionRepo.Create(&models.Position{
		UserID: user.ID, Symbol: "SYM", Shares: 10, BuyPrice: 100, Currency: "USD",
	}))
	require.NoError(t, txRepo.Create(&models.Transaction{
		ID: uuid.New().String(), UserID: user.ID, Symbol: "SYM",
		Type: models.TransactionBuy, Shares: 10, Price: 100,
		Currency: "USD", TotalBase: 1000, CreatedAt: time.Now(),
	}))

	resetAt := time.Now()
	require.NoError(t, userRepo.ResetPaper(user.ID, resetAt))

	count, err := positionRepo.CountByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	reloaded, err := userRepo.GetByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.PaperResetCount)
	require.NotNil(t, reloaded.PaperLastReset)

	// The ledger is append-only and survives resets
	txs, _, err := txRepo.GetByUserIDPaginated(user.ID, 1, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestResetPaperUnknownUser(t *testing.T) {
	db := newTestDB(t)

	userRepo := repository.NewUserRepository(db)
	err := userRepo.ResetPaper(999, time.Now())
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}
