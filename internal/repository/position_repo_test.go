package repository_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickerarena/internal/models"
	"github.com/tickerarena/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func createTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{
		Username:     "trader",
		Email:        "trader@example.com",
		PasswordHash: "x",
		Tier:         models.TierFree,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestCreateDuplicateSymbolIsConflict(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db)
	repo := repository.NewPositionRepository(db)

	first := &models.Position{UserID: user.ID, Symbol: "SYM", Shares: 10, BuyPrice: 100, Currency: "USD"}
	require.NoError(t, repo.Create(first))

	// A second writer opening the same (user, symbol) loses the race
	second := &models.Position{UserID: user.ID, Symbol: "SYM", Shares: 5, BuyPrice: 99, Currency: "USD"}
	err := repo.Create(second)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestUpdateVersionedDetectsStaleRead(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db)
	repo := repository.NewPositionRepository(db)

	position := &models.Position{UserID: user.ID, Symbol: "SYM", Shares: 10, BuyPrice: 100, Currency: "USD"}
	require.NoError(t, repo.Create(position))

	// Two readers load the same version
	copyA, err := repo.GetByUserIDAndSymbol(user.ID, "SYM")
	require.NoError(t, err)
	copyB, err := repo.GetByUserIDAndSymbol(user.ID, "SYM")
	require.NoError(t, err)

	copyA.Shares = 6
	require.NoError(t, repo.UpdateVersioned(copyA))
	assert.Equal(t, copyB.Version+1, copyA.Version)

	// The second write was computed from pre-update state
	copyB.Shares = 4
	err = repo.UpdateVersioned(copyB)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)

	stored, err := repo.GetByUserIDAndSymbol(user.ID, "SYM")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stored.Shares)
}

func TestDeleteVersionedDetectsStaleRead(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db)
	repo := repository.NewPositionRepository(db)

	position := &models.Position{UserID: user.ID, Symbol: "SYM", Shares: 10, BuyPrice: 100, Currency: "USD"}
	require.NoError(t, repo.Create(position))

	copyA, err := repo.GetByUserIDAndSymbol(user.ID, "SYM")
	require.NoError(t, err)
	copyB, err := repo.GetByUserIDAndSymbol(user.ID, "SYM")
	require.NoError(t, err)

	copyA.Shares = 4
	require.NoError(t, repo.UpdateVersioned(copyA))

	// Full close computed against the stale copy must not win
	err = repo.DeleteVersioned(copyB)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)

	count, err := repo.CountByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestVersionedUpdateBumpsLock(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db)
	repo := repository.NewPositionRepository(db)

	position := &models.Position{UserID: user.ID, Symbol: "SYM", Shares: 10, BuyPrice: 100, Currency: "USD"}
	require.NoError(t, repo.Create(position))

	lockedUntil := time.Now().Add(30 * time.Minute)
	position.LockedUntil = &lockedUntil
	require.NoError(t, repo.UpdateVersioned(position))

	stored, err := repo.GetByUserIDAndSymbol(user.ID, "SYM")
	require.NoError(t, err)
	require.NotNil(t, stored.LockedUntil)
	assert.True(t, stored.Locked(time.Now()))
	assert.Equal(t, int64(1), stored.Version)
}
