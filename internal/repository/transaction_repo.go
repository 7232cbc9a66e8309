package repository

import (
	"errors"
	"time"

	"github.com/tickerarena/internal/models"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("transaction already recorded")
)

// TransactionRepository handles the append-only transaction log. Rows are
// only ever inserted; history and cash balances are read back as
// aggregates.
type TransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new TransactionRepository
func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create appends a transaction to the log. A unique-index collision on
// the idempotency key means a concurrent submission with the same key
// already recorded its outcome; surfaced as ErrDuplicateTransaction so
// callers can return the recorded settlement. Requires gorm's
// TranslateError option on the session.
func (r *TransactionRepository) Create(tx *models.Transaction) error {
	err := r.db.Create(tx).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTransaction
	}
	return err
}

// GetByID retrieves a transaction by ID
func (r *TransactionRepository) GetByID(id string) (*models.Transaction, error) {
	var tx models.Transaction
	result := r.db.Where("id = ?", id).First(&tx)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, result.Error
	}
	return &tx, nil
}

// GetByIdempotencyKey retrieves a transaction by its idempotency key.
// Used to deduplicate retried trade submissions.
func (r *TransactionRepository) GetByIdempotencyKey(userID uint, key string) (*models.Transaction, error) {
	var tx models.Transaction
	result := r.db.Where("user_id = ? AND idempotency_key = ?", userID, key).First(&tx)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, result.Error
	}
	return &tx, nil
}

// GetByUserIDPaginated retrieves transactions with pagination, newest first
func (r *TransactionRepository) GetByUserIDPaginated(userID uint, page, pageSize int) ([]models.Transaction, int64, error) {
	var txs []models.Transaction
	var total int64

	if err := r.db.Model(&models.Transaction{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	result := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&txs)

	return txs, total, result.Error
}

// GetBySymbol retrieves transactions for one symbol, newest first
func (r *TransactionRepository) GetBySymbol(userID uint, symbol string) ([]models.Transaction, error) {
	var txs []models.Transaction
	result := r.db.Where("user_id = ? AND symbol = ?", userID, symbol).
		Order("created_at DESC").
		Find(&txs)
	return txs, result.Error
}

// SumCashFlowSince returns the signed base-currency cash flow of all
// transactions after the given time. Buys consume cash, sells credit it.
// The current cash balance is starting capital plus this sum; it is never
// stored anywhere.
func (r *TransactionRepository) SumCashFlowSince(userID uint, since time.Time) (float64, error) {
	var total struct {
		Sum float64
	}
	err := r.db.Model(&models.Transaction{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN -total_sek ELSE total_sek END), 0) as sum", models.TransactionBuy).
		Where("user_id = ? AND created_at > ?", userID, since).
		Scan(&total).Error
	return total.Sum, err
}

// SumRealizedPnLSince returns total realized PnL after the given time
func (r *TransactionRepository) SumRealizedPnLSince(userID uint, since time.Time) (float64, error) {
	var total struct {
		Sum float64
	}
	err := r.db.Model(&models.Transaction{}).
		Select("COALESCE(SUM(realized_pnl), 0) as sum").
		Where("user_id = ? AND created_at > ?", userID, since).
		Scan(&total).Error
	return total.Sum, err
}
