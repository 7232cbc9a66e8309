package repository

import (
	"errors"

	"github.com/tickerarena/internal/models"
	"gorm.io/gorm"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrVersionConflict  = errors.New("position modified concurrently")
)

// PositionRepository handles position data access. Mutations go through
// versioned conditional writes so that two settlements racing on the same
// position cannot both succeed against shares that only exist once.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new PositionRepository
func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create creates a new position. A unique-index collision on
// (user, symbol) means another writer opened the position first; surfaced
// as ErrVersionConflict so callers re-read and re-validate. Requires
// gorm's TranslateError option on the session.
func (r *PositionRepository) Create(position *models.Position) error {
	err := r.db.Create(position).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrVersionConflict
	}
	return err
}

// GetByID retrieves a position by ID
func (r *PositionRepository) GetByID(id uint) (*models.Position, error) {
	var position models.Position
	result := r.db.First(&position, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, result.Error
	}
	return &position, nil
}

// GetByUserID retrieves all open positions for a user
func (r *PositionRepository) GetByUserID(userID uint) ([]models.Position, error) {
	var positions []models.Position
	result := r.db.Where("user_id = ?", userID).Order("symbol ASC").Find(&positions)
	return positions, result.Error
}

// GetByUserIDAndSymbol retrieves the single active position for a
// (user, symbol) pair. A long and a short cannot coexist per symbol.
func (r *PositionRepository) GetByUserIDAndSymbol(userID uint, symbol string) (*models.Position, error) {
	var position models.Position
	result := r.db.Where("user_id = ? AND symbol = ?", userID, symbol).First(&position)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, result.Error
	}
	return &position, nil
}

// UpdateVersioned writes the position conditional on the version it was
// read at. On success the stored version is incremented. Returns
// ErrVersionConflict if another writer got there first.
func (r *PositionRepository) UpdateVersioned(position *models.Position) error {
	readVersion := position.Version
	result := r.db.Model(&models.Position{}).
		Where("id = ? AND version = ?", position.ID, readVersion).
		Updates(map[string]interface{}{
			"shares":       position.Shares,
			"buy_price":    position.BuyPrice,
			"locked_until": position.LockedUntil,
			"version":      readVersion + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	position.Version = readVersion + 1
	return nil
}

// DeleteVersioned removes the position conditional on its read version.
// Used on full closes so a concurrent partial close cannot be silently
// discarded.
func (r *PositionRepository) DeleteVersioned(position *models.Position) error {
	result := r.db.Where("id = ? AND version = ?", position.ID, position.Version).
		Delete(&models.Position{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DeleteByUserID deletes all positions for a user
func (r *PositionRepository) DeleteByUserID(userID uint) error {
	return r.db.Where("user_id = ?", userID).Delete(&models.Position{}).Error
}

// CountByUserID counts open positions for a user
func (r *PositionRepository) CountByUserID(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Position{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
