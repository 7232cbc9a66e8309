package models

import (
	"time"

	"gorm.io/gorm"
)

// Tier represents a subscription tier
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// User represents a registered user and their paper-trading profile
type User struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Username        string         `gorm:"uniqueIndex;size:50;not null" json:"username"`
	Email           string         `gorm:"uniqueIndex;size:100;not null" json:"email"`
	PasswordHash    string         `gorm:"size:255;not null" json:"-"`
	Tier            Tier           `gorm:"size:10;not null;default:'free'" json:"tier"`
	PaperResetCount int            `gorm:"not null;default:0" json:"paper_reset_count"`
	PaperLastReset  *time.Time     `json:"paper_last_reset,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`

	// Relations
	Positions []Position `gorm:"foreignKey:UserID" json:"positions,omitempty"`
}

// TableName specifies the table name for User model
func (User) TableName() string {
	return "users"
}

// ResetBaseline returns the timestamp cash derivation starts from.
// Transactions written before the last reset do not contribute to the
// current cash balance.
func (u *User) ResetBaseline() time.Time {
	if u.PaperLastReset != nil {
		return *u.PaperLastReset
	}
	return time.Time{}
}
