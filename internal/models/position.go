package models

import (
	"time"
)

// PositionSide represents the position side
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Position represents a user's open holding in one symbol. Shares is
// signed: positive is a long holding, negative a short one. A position
// whose shares reach zero is deleted, never stored; rows are removed for
// real so the unique (user, symbol) index holds only active holdings.
type Position struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      uint       `gorm:"index:idx_positions_user_symbol,unique;not null" json:"user_id"`
	Symbol      string     `gorm:"index:idx_positions_user_symbol,unique;size:20;not null" json:"symbol"`
	Shares      int64      `gorm:"not null" json:"shares"`
	BuyPrice    float64    `gorm:"type:decimal(20,8);not null" json:"buy_price"`
	Currency    string     `gorm:"size:3;not null" json:"currency"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Version     int64      `gorm:"not null;default:0" json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Relations
	User User `gorm:"foreignKey:UserID" json:"-"`
}

// TableName specifies the table name for Position model
func (Position) TableName() string {
	return "positions"
}

// Side returns LONG or SHORT based on the sign of Shares
func (p *Position) Side() PositionSide {
	if p.Shares < 0 {
		return PositionSideShort
	}
	return PositionSideLong
}

// AbsShares returns the unsigned share count
func (p *Position) AbsShares() int64 {
	if p.Shares < 0 {
		return -p.Shares
	}
	return p.Shares
}

// Locked reports whether the fair-play lock blocks closing at the given
// instant. The lock expires exactly at LockedUntil.
func (p *Position) Locked(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}

// UnrealizedPnL calculates the open profit or loss against a mark price,
// in the instrument's home currency
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	if p.Shares < 0 {
		return (p.BuyPrice - markPrice) * float64(-p.Shares)
	}
	return (markPrice - p.BuyPrice) * float64(p.Shares)
}

// MarketValue values the position at a mark price, in the instrument's
// home currency. Longs are worth shares times mark. Shorts are worth the
// reserved margin plus open PnL, so that a short opened at the mark is
// value-neutral to the portfolio.
func (p *Position) MarketValue(markPrice float64) float64 {
	if p.Shares < 0 {
		margin := p.BuyPrice * float64(-p.Shares)
		return margin + p.UnrealizedPnL(markPrice)
	}
	return markPrice * float64(p.Shares)
}
