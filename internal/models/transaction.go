package models

import (
	"time"
)

// TransactionType represents the ledger direction of a transaction.
// Short opens record as buys and covers as sells; the position's signed
// share count carries the distinction.
type TransactionType string

const (
	TransactionBuy  TransactionType = "buy"
	TransactionSell TransactionType = "sell"
)

// Transaction is an immutable, append-only ledger entry. Rows are never
// updated or deleted and survive portfolio resets; cash balances and
// realized PnL history are derived from them.
type Transaction struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	UserID         uint            `gorm:"index;not null" json:"user_id"`
	Symbol         string          `gorm:"size:20;not null;index" json:"symbol"`
	Type           TransactionType `gorm:"size:4;not null" json:"type"`
	Shares         int64           `gorm:"not null" json:"shares"`
	Price          float64         `gorm:"type:decimal(20,8);not null" json:"price"`
	Currency       string          `gorm:"size:3;not null" json:"currency"`
	TotalBase      float64         `gorm:"column:total_sek;type:decimal(20,8);not null" json:"total_sek"`
	RealizedPnL    float64         `gorm:"column:realized_pnl;type:decimal(20,8)" json:"realized_pnl"`
	IdempotencyKey *string         `gorm:"uniqueIndex;size:64" json:"-"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`

	// Relations
	User User `gorm:"foreignKey:UserID" json:"-"`
}

// TableName specifies the table name for Transaction model
func (Transaction) TableName() string {
	return "transactions"
}

// CashFlow returns the signed effect of this transaction on the cash
// balance, in base currency. Buys consume cash, sells credit it.
func (t *Transaction) CashFlow() float64 {
	if t.Type == TransactionBuy {
		return -t.TotalBase
	}
	return t.TotalBase
}
