package models

import (
	"time"
)

// Transaction types. Amount is always stored non-negative; the direction is
// implied by the type.
const (
	TxDeposit     = "deposit"
	TxWithdrawal  = "withdrawal"
	TxTradeProfit = "trade_profit"
	TxTradeLoss   = "trade_loss"
	TxAdminCredit = "admin_credit"
	TxAdminDebit  = "admin_debit"
	TxBuy         = "buy"
	TxSell        = "sell"
)

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

type Transaction struct {
	ID              uint    `gorm:"primaryKey"`
	UserID          uint    `gorm:"not null;index;index:idx_transaction_user_type"`
	TransactionType string  `gorm:"size:20;not null;index:idx_transaction_user_type"`
	Amount          float64 `gorm:"not null"`
	TokenName       string  `gorm:"size:64"`
	Price           float64
	Timestamp       time.Time `gorm:"index"`
	Status          string    `gorm:"size:20;default:'pending';index"`
	Notes           string    `gorm:"type:text"`

	// TxHash is the idempotency key: unique per logical event so the same
	// broadcast can never be applied twice to the same user.
	TxHash         string `gorm:"size:128;uniqueIndex"`
	ProcessedAt    *time.Time
	RelatedTradeID *uint
}
