package models

import (
	"time"
)

// Profit is one row per user per day, materialized from the Transaction
// ledger by the rollup worker. It is never written independently.
type Profit struct {
	ID         uint      `gorm:"primaryKey"`
	UserID     uint      `gorm:"not null;index:idx_profit_user_date,unique"`
	Amount     float64   `gorm:"not null"`
	Percentage float64   `gorm:"not null"`
	Date       time.Time `gorm:"type:date;not null;index:idx_profit_user_date,unique"`
}
