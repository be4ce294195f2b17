package models

import (
	"time"
)

const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// TradingPosition is a buy/sell pair. The admin master position carries
// UserID 0; per-user history copies are written by the allocation engine and
// reference the master through PairedPositionID.
type TradingPosition struct {
	ID         uint    `gorm:"primaryKey"`
	UserID     uint    `gorm:"index"`
	TokenName  string  `gorm:"size:64;not null;index"`
	Amount     float64 `gorm:"not null"`
	EntryPrice float64 `gorm:"not null"`
	ExitPrice  float64
	Status     string `gorm:"size:20;default:'open';index"`

	BuyTxHash     string `gorm:"size:128;index"`
	SellTxHash    string `gorm:"size:128;index"`
	BuyTimestamp  time.Time
	SellTimestamp *time.Time

	ROIPercentage    float64
	PairedPositionID *uint
	AdminID          string `gorm:"size:64"`
}
