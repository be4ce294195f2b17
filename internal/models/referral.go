package models

import (
	"time"
)

type ReferralCode struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	Code      string `gorm:"size:20;uniqueIndex;not null"`
	IsActive  bool   `gorm:"default:true"`
	CreatedAt time.Time

	TotalReferrals int     `gorm:"default:0"`
	TotalEarned    float64 `gorm:"default:0"`
}

// ReferralReward records a single 5% cut of a referred user's trade profit.
type ReferralReward struct {
	ID           uint    `gorm:"primaryKey"`
	ReferrerID   uint    `gorm:"not null;index"`
	ReferredID   uint    `gorm:"not null;index"`
	Amount       float64 `gorm:"not null"`
	SourceProfit float64 `gorm:"not null"`
	Percentage   float64 `gorm:"default:5"`
	Timestamp    time.Time
}
