package models

import (
	"time"
)

// UserMetrics is a derived dashboard cache. The aggregator and the rollup
// worker are its only writers; it is never a source of truth.
type UserMetrics struct {
	ID     uint `gorm:"primaryKey"`
	UserID uint `gorm:"uniqueIndex;not null"`

	CurrentStreak    int `gorm:"default:0"`
	BestStreak       int `gorm:"default:0"`
	LastStreakUpdate time.Time

	NextMilestone     float64 `gorm:"default:0"`
	MilestoneProgress float64 `gorm:"default:0"`
	CurrentGoal       float64 `gorm:"default:0"`
	GoalProgress      float64 `gorm:"default:0"`

	LastUpdated time.Time
}

// DailySnapshot freezes a user's balance at the start of each calendar day;
// the rollup worker fills in the closing fields.
type DailySnapshot struct {
	ID     uint      `gorm:"primaryKey"`
	UserID uint      `gorm:"not null;index:idx_snapshot_user_date,unique"`
	Date   time.Time `gorm:"type:date;not null;index:idx_snapshot_user_date,unique"`

	StartingBalance  float64 `gorm:"not null"`
	EndingBalance    float64
	ProfitAmount     float64
	ProfitPercentage float64
	TradesCount      int `gorm:"default:0"`
	WinningTrades    int `gorm:"default:0"`
}
