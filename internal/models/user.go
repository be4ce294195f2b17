package models

import (
	"time"
)

// User statuses follow the onboarding funnel: a user becomes active after
// the first completed deposit.
const (
	StatusOnboarding = "onboarding"
	StatusDepositing = "depositing"
	StatusActive     = "active"
	StatusInactive   = "inactive"
	StatusBanned     = "banned"
)

type User struct {
	ID         uint   `gorm:"primaryKey"`
	TelegramID int64  `gorm:"uniqueIndex;not null"`
	Username   string `gorm:"size:64"`
	FirstName  string `gorm:"size:64"`
	Status     string `gorm:"size:20;default:'onboarding'"`

	// Balance is the current spendable SOL. InitialDeposit is the cumulative
	// sum of completed deposits and admin credits, not a trade baseline.
	Balance        float64 `gorm:"default:0"`
	InitialDeposit float64 `gorm:"default:0"`

	ReferrerCodeID *uint   `gorm:"index"`
	ReferralBonus  float64 `gorm:"default:0"`

	JoinedAt     time.Time
	LastActivity time.Time
}
