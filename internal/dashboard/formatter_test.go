package dashboard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"memesol-bot/internal/performance"
)

func TestSigned(t *testing.T) {
	assert.Equal(t, "+1.50", Signed(1.5, 2))
	assert.Equal(t, "-0.25", Signed(-0.25, 2))
	assert.Equal(t, "+12.3", Signed(12.34, 1))

	// Zero and values that round to zero never pick up a sign.
	assert.Equal(t, "0.00", Signed(0, 2))
	assert.Equal(t, "0.00", Signed(0.0001, 2))
	assert.Equal(t, "0.00", Signed(-0.0001, 2))
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "░░░░░░░░░░", ProgressBar(0, 10))
	assert.Equal(t, "█████░░░░░", ProgressBar(50, 10))
	assert.Equal(t, "██████████", ProgressBar(100, 10))

	// Out-of-range input is clamped.
	assert.Equal(t, "██████████", ProgressBar(140, 10))
	assert.Equal(t, "░░░░░░░░░░", ProgressBar(-5, 10))

	// Rounding: 34% of 10 blocks is 3 filled.
	assert.Equal(t, "███░░░░░░░", ProgressBar(34, 10))
}

func TestFormat_ProfitDashboard(t *testing.T) {
	snap := &performance.Snapshot{
		UserID:            1,
		InitialDeposit:    10.0,
		CurrentBalance:    16.64,
		TodayProfit:       6.64,
		TodayPercentage:   66.4,
		TotalProfit:       6.64,
		TotalPercentage:   66.4,
		StreakDays:        3,
		CurrentDay:        5,
		TotalDays:         30,
		MilestoneTarget:   1.0,
		MilestoneCurrent:  1.0,
		MilestoneProgress: 100,
		GoalTarget:        20.0,
		GoalCurrent:       16.64,
		GoalProgress:      83.2,
		ReferralCount:     2,
		ReferralEarnings:  0.1250,
		RecentTrades: []performance.RecentTrade{
			{Token: "ZING", ROIPercentage: 66.4, TimeAgo: "2h"},
		},
	}

	out := Format(snap)

	assert.Contains(t, out, "10.00 + 6.64 = 16.64 SOL")
	assert.Contains(t, out, "TODAY: +6.64 SOL (+66.4%)")
	assert.Contains(t, out, "TOTAL: +6.64 SOL (+66.4%)")
	assert.Contains(t, out, "🔥 *3 DAY STREAK!*")
	assert.Contains(t, out, "DAY 5/30")
	assert.Contains(t, out, "25 days left")
	assert.Contains(t, out, "REFERRALS: 2 · earned 0.1250 SOL")
	assert.Contains(t, out, "ZING · +66.4% · 2h ago")
}

func TestFormat_LossDashboard(t *testing.T) {
	snap := &performance.Snapshot{
		InitialDeposit:  10.0,
		CurrentBalance:  8.0,
		TodayProfit:     -2.0,
		TodayPercentage: -20.0,
		TotalProfit:     -2.0,
		TotalPercentage: -20.0,
		TotalDays:       30,
	}

	out := Format(snap)

	assert.Contains(t, out, "10.00 - 2.00 = 8.00 SOL")
	assert.Contains(t, out, "TODAY: -2.00 SOL (-20.0%)")
	// No streak section on a losing run.
	assert.NotContains(t, out, "STREAK")
	assert.NotContains(t, out, "WIN")
}

func TestFormat_SingleDayWin(t *testing.T) {
	snap := &performance.Snapshot{
		InitialDeposit: 10.0,
		CurrentBalance: 10.5,
		TotalProfit:    0.5,
		StreakDays:     1,
		TotalDays:      30,
	}

	out := Format(snap)
	assert.Contains(t, out, "✨ *1 DAY WIN!*")
}

func TestFormat_QuietAccountOmitsOptionalSections(t *testing.T) {
	snap := &performance.Snapshot{
		InitialDeposit: 10.0,
		CurrentBalance: 10.0,
		TotalDays:      30,
	}

	out := Format(snap)

	assert.NotContains(t, out, "REFERRALS")
	assert.NotContains(t, out, "RECENT TRADES")
	assert.NotContains(t, out, "DAY 0/30")
	// Core sections always render.
	assert.True(t, strings.Contains(out, "MILESTONE") && strings.Contains(out, "GOAL"))
}
