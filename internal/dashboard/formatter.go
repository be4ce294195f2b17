package dashboard

import (
	"fmt"
	"math"
	"strings"

	"memesol-bot/internal/performance"
)

const barLength = 10

// Format renders a performance snapshot as a Telegram Markdown dashboard.
// Pure function: no I/O, no clock, testable against fixed snapshots.
func Format(s *performance.Snapshot) string {
	var b strings.Builder

	b.WriteString("🚀 *PERFORMANCE DASHBOARD* 🚀\n\n")

	b.WriteString(fmt.Sprintf("💰 *%.2f %s %.2f = %.2f SOL*\n\n",
		s.InitialDeposit, plusMinus(s.TotalProfit), math.Abs(s.TotalProfit), s.CurrentBalance))

	b.WriteString(fmt.Sprintf("📈 *TODAY: %s SOL (%s%%)*\n\n",
		Signed(s.TodayProfit, 2), Signed(s.TodayPercentage, 1)))

	b.WriteString(fmt.Sprintf("💎 *TOTAL: %s SOL (%s%%)*\n\n",
		Signed(s.TotalProfit, 2), Signed(s.TotalPercentage, 1)))

	if s.StreakDays > 0 {
		emoji := "✨"
		if s.StreakDays >= 3 {
			emoji = "🔥"
		}
		label := "WIN"
		if s.StreakDays > 1 {
			label = "STREAK"
		}
		b.WriteString(fmt.Sprintf("%s *%d DAY %s!*\n\n", emoji, s.StreakDays, label))
	}

	if s.CurrentDay > 0 {
		cyclePct := cappedPct(float64(s.CurrentDay), float64(s.TotalDays))
		remaining := s.TotalDays - s.CurrentDay
		if remaining < 0 {
			remaining = 0
		}
		b.WriteString(fmt.Sprintf("⏱️ *DAY %d/%d* · %d days left\n", s.CurrentDay, s.TotalDays, remaining))
		b.WriteString(fmt.Sprintf("%s %.0f%%\n\n", ProgressBar(cyclePct, barLength), cyclePct))
	}

	b.WriteString(fmt.Sprintf("🏁 *MILESTONE: %.2f/%.2f SOL*\n", s.MilestoneCurrent, s.MilestoneTarget))
	b.WriteString(fmt.Sprintf("%s %.0f%%\n\n", ProgressBar(s.MilestoneProgress, barLength), s.MilestoneProgress))

	b.WriteString(fmt.Sprintf("🎯 *GOAL: %.2f/%.2f SOL*\n", s.GoalCurrent, s.GoalTarget))
	b.WriteString(fmt.Sprintf("%s %.0f%%\n\n", ProgressBar(s.GoalProgress, barLength), s.GoalProgress))

	if s.ReferralCount > 0 || s.ReferralEarnings > 0 {
		b.WriteString(fmt.Sprintf("🤝 *REFERRALS: %d · earned %.4f SOL*\n\n", s.ReferralCount, s.ReferralEarnings))
	}

	if len(s.RecentTrades) > 0 {
		b.WriteString("⚡ *RECENT TRADES:*\n")
		for _, t := range s.RecentTrades {
			b.WriteString(fmt.Sprintf("● %s · %s%% · %s ago\n", t.Token, Signed(t.ROIPercentage, 1), t.TimeAgo))
		}
	}

	return b.String()
}

// Signed formats a value with an explicit +/- prefix; zero carries no sign.
func Signed(v float64, decimals int) string {
	format := fmt.Sprintf("%%.%df", decimals)
	rendered := fmt.Sprintf(format, math.Abs(v))
	if rendered == fmt.Sprintf(format, 0.0) {
		return rendered
	}
	if v < 0 {
		return "-" + rendered
	}
	return "+" + rendered
}

// ProgressBar renders pct as filled/empty blocks, filled = round(pct/100 * length).
func ProgressBar(pct float64, length int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(math.Round(pct / 100 * float64(length)))
	return strings.Repeat("█", filled) + strings.Repeat("░", length-filled)
}

func plusMinus(v float64) string {
	if v < 0 {
		return "-"
	}
	return "+"
}

func cappedPct(current, total float64) float64 {
	if total <= 0 {
		return 0
	}
	pct := current / total * 100
	if pct > 100 {
		return 100
	}
	return pct
}
