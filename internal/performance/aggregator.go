package performance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"memesol-bot/internal/ledger"
	"memesol-bot/internal/trade"
)

const (
	cacheTTL       = 30 * time.Second
	streakLookback = 365
	maxActiveDays  = 365
	cycleDays      = 30
	recentLimit    = 5

	// Milestone defaults: 10% of the initial deposit, never below 0.05 SOL.
	milestoneFraction = 0.1
	milestoneFloor    = 0.05
)

// RecentTrade is one dashboard history line.
type RecentTrade struct {
	Token         string  `json:"token"`
	TimeAgo       string  `json:"time_ago"`
	ROIPercentage float64 `json:"roi_percentage"`
}

// Snapshot is the full set of dashboard metrics for one user. All four core
// numbers are computed from the Transaction ledger and the user row, so
// CurrentBalance == InitialDeposit + TotalProfit holds by construction.
type Snapshot struct {
	UserID         uint    `json:"user_id"`
	InitialDeposit float64 `json:"initial_deposit"`
	CurrentBalance float64 `json:"current_balance"`

	// Today's P/L is trading activity only: trade_profit minus trade_loss.
	// Admin credits/debits are excluded here but included in total P/L.
	TodayProfit     float64 `json:"today_profit"`
	TodayPercentage float64 `json:"today_percentage"`

	TotalProfit     float64 `json:"total_profit"`
	TotalPercentage float64 `json:"total_percentage"`

	StreakDays int `json:"streak_days"`
	BestStreak int `json:"best_streak"`

	CurrentDay int `json:"current_day"`
	TotalDays  int `json:"total_days"`

	MilestoneTarget   float64 `json:"milestone_target"`
	MilestoneCurrent  float64 `json:"milestone_current"`
	MilestoneProgress float64 `json:"milestone_progress"`

	GoalTarget   float64 `json:"goal_target"`
	GoalCurrent  float64 `json:"goal_current"`
	GoalProgress float64 `json:"goal_progress"`

	ReferralCount    int64   `json:"referral_count"`
	ReferralEarnings float64 `json:"referral_earnings"`

	RecentTrades []RecentTrade `json:"recent_trades"`
}

// Aggregator recomputes dashboard metrics from the ledger. It is read-only
// over Transaction rows and write-only over the UserMetrics cache.
type Aggregator struct {
	repo *ledger.Repository
	rdb  *redis.Client
}

func NewAggregator(repo *ledger.Repository, rdb *redis.Client) *Aggregator {
	return &Aggregator{repo: repo, rdb: rdb}
}

// GetPerformanceData builds the user's dashboard snapshot. Reads are
// eventually consistent with in-flight allocations; a short redis cache
// absorbs repeat dashboard taps.
func (a *Aggregator) GetPerformanceData(ctx context.Context, userID uint) (*Snapshot, error) {
	if cached := a.readCache(ctx, userID); cached != nil {
		return cached, nil
	}

	user, err := a.repo.GetUserByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &trade.InsufficientDataError{UserID: userID, Field: "user"}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		UserID:         userID,
		InitialDeposit: user.InitialDeposit,
		CurrentBalance: user.Balance,
		TotalDays:      cycleDays,
	}

	// Total P/L: balance against the cumulative deposit baseline. The
	// percentage denominator falls back to a safe value so a zero initial
	// deposit can never divide by zero.
	snap.TotalProfit = user.Balance - user.InitialDeposit
	snap.TotalPercentage = snap.TotalProfit / safeDenominator(user.InitialDeposit, user.Balance) * 100

	todayProfit, _, err := a.repo.DayTradePL(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	snap.TodayProfit = todayProfit
	if startOfDay := user.Balance - todayProfit; startOfDay > 0 {
		snap.TodayPercentage = todayProfit / startOfDay * 100
	}

	streak, err := a.computeStreak(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	snap.StreakDays = streak

	currentDay, err := a.computeCurrentDay(ctx, user.Balance, userID, now)
	if err != nil {
		return nil, err
	}
	snap.CurrentDay = currentDay

	if err := a.applyMetrics(ctx, snap); err != nil {
		return nil, err
	}

	if err := a.applyReferrals(ctx, snap); err != nil {
		return nil, err
	}

	positions, err := a.repo.RecentTrades(ctx, userID, recentLimit)
	if err != nil {
		return nil, err
	}
	for _, pos := range positions {
		ts := pos.BuyTimestamp
		if pos.SellTimestamp != nil {
			ts = *pos.SellTimestamp
		}
		snap.RecentTrades = append(snap.RecentTrades, RecentTrade{
			Token:         pos.TokenName,
			TimeAgo:       timeAgo(now.Sub(ts)),
			ROIPercentage: pos.ROIPercentage,
		})
	}

	a.writeCache(ctx, snap)
	return snap, nil
}

// computeStreak counts consecutive profitable calendar days, walking
// backward from today. A day-zero with no trading rows yet does not break
// the streak; the first non-positive day with data does.
func (a *Aggregator) computeStreak(ctx context.Context, userID uint, now time.Time) (int, error) {
	today, end := ledger.DayRange(now)
	from := today.AddDate(0, 0, -(streakLookback - 1))

	// One query for the whole window, bucketed per day.
	nets, err := a.repo.TradeNetByDay(ctx, userID, from, end)
	if err != nil {
		return 0, err
	}

	streak := 0
	for i := 0; i < streakLookback; i++ {
		day := today.AddDate(0, 0, -i)
		net, hasData := nets[day]
		if i == 0 && !hasData {
			continue
		}
		if hasData && net > 0 {
			streak++
			continue
		}
		break
	}
	return streak, nil
}

// computeCurrentDay is the "Day N" counter: days since the balance first
// became positive, zero while the balance is zero, capped at a year.
func (a *Aggregator) computeCurrentDay(ctx context.Context, balance float64, userID uint, now time.Time) (int, error) {
	if balance <= 0 {
		return 0, nil
	}
	first, err := a.repo.FirstFundingTime(ctx, userID)
	if err != nil {
		return 0, err
	}
	if first == nil {
		return 1, nil
	}

	days := int(now.Sub(*first).Hours()/24) + 1
	if days > maxActiveDays {
		days = maxActiveDays
	}
	if days < 1 {
		days = 1
	}
	return days, nil
}

// applyMetrics refreshes the milestone/goal cache and folds it into the
// snapshot, advancing targets when they are reached.
func (a *Aggregator) applyMetrics(ctx context.Context, snap *Snapshot) error {
	metrics, err := a.repo.GetOrCreateMetrics(ctx, snap.UserID)
	if err != nil {
		return err
	}

	if metrics.NextMilestone <= 0 {
		metrics.NextMilestone = milestoneTarget(snap.InitialDeposit)
	}
	if metrics.CurrentGoal <= 0 && snap.InitialDeposit > 0 {
		metrics.CurrentGoal = snap.InitialDeposit * 2
	}

	milestoneCurrent := snap.TotalProfit
	if milestoneCurrent < 0 {
		milestoneCurrent = 0
	}

	// Advance crossed targets first so the progress bars are measured
	// against the same target the snapshot renders.
	if snap.TotalProfit >= metrics.NextMilestone && metrics.NextMilestone > 0 {
		metrics.NextMilestone = snap.TotalProfit + milestoneTarget(snap.InitialDeposit)
	}
	if metrics.CurrentGoal > 0 && snap.CurrentBalance >= metrics.CurrentGoal {
		metrics.CurrentGoal = snap.CurrentBalance * 2
	}
	metrics.MilestoneProgress = cappedPct(milestoneCurrent, metrics.NextMilestone)
	metrics.GoalProgress = cappedPct(snap.CurrentBalance, metrics.CurrentGoal)

	metrics.CurrentStreak = snap.StreakDays
	if snap.StreakDays > metrics.BestStreak {
		metrics.BestStreak = snap.StreakDays
	}
	metrics.LastStreakUpdate = time.Now().UTC()

	if err := a.repo.SaveMetrics(ctx, metrics); err != nil {
		return err
	}

	snap.BestStreak = metrics.BestStreak
	snap.MilestoneTarget = metrics.NextMilestone
	snap.MilestoneCurrent = milestoneCurrent
	snap.MilestoneProgress = metrics.MilestoneProgress
	snap.GoalTarget = metrics.CurrentGoal
	snap.GoalCurrent = snap.CurrentBalance
	snap.GoalProgress = metrics.GoalProgress
	return nil
}

func (a *Aggregator) applyReferrals(ctx context.Context, snap *Snapshot) error {
	code, err := a.repo.GetReferralCodeForUser(ctx, snap.UserID)
	if err != nil {
		return err
	}
	if code == nil {
		return nil
	}

	count, err := a.repo.CountReferredUsers(ctx, code.ID)
	if err != nil {
		return err
	}
	earned, err := a.repo.SumReferralRewards(ctx, snap.UserID)
	if err != nil {
		return err
	}

	snap.ReferralCount = count
	snap.ReferralEarnings = earned
	return nil
}

func (a *Aggregator) readCache(ctx context.Context, userID uint) *Snapshot {
	if a.rdb == nil {
		return nil
	}
	raw, err := a.rdb.Get(ctx, cacheKey(userID)).Result()
	if err != nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}

func (a *Aggregator) writeCache(ctx context.Context, snap *Snapshot) {
	if a.rdb == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := a.rdb.Set(ctx, cacheKey(snap.UserID), raw, cacheTTL).Err(); err != nil {
		log.Printf("Failed to cache snapshot for user %d: %v", snap.UserID, err)
	}
}

// InvalidateCache drops a user's cached snapshot so the next dashboard read
// reflects the last committed allocation.
func (a *Aggregator) InvalidateCache(ctx context.Context, userID uint) {
	if a.rdb == nil {
		return
	}
	a.rdb.Del(ctx, cacheKey(userID))
}

func cacheKey(userID uint) string {
	return fmt.Sprintf("perf:%d", userID)
}

func milestoneTarget(initialDeposit float64) float64 {
	target := initialDeposit * milestoneFraction
	if target < milestoneFloor {
		target = milestoneFloor
	}
	return target
}

// safeDenominator guards the total percentage against a zero or negative
// initial deposit: fall back to the balance, then to 1.0.
func safeDenominator(initialDeposit, balance float64) float64 {
	if initialDeposit > 0 {
		return initialDeposit
	}
	if balance > 0 {
		return balance
	}
	return 1.0
}

func cappedPct(current, target float64) float64 {
	if target <= 0 {
		return 0
	}
	pct := current / target * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

func timeAgo(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		m := int(d.Minutes())
		if m < 0 {
			m = 0
		}
		return fmt.Sprintf("%dm", m)
	}
}
