package worker

import (
	"context"
	"log"
	"time"

	"memesol-bot/internal/ledger"
	"memesol-bot/internal/performance"

	"github.com/go-co-op/gocron/v2"
)

const streakLookback = 365

// Rollup materializes the previous day's results shortly after UTC midnight:
// one Profit row per user, a closed DailySnapshot, and refreshed streak
// metrics. Everything it writes is derived from the Transaction ledger, so a
// rerun for the same day just overwrites the same rows.
type Rollup struct {
	repo       *ledger.Repository
	aggregator *performance.Aggregator
	scheduler  gocron.Scheduler
}

func NewRollup(repo *ledger.Repository, aggregator *performance.Aggregator) *Rollup {
	return &Rollup{repo: repo, aggregator: aggregator}
}

func (w *Rollup) Start() {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		log.Printf("[Rollup] Failed to create scheduler: %v", err)
		return
	}
	w.scheduler = sched

	_, err = sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 5, 0))),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			w.RunForDay(ctx, yesterday)
		}),
	)
	if err != nil {
		log.Printf("[Rollup] Failed to schedule daily job: %v", err)
		return
	}

	sched.Start()
	log.Println("[Rollup] Daily rollup scheduled for 00:05 UTC")
}

func (w *Rollup) Stop() {
	if w.scheduler != nil {
		_ = w.scheduler.Shutdown()
	}
}

// RunForDay rolls up one UTC calendar day. It covers every active user plus
// anyone who traded that day but has since zeroed out, so no trading day is
// ever left unmaterialized.
func (w *Rollup) RunForDay(ctx context.Context, day time.Time) {
	users, err := w.repo.GetActiveUsers(ctx)
	if err != nil {
		log.Printf("[Rollup] Failed to list active users: %v", err)
		return
	}

	traded, err := w.repo.UsersWithTradeActivity(ctx, day)
	if err != nil {
		log.Printf("[Rollup] Failed to list traded users: %v", err)
		return
	}
	seen := make(map[uint]bool, len(users))
	for i := range users {
		seen[users[i].ID] = true
	}
	for i := range traded {
		if !seen[traded[i].ID] {
			users = append(users, traded[i])
		}
	}

	var done, failed int
	for i := range users {
		user := &users[i]
		if err := w.rollupUser(ctx, user.ID, user.Balance, day); err != nil {
			log.Printf("[Rollup] User %d failed for %s: %v", user.ID, day.Format("2006-01-02"), err)
			failed++
			continue
		}
		w.aggregator.InvalidateCache(ctx, user.ID)
		done++
	}
	log.Printf("[Rollup] Day %s done: %d users rolled up, %d failed", day.Format("2006-01-02"), done, failed)
}

func (w *Rollup) rollupUser(ctx context.Context, userID uint, balance float64, day time.Time) error {
	net, hasData, err := w.repo.DayTradePL(ctx, userID, day)
	if err != nil {
		return err
	}

	// Percentage is relative to the balance at the start of the day, which
	// equals the closing balance minus the day's net result.
	startBalance := balance - net
	pct := 0.0
	if startBalance > 0 {
		pct = net / startBalance * 100
	}

	if err := w.repo.UpsertDailyProfit(ctx, userID, day, net, pct); err != nil {
		return err
	}

	trades, wins, err := w.repo.DayTradeCounts(ctx, userID, day)
	if err != nil {
		return err
	}

	snap, err := w.repo.EnsureDailySnapshot(ctx, userID, day, startBalance)
	if err != nil {
		return err
	}
	snap.EndingBalance = balance
	snap.ProfitAmount = net
	snap.ProfitPercentage = pct
	snap.TradesCount = int(trades)
	snap.WinningTrades = int(wins)
	if err := w.repo.SaveSnapshot(ctx, snap); err != nil {
		return err
	}

	if !hasData {
		return nil
	}

	metrics, err := w.repo.GetOrCreateMetrics(ctx, userID)
	if err != nil {
		return err
	}
	streak, err := w.streakThrough(ctx, userID, day)
	if err != nil {
		return err
	}
	metrics.CurrentStreak = streak
	if streak > metrics.BestStreak {
		metrics.BestStreak = streak
	}
	metrics.LastStreakUpdate = time.Now().UTC()
	return w.repo.SaveMetrics(ctx, metrics)
}

// streakThrough counts consecutive profitable days ending at day, derived
// from the ledger so a rerun for the same day lands on the same value.
func (w *Rollup) streakThrough(ctx context.Context, userID uint, day time.Time) (int, error) {
	last, end := ledger.DayRange(day)
	from := last.AddDate(0, 0, -(streakLookback - 1))

	nets, err := w.repo.TradeNetByDay(ctx, userID, from, end)
	if err != nil {
		return 0, err
	}

	streak := 0
	for i := 0; i < streakLookback; i++ {
		net, hasData := nets[last.AddDate(0, 0, -i)]
		if !hasData || net <= 0 {
			break
		}
		streak++
	}
	return streak, nil
}
