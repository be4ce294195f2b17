package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"memesol-bot/internal/models"
)

// ErrDuplicate is returned when a ledger write carries a tx hash that was
// already recorded. Callers treat it as an expected branch, not a failure.
var ErrDuplicate = errors.New("duplicate transaction")

// Repository is the single data-access surface over the ledger schema. The
// matcher, allocator, aggregator, bot and ops layers all go through it so
// query logic is not re-derived per caller.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for migrations and ad-hoc queries.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// WithinTx runs fn against a transactional copy of the repository. All
// per-user updates of one broadcast commit through a single call here.
func (r *Repository) WithinTx(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Retry wraps an operation with bounded exponential backoff for transient
// database errors. Errors the operation marks with backoff.Permanent, plus
// not-found and duplicate-key results, are never retried.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicate) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// DayRange returns the UTC calendar-day window containing t.
func DayRange(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// ---- Users ----

func (r *Repository) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *Repository) FindOrCreateUser(ctx context.Context, telegramID int64, username, firstName string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{
			TelegramID:   telegramID,
			Username:     username,
			FirstName:    firstName,
			Status:       models.StatusOnboarding,
			JoinedAt:     time.Now().UTC(),
			LastActivity: time.Now().UTC(),
		}
		if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetActiveUsers returns every user eligible for a broadcast: positive
// balance, not banned.
func (r *Repository) GetActiveUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("balance > 0 AND status <> ?", models.StatusBanned).
		Order("id asc").
		Find(&users).Error
	return users, err
}

func (r *Repository) SaveUser(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Save(user).Error
}

// ---- Money movement ----

// RecordDeposit credits a completed deposit. It bumps both Balance and
// InitialDeposit (the cumulative deposit baseline) and is idempotent on
// txHash.
func (r *Repository) RecordDeposit(ctx context.Context, userID uint, amount float64, txHash string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %v", amount)
	}

	var txn *models.Transaction
	err := r.WithinTx(ctx, func(tx *Repository) error {
		exists, err := tx.TransactionExists(ctx, txHash)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicate
		}

		user, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		txn = &models.Transaction{
			UserID:          userID,
			TransactionType: models.TxDeposit,
			Amount:          amount,
			Timestamp:       now,
			Status:          models.TxStatusCompleted,
			TxHash:          txHash,
			ProcessedAt:     &now,
		}
		if err := tx.db.Create(txn).Error; err != nil {
			return fmt.Errorf("failed to record deposit: %w", err)
		}

		user.Balance += amount
		user.InitialDeposit += amount
		if user.Status == models.StatusOnboarding || user.Status == models.StatusDepositing {
			user.Status = models.StatusActive
		}
		user.LastActivity = now
		return tx.db.Save(user).Error
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// RecordWithdrawal debits the balance. Withdrawals do not touch
// InitialDeposit, so total P/L keeps reflecting them.
func (r *Repository) RecordWithdrawal(ctx context.Context, userID uint, amount float64, txHash string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %v", amount)
	}

	var txn *models.Transaction
	err := r.WithinTx(ctx, func(tx *Repository) error {
		exists, err := tx.TransactionExists(ctx, txHash)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicate
		}

		user, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}
		if user.Balance < amount {
			return fmt.Errorf("insufficient balance: have %.6f, want %.6f", user.Balance, amount)
		}

		now := time.Now().UTC()
		txn = &models.Transaction{
			UserID:          userID,
			TransactionType: models.TxWithdrawal,
			Amount:          amount,
			Timestamp:       now,
			Status:          models.TxStatusCompleted,
			TxHash:          txHash,
			ProcessedAt:     &now,
		}
		if err := tx.db.Create(txn).Error; err != nil {
			return fmt.Errorf("failed to record withdrawal: %w", err)
		}

		user.Balance -= amount
		user.LastActivity = now
		return tx.db.Save(user).Error
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// AdjustBalance applies an admin credit or debit. Credits also bump
// InitialDeposit so they read as deposited capital, not trading profit.
func (r *Repository) AdjustBalance(ctx context.Context, userID uint, amount float64, reason, txHash string) (*models.Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("adjustment amount must be non-zero")
	}

	var txn *models.Transaction
	err := r.WithinTx(ctx, func(tx *Repository) error {
		exists, err := tx.TransactionExists(ctx, txHash)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicate
		}

		user, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}

		txType := models.TxAdminCredit
		if amount < 0 {
			txType = models.TxAdminDebit
		}

		now := time.Now().UTC()
		txn = &models.Transaction{
			UserID:          userID,
			TransactionType: txType,
			Amount:          abs(amount),
			Timestamp:       now,
			Status:          models.TxStatusCompleted,
			Notes:           reason,
			TxHash:          txHash,
			ProcessedAt:     &now,
		}
		if err := tx.db.Create(txn).Error; err != nil {
			return fmt.Errorf("failed to record adjustment: %w", err)
		}

		user.Balance += amount
		if amount > 0 {
			user.InitialDeposit += amount
			if user.Status == models.StatusOnboarding || user.Status == models.StatusDepositing {
				user.Status = models.StatusActive
			}
		}
		if user.Balance < 0 {
			// Debits never leave a negative balance behind.
			user.Balance = 0
		}
		user.LastActivity = now
		return tx.db.Save(user).Error
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CreditBalance increments the balance column in place, leaving
// InitialDeposit alone. The allocation engine uses it for trade P/L.
func (r *Repository) CreditBalance(ctx context.Context, userID uint, delta float64) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("balance", gorm.Expr("balance + ?", delta)).Error
}

// ---- Transactions ----

func (r *Repository) TransactionExists(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("tx_hash = ?", txHash).Count(&count).Error
	return count > 0, err
}

func (r *Repository) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

// SumCompleted sums the amounts of a user's completed transactions of one
// type inside [from, to). Zero time bounds mean unbounded.
func (r *Repository) SumCompleted(ctx context.Context, userID uint, txType string, from, to time.Time) (float64, error) {
	q := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND transaction_type = ? AND status = ?", userID, txType, models.TxStatusCompleted)
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("timestamp < ?", to)
	}

	var total float64
	err := q.Select("COALESCE(SUM(amount), 0)").Scan(&total).Error
	return total, err
}

// DayTradePL returns the net trading result (trade_profit minus trade_loss)
// for one UTC calendar day, and whether any trading rows exist for that day.
// Admin credits and debits are deliberately not part of this sum.
func (r *Repository) DayTradePL(ctx context.Context, userID uint, day time.Time) (float64, bool, error) {
	start, end := DayRange(day)

	profits, err := r.SumCompleted(ctx, userID, models.TxTradeProfit, start, end)
	if err != nil {
		return 0, false, err
	}
	losses, err := r.SumCompleted(ctx, userID, models.TxTradeLoss, start, end)
	if err != nil {
		return 0, false, err
	}

	var count int64
	err = r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND transaction_type IN ? AND status = ? AND timestamp >= ? AND timestamp < ?",
			userID, []string{models.TxTradeProfit, models.TxTradeLoss}, models.TxStatusCompleted, start, end).
		Count(&count).Error
	if err != nil {
		return 0, false, err
	}

	return profits - losses, count > 0, nil
}

// TradeNetByDay buckets a user's completed trade P/L into UTC calendar days
// with a single query over [from, to). A day absent from the map had no
// trading rows at all.
func (r *Repository) TradeNetByDay(ctx context.Context, userID uint, from, to time.Time) (map[time.Time]float64, error) {
	var txns []models.Transaction
	err := r.db.WithContext(ctx).
		Select("transaction_type", "amount", "timestamp").
		Where("user_id = ? AND transaction_type IN ? AND status = ? AND timestamp >= ? AND timestamp < ?",
			userID, []string{models.TxTradeProfit, models.TxTradeLoss}, models.TxStatusCompleted, from, to).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}

	nets := make(map[time.Time]float64, len(txns))
	for i := range txns {
		day, _ := DayRange(txns[i].Timestamp)
		delta := txns[i].Amount
		if txns[i].TransactionType == models.TxTradeLoss {
			delta = -delta
		}
		nets[day] += delta
	}
	return nets, nil
}

// UsersWithTradeActivity returns every user that has a completed trade row
// inside one UTC calendar day, regardless of their current balance.
func (r *Repository) UsersWithTradeActivity(ctx context.Context, day time.Time) ([]models.User, error) {
	start, end := DayRange(day)

	sub := r.db.Model(&models.Transaction{}).
		Select("DISTINCT user_id").
		Where("transaction_type IN ? AND status = ? AND timestamp >= ? AND timestamp < ?",
			[]string{models.TxTradeProfit, models.TxTradeLoss}, models.TxStatusCompleted, start, end)

	var users []models.User
	err := r.db.WithContext(ctx).
		Where("id IN (?)", sub).
		Order("id asc").
		Find(&users).Error
	return users, err
}

// DayTradeCounts returns how many trade transactions a user had in one UTC
// calendar day and how many of them were profitable.
func (r *Repository) DayTradeCounts(ctx context.Context, userID uint, day time.Time) (int64, int64, error) {
	start, end := DayRange(day)

	var trades int64
	err := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND transaction_type IN ? AND status = ? AND timestamp >= ? AND timestamp < ?",
			userID, []string{models.TxTradeProfit, models.TxTradeLoss}, models.TxStatusCompleted, start, end).
		Count(&trades).Error
	if err != nil {
		return 0, 0, err
	}

	var wins int64
	err = r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND transaction_type = ? AND status = ? AND timestamp >= ? AND timestamp < ?",
			userID, models.TxTradeProfit, models.TxStatusCompleted, start, end).
		Count(&wins).Error
	if err != nil {
		return 0, 0, err
	}
	return trades, wins, nil
}

// FirstFundingTime returns when the user's balance first became positive:
// the earliest completed deposit or admin credit.
func (r *Repository) FirstFundingTime(ctx context.Context, userID uint) (*time.Time, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND transaction_type IN ? AND status = ?",
			userID, []string{models.TxDeposit, models.TxAdminCredit}, models.TxStatusCompleted).
		Order("timestamp asc").
		First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn.Timestamp, nil
}

// ---- Positions ----

func (r *Repository) CreatePosition(ctx context.Context, pos *models.TradingPosition) error {
	return r.db.WithContext(ctx).Create(pos).Error
}

func (r *Repository) SavePosition(ctx context.Context, pos *models.TradingPosition) error {
	return r.db.WithContext(ctx).Save(pos).Error
}

// GetOpenPosition returns the oldest open master position for the token
// (FIFO matching, ties broken by buy timestamp ascending).
func (r *Repository) GetOpenPosition(ctx context.Context, token string) (*models.TradingPosition, error) {
	var pos models.TradingPosition
	err := r.db.WithContext(ctx).
		Where("token_name = ? AND status = ? AND user_id = 0", token, models.PositionOpen).
		Order("buy_timestamp asc, id asc").
		First(&pos).Error
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (r *Repository) PositionExistsByBuyHash(ctx context.Context, token, buyTxHash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TradingPosition{}).
		Where("token_name = ? AND buy_tx_hash = ? AND user_id = 0", token, buyTxHash).
		Count(&count).Error
	return count > 0, err
}

func (r *Repository) PositionExistsBySellHash(ctx context.Context, token, sellTxHash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TradingPosition{}).
		Where("token_name = ? AND sell_tx_hash = ? AND user_id = 0", token, sellTxHash).
		Count(&count).Error
	return count > 0, err
}

// RecentTrades returns the user's latest closed history positions for the
// dashboard, newest first.
func (r *Repository) RecentTrades(ctx context.Context, userID uint, limit int) ([]models.TradingPosition, error) {
	var positions []models.TradingPosition
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.PositionClosed).
		Order("sell_timestamp desc").
		Limit(limit).
		Find(&positions).Error
	return positions, err
}

// ---- Metrics & snapshots ----

func (r *Repository) GetOrCreateMetrics(ctx context.Context, userID uint) (*models.UserMetrics, error) {
	var metrics models.UserMetrics
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&metrics).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics = models.UserMetrics{UserID: userID, LastUpdated: time.Now().UTC()}
		if err := r.db.WithContext(ctx).Create(&metrics).Error; err != nil {
			return nil, err
		}
		return &metrics, nil
	}
	if err != nil {
		return nil, err
	}
	return &metrics, nil
}

func (r *Repository) SaveMetrics(ctx context.Context, metrics *models.UserMetrics) error {
	metrics.LastUpdated = time.Now().UTC()
	return r.db.WithContext(ctx).Save(metrics).Error
}

// EnsureDailySnapshot creates today's snapshot with the current balance as
// the starting balance, or returns the existing one.
func (r *Repository) EnsureDailySnapshot(ctx context.Context, userID uint, day time.Time, balance float64) (*models.DailySnapshot, error) {
	start, _ := DayRange(day)

	var snap models.DailySnapshot
	err := r.db.WithContext(ctx).Where("user_id = ? AND date = ?", userID, start).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		snap = models.DailySnapshot{UserID: userID, Date: start, StartingBalance: balance}
		if err := r.db.WithContext(ctx).Create(&snap).Error; err != nil {
			return nil, err
		}
		return &snap, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *Repository) SaveSnapshot(ctx context.Context, snap *models.DailySnapshot) error {
	return r.db.WithContext(ctx).Save(snap).Error
}

// UpsertDailyProfit materializes one Profit row per user per day from the
// Transaction ledger. The Profit table is a derived view, never written from
// anywhere else.
func (r *Repository) UpsertDailyProfit(ctx context.Context, userID uint, day time.Time, amount, percentage float64) error {
	start, _ := DayRange(day)

	var row models.Profit
	err := r.db.WithContext(ctx).Where("user_id = ? AND date = ?", userID, start).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.Profit{UserID: userID, Date: start, Amount: amount, Percentage: percentage}
		return r.db.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return err
	}

	row.Amount = amount
	row.Percentage = percentage
	return r.db.WithContext(ctx).Save(&row).Error
}

// ---- Referrals ----

func (r *Repository) GetOrCreateReferralCode(ctx context.Context, userID uint, code string) (*models.ReferralCode, error) {
	var rc models.ReferralCode
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rc = models.ReferralCode{UserID: userID, Code: code, IsActive: true, CreatedAt: time.Now().UTC()}
		if err := r.db.WithContext(ctx).Create(&rc).Error; err != nil {
			return nil, err
		}
		return &rc, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *Repository) GetReferralCodeByCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	var rc models.ReferralCode
	if err := r.db.WithContext(ctx).Where("code = ? AND is_active = ?", code, true).First(&rc).Error; err != nil {
		return nil, err
	}
	return &rc, nil
}

// GetReferralCodeForUser returns the user's own code, or nil when none was
// issued yet.
func (r *Repository) GetReferralCodeForUser(ctx context.Context, userID uint) (*models.ReferralCode, error) {
	var rc models.ReferralCode
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *Repository) GetReferralCodeByID(ctx context.Context, id uint) (*models.ReferralCode, error) {
	var rc models.ReferralCode
	if err := r.db.WithContext(ctx).First(&rc, id).Error; err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *Repository) CountReferredUsers(ctx context.Context, codeID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("referrer_code_id = ?", codeID).Count(&count).Error
	return count, err
}

func (r *Repository) SumReferralRewards(ctx context.Context, referrerID uint) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&models.ReferralReward{}).
		Where("referrer_id = ?", referrerID).
		Select("COALESCE(SUM(amount), 0)").Scan(&total).Error
	return total, err
}

func (r *Repository) CreateReferralReward(ctx context.Context, reward *models.ReferralReward) error {
	return r.db.WithContext(ctx).Create(reward).Error
}

// CreditReferralEarnings pays a referral reward into the referrer's balance
// and accumulated bonus in one update.
func (r *Repository) CreditReferralEarnings(ctx context.Context, userID uint, delta float64) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"balance":        gorm.Expr("balance + ?", delta),
			"referral_bonus": gorm.Expr("referral_bonus + ?", delta),
		}).Error
}

func (r *Repository) AddReferralEarned(ctx context.Context, codeID uint, delta float64) error {
	return r.db.WithContext(ctx).Model(&models.ReferralCode{}).
		Where("id = ?", codeID).
		UpdateColumn("total_earned", gorm.Expr("total_earned + ?", delta)).Error
}

// ---- Ops counters ----

func (r *Repository) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.User{}).Count(&count).Error
	return count, err
}

func (r *Repository) CountTransactions(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Transaction{}).Count(&count).Error
	return count, err
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
