package trade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"memesol-bot/internal/ledger"
	"memesol-bot/internal/models"
)

const broadcastLockTTL = 10 * time.Minute

type AllocatorConfig struct {
	DustThreshold     float64
	ReferralRewardPct float64
}

// Allocator fans a closed trade's ROI out across every active user,
// percentage-of-current-balance, as one all-or-nothing batch.
type Allocator struct {
	repo *ledger.Repository
	rdb  *redis.Client
	cfg  AllocatorConfig
}

func NewAllocator(repo *ledger.Repository, rdb *redis.Client, cfg AllocatorConfig) *Allocator {
	return &Allocator{repo: repo, rdb: rdb, cfg: cfg}
}

// UserResult is one user's share of a broadcast, for post-commit
// notifications.
type UserResult struct {
	UserID     uint
	TelegramID int64
	Profit     float64
	NewBalance float64
}

type AllocationSummary struct {
	Token         string
	ROIPercentage float64
	UsersUpdated  int
	TotalMoved    float64
	Results       []UserResult
}

// ApplyTradeToUsers applies a Sell event's ROI proportionally to every user
// with a positive balance. Each user gets profit = balance * roi/100, one
// ledger row keyed "{sellTxHash}_u{userID}", and a closed position history
// record. Replaying the same broadcast changes nothing.
func (a *Allocator) ApplyTradeToUsers(ctx context.Context, event *TradeEvent) (*AllocationSummary, error) {
	if event.Side != SideSell || event.Position == nil || event.Position.Status != models.PositionClosed {
		return nil, fmt.Errorf("allocation requires a closed sell position, got %q", event.Side)
	}
	position := event.Position

	// Application-level lock keyed by the broadcast tx hash guards against
	// concurrent admin retries. The per-user tx hash constraint remains the
	// authoritative idempotency check.
	if a.rdb != nil {
		lockKey := fmt.Sprintf("broadcast:%s", position.SellTxHash)
		acquired, err := a.rdb.SetNX(ctx, lockKey, "1", broadcastLockTTL).Result()
		if err != nil {
			log.Printf("Broadcast lock unavailable for %s, relying on ledger dedup: %v", position.SellTxHash, err)
		} else if !acquired {
			return nil, &DuplicateTransactionError{TxHash: position.SellTxHash, Token: position.TokenName}
		}
	}

	var summary *AllocationSummary
	err := ledger.Retry(ctx, func() error {
		s, err := a.applyBatch(ctx, event)
		if err != nil {
			var dup *DuplicateTransactionError
			var pe *PersistenceError
			if errors.As(err, &dup) || !errors.As(err, &pe) {
				// Only persistence failures are worth retrying.
				return backoff.Permanent(err)
			}
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		// Free the lock so a corrected retry is not blocked for the TTL.
		if a.rdb != nil {
			a.rdb.Del(context.Background(), fmt.Sprintf("broadcast:%s", position.SellTxHash))
		}
		return nil, err
	}

	log.Printf("Applied %s trade (%.2f%%) to %d users, %.6f SOL moved",
		position.TokenName, position.ROIPercentage, summary.UsersUpdated, summary.TotalMoved)
	return summary, nil
}

// applyBatch runs the full fan-out inside one database transaction. A write
// failure on any row aborts the lot.
func (a *Allocator) applyBatch(ctx context.Context, event *TradeEvent) (*AllocationSummary, error) {
	position := event.Position
	summary := &AllocationSummary{
		Token:         position.TokenName,
		ROIPercentage: position.ROIPercentage,
	}

	duplicates := 0
	err := a.repo.WithinTx(ctx, func(tx *ledger.Repository) error {
		users, err := tx.GetActiveUsers(ctx)
		if err != nil {
			return &PersistenceError{Op: "active user scan", Err: err}
		}

		now := time.Now().UTC()
		roi := position.ROIPercentage / 100

		for i := range users {
			user := &users[i]
			profit := user.Balance * roi

			// Dust threshold: skip ledger noise.
			if absFloat(profit) < a.cfg.DustThreshold {
				continue
			}

			userTxHash := fmt.Sprintf("%s_u%d", position.SellTxHash, user.ID)
			exists, err := tx.TransactionExists(ctx, userTxHash)
			if err != nil {
				return &PersistenceError{Op: "dedup check", Err: err}
			}
			if exists {
				duplicates++
				continue
			}

			if err := tx.CreditBalance(ctx, user.ID, profit); err != nil {
				return &PersistenceError{Op: "balance update", Err: err}
			}

			txType := models.TxTradeProfit
			if profit < 0 {
				txType = models.TxTradeLoss
			}
			txn := &models.Transaction{
				UserID:          user.ID,
				TransactionType: txType,
				Amount:          absFloat(profit),
				TokenName:       position.TokenName,
				Price:           position.ExitPrice,
				Timestamp:       now,
				Status:          models.TxStatusCompleted,
				Notes:           fmt.Sprintf("Trade ROI: %.2f%% for %s", position.ROIPercentage, position.TokenName),
				TxHash:          userTxHash,
				ProcessedAt:     &now,
				RelatedTradeID:  &position.ID,
			}
			if err := tx.CreateTransaction(ctx, txn); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return &DuplicateTransactionError{TxHash: userTxHash, Token: position.TokenName}
				}
				return &PersistenceError{Op: "transaction insert", Err: err}
			}

			if err := tx.CreatePosition(ctx, userHistoryPosition(position, user.ID, profit, now)); err != nil {
				return &PersistenceError{Op: "history insert", Err: err}
			}

			if profit > 0 && user.ReferrerCodeID != nil {
				if err := a.creditReferrer(ctx, tx, user, profit); err != nil {
					return err
				}
			}

			summary.UsersUpdated++
			summary.TotalMoved += absFloat(profit)
			summary.Results = append(summary.Results, UserResult{
				UserID:     user.ID,
				TelegramID: user.TelegramID,
				Profit:     profit,
			})
		}

		// Balances are re-read after the whole fan-out so a referrer's
		// notification includes rewards earned later in the same batch.
		for i := range summary.Results {
			u, err := tx.GetUserByID(ctx, summary.Results[i].UserID)
			if err != nil {
				return &PersistenceError{Op: "result balance read", Err: err}
			}
			summary.Results[i].NewBalance = u.Balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if summary.UsersUpdated == 0 && duplicates > 0 {
		return nil, &DuplicateTransactionError{TxHash: position.SellTxHash, Token: position.TokenName}
	}
	return summary, nil
}

// creditReferrer pays the referrer their cut of a referred user's profit,
// inside the same batch transaction.
func (a *Allocator) creditReferrer(ctx context.Context, tx *ledger.Repository, user *models.User, profit float64) error {
	code, err := tx.GetReferralCodeByID(ctx, *user.ReferrerCodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return &PersistenceError{Op: "referral code lookup", Err: err}
	}

	reward := profit * a.cfg.ReferralRewardPct / 100
	if reward < a.cfg.DustThreshold {
		return nil
	}

	if err := tx.CreditReferralEarnings(ctx, code.UserID, reward); err != nil {
		return &PersistenceError{Op: "referral credit", Err: err}
	}
	if err := tx.AddReferralEarned(ctx, code.ID, reward); err != nil {
		return &PersistenceError{Op: "referral stats update", Err: err}
	}
	if err := tx.CreateReferralReward(ctx, &models.ReferralReward{
		ReferrerID:   code.UserID,
		ReferredID:   user.ID,
		Amount:       reward,
		SourceProfit: profit,
		Percentage:   a.cfg.ReferralRewardPct,
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		return &PersistenceError{Op: "referral reward insert", Err: err}
	}
	return nil
}

func userHistoryPosition(master *models.TradingPosition, userID uint, profit float64, now time.Time) *models.TradingPosition {
	// Theoretical token quantity backed out of the user's share of the move.
	tokenAmount := 1.0
	if master.ExitPrice != master.EntryPrice {
		tokenAmount = absFloat(profit / (master.ExitPrice - master.EntryPrice))
	}

	return &models.TradingPosition{
		UserID:           userID,
		TokenName:        master.TokenName,
		Amount:           tokenAmount,
		EntryPrice:       master.EntryPrice,
		ExitPrice:        master.ExitPrice,
		Status:           models.PositionClosed,
		BuyTxHash:        master.BuyTxHash,
		SellTxHash:       fmt.Sprintf("%s_u%d", master.SellTxHash, userID),
		BuyTimestamp:     master.BuyTimestamp,
		SellTimestamp:    &now,
		ROIPercentage:    master.ROIPercentage,
		PairedPositionID: &master.ID,
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
