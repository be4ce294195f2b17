package trade

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memesol-bot/internal/ledger"
	"memesol-bot/internal/models"
)

func newTestAllocator(t *testing.T) (*Allocator, *ledger.Repository) {
	t.Helper()
	repo := setupTestRepo(t)
	return NewAllocator(repo, nil, AllocatorConfig{
		DustThreshold:     1e-6,
		ReferralRewardPct: 5.0,
	}), repo
}

func fundUser(t *testing.T, ctx context.Context, repo *ledger.Repository, telegramID int64, amount float64) *models.User {
	t.Helper()
	user, err := repo.FindOrCreateUser(ctx, telegramID, "tester", "Tester")
	require.NoError(t, err)
	if amount > 0 {
		_, err = repo.RecordDeposit(ctx, user.ID, amount, fmt.Sprintf("dep_fund_%d", telegramID))
		require.NoError(t, err)
	}
	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	return got
}

// closeTestTrade runs a buy then a sell through the matcher and returns the
// sell event ready for allocation.
func closeTestTrade(t *testing.T, ctx context.Context, repo *ledger.Repository, entry, exit float64, tag string) *TradeEvent {
	t.Helper()
	matcher := NewMatcher(repo, MatcherConfig{})

	_, err := matcher.ProcessAnnouncement(ctx,
		fmt.Sprintf("Buy $ZING %.8f 1000 https://solscan.io/tx/buy_%s", entry, tag), "admin")
	require.NoError(t, err)

	event, err := matcher.ProcessAnnouncement(ctx,
		fmt.Sprintf("Sell $ZING %.8f 1000 https://solscan.io/tx/sell_%s", exit, tag), "admin")
	require.NoError(t, err)
	return event
}

func TestApplyTradeToUsers_ProportionalAllocation(t *testing.T) {
	allocator, repo := newTestAllocator(t)
	ctx := context.Background()

	alice := fundUser(t, ctx, repo, 3001, 10.0)
	bob := fundUser(t, ctx, repo, 3002, 2.5)

	event := closeTestTrade(t, ctx, repo, 0.004107, 0.006834, "prop")
	// (0.006834 - 0.004107) / 0.004107 ≈ 66.4%
	require.InDelta(t, 66.39883, event.ROIPercentage, 0.001)

	summary, err := allocator.ApplyTradeToUsers(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.UsersUpdated)

	roi := event.ROIPercentage / 100

	gotAlice, err := repo.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0*(1+roi), gotAlice.Balance, 1e-6)

	gotBob, err := repo.GetUserByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.5*(1+roi), gotBob.Balance, 1e-6)

	// Conservation: total moved equals the sum of individual profits.
	assert.InDelta(t, 12.5*roi, summary.TotalMoved, 1e-6)
}

func TestApplyTradeToUsers_LossDebitsBalances(t *testing.T) {
	allocator, repo := newTestAllocator(t)
	ctx := context.Background()

	user := fundUser(t, ctx, repo, 3003, 10.0)

	event := closeTestTrade(t, ctx, repo, 0.005, 0.004, "loss")
	require.InDelta(t, -20.0, event.ROIPercentage, 1e-6)

	summary, err := allocator.ApplyTradeToUsers(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UsersUpdated)

	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, got.Balance, 1e-6)

	// The ledger row is a trade_loss with a positive amount.
	txHash := fmt.Sprintf("%s_u%d", event.Position.SellTxHash, user.ID)
	exists, err := repo.TransactionExists(ctx, txHash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestApplyTradeToUsers_ReplayIsNoOp(t *testing.T) {
	allocator, repo := newTestAllocator(t)
	ctx := context.Background()

	user := fundUser(t, ctx, repo, 3004, 10.0)

	event := closeTestTrade(t, ctx, repo, 0.004, 0.005, "replay")

	_, err := allocator.ApplyTradeToUsers(ctx, event)
	require.NoError(t, err)

	afterFirst, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)

	// Same broadcast again: duplicate error, balance unchanged.
	_, err = allocator.ApplyTradeToUsers(ctx, event)
	var dup *DuplicateTransactionError
	require.ErrorAs(t, err, &dup)

	afterSecond, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Balance, afterSecond.Balance)
}

func TestApplyTradeToUsers_DustSkipped(t *testing.T) {
	repo := setupTestRepo(t)
	allocator := NewAllocator(repo, nil, AllocatorConfig{DustThreshold: 0.01})
	ctx := context.Background()

	// 0.1 SOL at 1% ROI is 0.001 SOL profit, below the 0.01 threshold.
	user := fundUser(t, ctx, repo, 3005, 0.1)

	event := closeTestTrade(t, ctx, repo, 1.0, 1.01, "dust")

	summary, err := allocator.ApplyTradeToUsers(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.UsersUpdated)

	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, got.Balance, 1e-9)
}

func TestApplyTradeToUsers_WritesUserHistory(t *testing.T) {
	allocator, repo := newTestAllocator(t)
	ctx := context.Background()

	user := fundUser(t, ctx, repo, 3006, 5.0)

	event := closeTestTrade(t, ctx, repo, 0.004, 0.005, "hist")
	_, err := allocator.ApplyTradeToUsers(ctx, event)
	require.NoError(t, err)

	trades, err := repo.RecentTrades(ctx, user.ID, 5)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "ZING", trades[0].TokenName)
	assert.Equal(t, models.PositionClosed, trades[0].Status)
	assert.InDelta(t, event.ROIPercentage, trades[0].ROIPercentage, 1e-9)
	require.NotNil(t, trades[0].PairedPositionID)
	assert.Equal(t, event.Position.ID, *trades[0].PairedPositionID)
}

func TestApplyTradeToUsers_ReferralReward(t *testing.T) {
	allocator, repo := newTestAllocator(t)
	ctx := context.Background()

	referrer := fundUser(t, ctx, repo, 3007, 10.0)
	code, err := repo.GetOrCreateReferralCode(ctx, referrer.ID, "SOLREF001")
	require.NoError(t, err)

	referred := fundUser(t, ctx, repo, 3008, 10.0)
	referred.ReferrerCodeID = &code.ID
	require.NoError(t, repo.SaveUser(ctx, referred))

	event := closeTestTrade(t, ctx, repo, 0.004, 0.005, "ref")
	require.InDelta(t, 25.0, event.ROIPercentage, 1e-6)

	summary, err := allocator.ApplyTradeToUsers(ctx, event)
	require.NoError(t, err)

	// Referred user: 10 * 25% = 2.5 profit. Referrer: own 2.5 profit plus
	// 5% of the referred user's 2.5.
	gotReferred, err := repo.GetUserByID(ctx, referred.ID)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, gotReferred.Balance, 1e-6)

	gotReferrer, err := repo.GetUserByID(ctx, referrer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 12.5+0.125, gotReferrer.Balance, 1e-6)
	assert.InDelta(t, 0.125, gotReferrer.ReferralBonus, 1e-6)

	earned, err := repo.SumReferralRewards(ctx, referrer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.125, earned, 1e-6)

	// Notification balances must match the committed state, including the
	// reward the referrer earned later in the same batch.
	for _, res := range summary.Results {
		final, err := repo.GetUserByID(ctx, res.UserID)
		require.NoError(t, err)
		assert.InDelta(t, final.Balance, res.NewBalance, 1e-9, "user %d", res.UserID)
	}
}

func TestApplyTradeToUsers_RequiresClosedSell(t *testing.T) {
	allocator, repo := newTestAllocator(t)
	ctx := context.Background()

	matcher := NewMatcher(repo, MatcherConfig{})
	event, err := matcher.ProcessAnnouncement(ctx,
		"Buy $ZING 0.004 1000 https://solscan.io/tx/buy_open", "admin")
	require.NoError(t, err)

	_, err = allocator.ApplyTradeToUsers(ctx, event)
	assert.Error(t, err)
}
