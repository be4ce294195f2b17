package trade

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"memesol-bot/internal/ledger"
	"memesol-bot/internal/models"
)

func setupTestRepo(t *testing.T) *ledger.Repository {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Transaction{},
		&models.TradingPosition{},
		&models.Profit{},
		&models.ReferralCode{},
		&models.ReferralReward{},
		&models.UserMetrics{},
		&models.DailySnapshot{},
	))
	return ledger.NewRepository(db)
}

func newTestMatcher(t *testing.T) (*Matcher, *ledger.Repository) {
	t.Helper()
	repo := setupTestRepo(t)
	return NewMatcher(repo, MatcherConfig{}), repo
}

func TestProcessAnnouncement_ParseErrors(t *testing.T) {
	matcher, _ := newTestMatcher(t)
	ctx := context.Background()

	cases := []string{
		"",
		"hello there",
		"Buy $ZING",
		"Buy $ZING abc 1000 https://solscan.io/tx/x1",
		"Buy $ZING 0.004 1000 no-link-here",
		"Hold $ZING 0.004 1000 https://solscan.io/tx/x1",
	}
	for _, text := range cases {
		_, err := matcher.ProcessAnnouncement(ctx, text, "admin")
		var parseErr *ParseError
		assert.ErrorAs(t, err, &parseErr, "input %q", text)
	}
}

func TestProcessAnnouncement_BuyOpensPosition(t *testing.T) {
	matcher, repo := newTestMatcher(t)
	ctx := context.Background()

	event, err := matcher.ProcessAnnouncement(ctx, "Buy $ZING 0.004107 1000 https://solscan.io/tx/abc111", "admin")
	require.NoError(t, err)
	assert.Equal(t, SideBuy, event.Side)
	assert.Equal(t, "ZING", event.Token)
	assert.Equal(t, "abc111", event.TxHash)

	pos, err := repo.GetOpenPosition(ctx, "ZING")
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.InDelta(t, 0.004107, pos.EntryPrice, 1e-12)

	// The admin's own buy lands in the ledger as an audit row.
	exists, err := repo.TransactionExists(ctx, "abc111")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestProcessAnnouncement_DuplicateBuyRejected(t *testing.T) {
	matcher, _ := newTestMatcher(t)
	ctx := context.Background()

	text := "Buy $ZING 0.004107 1000 https://solscan.io/tx/abc111"
	_, err := matcher.ProcessAnnouncement(ctx, text, "admin")
	require.NoError(t, err)

	_, err = matcher.ProcessAnnouncement(ctx, text, "admin")
	var dup *DuplicateTransactionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "abc111", dup.TxHash)
}

func TestProcessAnnouncement_SellClosesFIFOAndComputesROI(t *testing.T) {
	matcher, repo := newTestMatcher(t)
	ctx := context.Background()

	// Two open buys; the sell must close the older one.
	older := &models.TradingPosition{
		TokenName:    "ZING",
		Amount:       1000,
		EntryPrice:   0.004107,
		Status:       models.PositionOpen,
		BuyTxHash:    "buy_old",
		BuyTimestamp: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
	}
	newer := &models.TradingPosition{
		TokenName:    "ZING",
		Amount:       1000,
		EntryPrice:   0.005,
		Status:       models.PositionOpen,
		BuyTxHash:    "buy_new",
		BuyTimestamp: time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.CreatePosition(ctx, newer))
	require.NoError(t, repo.CreatePosition(ctx, older))

	event, err := matcher.ProcessAnnouncement(ctx, "Sell $ZING 0.006834 1000 https://solscan.io/tx/sell111", "admin")
	require.NoError(t, err)

	assert.Equal(t, "buy_old", event.Position.BuyTxHash)
	assert.Equal(t, models.PositionClosed, event.Position.Status)
	// (0.006834 - 0.004107) / 0.004107 * 100
	assert.InDelta(t, 66.39883, event.ROIPercentage, 0.001)

	// The newer buy stays open for the next sell.
	pos, err := repo.GetOpenPosition(ctx, "ZING")
	require.NoError(t, err)
	assert.Equal(t, "buy_new", pos.BuyTxHash)
}

func TestProcessAnnouncement_MasterLedgerRows(t *testing.T) {
	matcher, repo := newTestMatcher(t)
	ctx := context.Background()

	_, err := matcher.ProcessAnnouncement(ctx, "Buy $ZING 0.004 1000 https://solscan.io/tx/audit_b", "admin")
	require.NoError(t, err)
	_, err = matcher.ProcessAnnouncement(ctx, "Sell $ZING 0.005 1000 https://solscan.io/tx/audit_s", "admin")
	require.NoError(t, err)

	// One buy and one sell row under the master user id, invisible to any
	// per-user P/L query.
	var rows []models.Transaction
	require.NoError(t, repo.DB().
		Where("user_id = 0 AND token_name = ?", "ZING").
		Order("id asc").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, models.TxBuy, rows[0].TransactionType)
	assert.Equal(t, "audit_b", rows[0].TxHash)
	assert.Equal(t, models.TxSell, rows[1].TransactionType)
	assert.Equal(t, "audit_s", rows[1].TxHash)
}

func TestProcessAnnouncement_SellWithoutBuy(t *testing.T) {
	matcher, _ := newTestMatcher(t)
	ctx := context.Background()

	_, err := matcher.ProcessAnnouncement(ctx, "Sell $GHOST 0.01 500 https://solscan.io/tx/ghost1", "admin")
	var noPos *NoOpenPositionError
	require.ErrorAs(t, err, &noPos)
	assert.Equal(t, "GHOST", noPos.Token)
}

func TestProcessAnnouncement_SyntheticEntryWhenEnabled(t *testing.T) {
	repo := setupTestRepo(t)
	matcher := NewMatcher(repo, MatcherConfig{AllowSyntheticEntry: true, SyntheticROI: 8.0})
	ctx := context.Background()

	event, err := matcher.ProcessAnnouncement(ctx, "Sell $GHOST 0.0108 500 https://solscan.io/tx/ghost2", "admin")
	require.NoError(t, err)

	assert.Equal(t, models.PositionClosed, event.Position.Status)
	assert.InDelta(t, 8.0, event.ROIPercentage, 1e-6)
	assert.Equal(t, "synthetic_ghost2", event.Position.BuyTxHash)
}

func TestProcessAnnouncement_DuplicateSellRejected(t *testing.T) {
	matcher, repo := newTestMatcher(t)
	ctx := context.Background()

	pos := &models.TradingPosition{
		TokenName:    "ZING",
		Amount:       1000,
		EntryPrice:   0.004,
		Status:       models.PositionOpen,
		BuyTxHash:    "buy_dup",
		BuyTimestamp: time.Now().UTC(),
	}
	require.NoError(t, repo.CreatePosition(ctx, pos))

	text := "Sell $ZING 0.005 1000 https://solscan.io/tx/selldup"
	_, err := matcher.ProcessAnnouncement(ctx, text, "admin")
	require.NoError(t, err)

	_, err = matcher.ProcessAnnouncement(ctx, text, "admin")
	var dup *DuplicateTransactionError
	assert.ErrorAs(t, err, &dup)
}

func TestParseAnnouncement_Variants(t *testing.T) {
	// Case-insensitive verb, optional $ prefix, trailing whitespace.
	for _, text := range []string{
		"buy ZING 0.004 1000 https://solscan.io/tx/v1",
		"BUY $zing 0.004 1000 https://solscan.io/tx/v1",
		"Buy $ZING 0.004 1000 https://solscan.io/tx/v1  ",
	} {
		event, err := parseAnnouncement(text)
		require.NoError(t, err, "input %q", text)
		assert.Equal(t, SideBuy, event.Side)
		assert.Equal(t, "ZING", event.Token)
		assert.Equal(t, "v1", event.TxHash)
	}
}

func TestHashFromLink(t *testing.T) {
	assert.Equal(t, "abc123", hashFromLink("https://solscan.io/tx/abc123"))
	assert.Equal(t, "abc123", hashFromLink("https://solscan.io/tx/abc123/"))
}
