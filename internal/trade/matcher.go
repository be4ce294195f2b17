package trade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"memesol-bot/internal/ledger"
	"memesol-bot/internal/models"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

var announcementRe = regexp.MustCompile(`(?i)^(buy|sell)\s+\$?(\w+)\s+([0-9.]+)\s+([0-9.]+)\s+(https?://\S+)\s*$`)

// TradeEvent is what a processed announcement yields. For a Sell it carries
// the closed position and its ROI, ready for the allocation engine. No user
// balances are touched by the matcher.
type TradeEvent struct {
	Side          string
	Token         string
	Price         float64
	Amount        float64
	TxHash        string
	TxLink        string
	ROIPercentage float64
	Position      *models.TradingPosition
}

// MatcherConfig controls the Sell-without-Buy policy. Fabricating a synthetic
// entry price is an explicit product choice, disabled unless configured.
type MatcherConfig struct {
	AllowSyntheticEntry bool
	SyntheticROI        float64
}

// Matcher parses admin trade announcements and pairs Sells against open
// positions FIFO.
type Matcher struct {
	repo *ledger.Repository
	cfg  MatcherConfig
}

func NewMatcher(repo *ledger.Repository, cfg MatcherConfig) *Matcher {
	return &Matcher{repo: repo, cfg: cfg}
}

// ProcessAnnouncement parses "Buy/Sell $TOKEN PRICE AMOUNT TX_LINK" and
// opens or closes the matching position. Malformed input fails with
// *ParseError and mutates nothing.
func (m *Matcher) ProcessAnnouncement(ctx context.Context, rawText, adminID string) (*TradeEvent, error) {
	event, err := parseAnnouncement(rawText)
	if err != nil {
		return nil, err
	}

	switch event.Side {
	case SideBuy:
		if err := m.processBuy(ctx, event, adminID); err != nil {
			return nil, err
		}
	case SideSell:
		if err := m.processSell(ctx, event, adminID); err != nil {
			return nil, err
		}
	}
	return event, nil
}

func parseAnnouncement(rawText string) (*TradeEvent, error) {
	text := strings.TrimSpace(rawText)
	groups := announcementRe.FindStringSubmatch(text)
	if groups == nil {
		return nil, &ParseError{Text: rawText, Reason: "expected Buy/Sell $TOKEN PRICE AMOUNT TX_LINK"}
	}

	price, err := strconv.ParseFloat(groups[3], 64)
	if err != nil || price <= 0 {
		return nil, &ParseError{Text: rawText, Reason: "price must be a positive number"}
	}
	amount, err := strconv.ParseFloat(groups[4], 64)
	if err != nil || amount <= 0 {
		return nil, &ParseError{Text: rawText, Reason: "amount must be a positive number"}
	}

	link := groups[5]
	return &TradeEvent{
		Side:   strings.ToLower(groups[1]),
		Token:  strings.ToUpper(groups[2]),
		Price:  price,
		Amount: amount,
		TxHash: hashFromLink(link),
		TxLink: link,
	}, nil
}

// hashFromLink takes the last path segment of an explorer link as the
// logical tx hash. The hash is free text, never checked on chain.
func hashFromLink(link string) string {
	trimmed := strings.TrimRight(link, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func (m *Matcher) processBuy(ctx context.Context, event *TradeEvent, adminID string) error {
	exists, err := m.repo.PositionExistsByBuyHash(ctx, event.Token, event.TxHash)
	if err != nil {
		return &PersistenceError{Op: "buy duplicate check", Err: err}
	}
	if exists {
		return &DuplicateTransactionError{TxHash: event.TxHash, Token: event.Token}
	}

	now := time.Now().UTC()
	position := &models.TradingPosition{
		TokenName:    event.Token,
		Amount:       event.Amount,
		EntryPrice:   event.Price,
		Status:       models.PositionOpen,
		BuyTxHash:    event.TxHash,
		BuyTimestamp: now,
		AdminID:      adminID,
	}
	if err := m.repo.CreatePosition(ctx, position); err != nil {
		return &PersistenceError{Op: "create position", Err: err}
	}
	if err := m.recordMasterLedgerRow(ctx, models.TxBuy, event, now); err != nil {
		return err
	}

	log.Printf("Recorded BUY position for $%s at %v (tx: %s)", event.Token, event.Price, event.TxHash)
	event.Position = position
	return nil
}

func (m *Matcher) processSell(ctx context.Context, event *TradeEvent, adminID string) error {
	exists, err := m.repo.PositionExistsBySellHash(ctx, event.Token, event.TxHash)
	if err != nil {
		return &PersistenceError{Op: "sell duplicate check", Err: err}
	}
	if exists {
		return &DuplicateTransactionError{TxHash: event.TxHash, Token: event.Token}
	}

	position, err := m.repo.GetOpenPosition(ctx, event.Token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if !m.cfg.AllowSyntheticEntry {
			return &NoOpenPositionError{Token: event.Token}
		}
		position, err = m.syntheticPosition(ctx, event, adminID)
		if err != nil {
			return err
		}
	} else if err != nil {
		return &PersistenceError{Op: "open position lookup", Err: err}
	}

	now := time.Now().UTC()
	position.ExitPrice = event.Price
	position.Status = models.PositionClosed
	position.SellTxHash = event.TxHash
	position.SellTimestamp = &now
	position.ROIPercentage = (event.Price - position.EntryPrice) / position.EntryPrice * 100

	if err := m.repo.SavePosition(ctx, position); err != nil {
		return &PersistenceError{Op: "close position", Err: err}
	}
	if err := m.recordMasterLedgerRow(ctx, models.TxSell, event, now); err != nil {
		return err
	}

	log.Printf("Processed SELL for $%s at %v, ROI %.2f%% (tx: %s)",
		event.Token, event.Price, position.ROIPercentage, event.TxHash)

	event.Position = position
	event.ROIPercentage = position.ROIPercentage
	return nil
}

// recordMasterLedgerRow books the admin's own buy/sell in the transaction
// ledger under user id 0. Master rows are an audit trail: user P/L queries
// filter by user id and never see them.
func (m *Matcher) recordMasterLedgerRow(ctx context.Context, txType string, event *TradeEvent, now time.Time) error {
	txn := &models.Transaction{
		UserID:          0,
		TransactionType: txType,
		Amount:          event.Amount,
		TokenName:       event.Token,
		Price:           event.Price,
		Timestamp:       now,
		Status:          models.TxStatusCompleted,
		TxHash:          event.TxHash,
		ProcessedAt:     &now,
	}
	if err := m.repo.CreateTransaction(ctx, txn); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &DuplicateTransactionError{TxHash: event.TxHash, Token: event.Token}
		}
		return &PersistenceError{Op: "master ledger row", Err: err}
	}
	return nil
}

// syntheticPosition backfills an open position so a Sell with no recorded Buy
// still closes at the configured ROI. Only reachable when the operator opted
// in via config.
func (m *Matcher) syntheticPosition(ctx context.Context, event *TradeEvent, adminID string) (*models.TradingPosition, error) {
	entry := event.Price / (1 + m.cfg.SyntheticROI/100)
	now := time.Now().UTC()

	position := &models.TradingPosition{
		TokenName:    event.Token,
		Amount:       event.Amount,
		EntryPrice:   entry,
		Status:       models.PositionOpen,
		BuyTxHash:    fmt.Sprintf("synthetic_%s", event.TxHash),
		BuyTimestamp: now,
		AdminID:      adminID,
	}
	if err := m.repo.CreatePosition(ctx, position); err != nil {
		return nil, &PersistenceError{Op: "create synthetic position", Err: err}
	}

	log.Printf("No open BUY for $%s, fabricated synthetic entry %.8f (%.1f%% ROI)",
		event.Token, entry, m.cfg.SyntheticROI)
	return position, nil
}
