package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"memesol-bot/internal/config"
	"memesol-bot/internal/dashboard"
	"memesol-bot/internal/ledger"
	"memesol-bot/internal/performance"
	"memesol-bot/internal/trade"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"gorm.io/gorm"
)

const (
	stateAwaitingDeposit  = "WAITING_DEPOSIT_AMOUNT"
	stateAwaitingWithdraw = "WAITING_WITHDRAW_AMOUNT"

	minDeposit = 0.01
)

type Bot struct {
	Instance   *telego.Bot
	Repo       *ledger.Repository
	Matcher    *trade.Matcher
	Allocator  *trade.Allocator
	Aggregator *performance.Aggregator
	Cfg        *config.Config
	UserStates map[int64]string
	StatesMu   sync.RWMutex
}

func NewBot(cfg *config.Config, repo *ledger.Repository, matcher *trade.Matcher, allocator *trade.Allocator, aggregator *performance.Aggregator) (*Bot, error) {
	tgBot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance:   tgBot,
		Repo:       repo,
		Matcher:    matcher,
		Allocator:  allocator,
		Aggregator: aggregator,
		Cfg:        cfg,
		UserStates: make(map[int64]string),
	}, nil
}

func (b *Bot) Start() {
	updates, _ := b.Instance.UpdatesViaLongPolling(context.Background(), nil)

	handler, _ := th.NewBotHandler(b.Instance, updates)

	// /start command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		args := ""
		if parts := strings.Split(message.Text, " "); len(parts) > 1 {
			args = parts[1]
		}

		user, err := b.Repo.FindOrCreateUser(ctx.Context(), telegramID, message.From.Username, message.From.FirstName)
		if err != nil {
			log.Printf("Failed to get/create user %d: %v", telegramID, err)
			return nil
		}

		code, err := b.Repo.GetOrCreateReferralCode(ctx.Context(), user.ID, generateReferralCode())
		if err != nil {
			log.Printf("Failed to issue referral code for user %d: %v", user.ID, err)
		}

		// Referral attribution happens once, at onboarding, and never for
		// the user's own code.
		if args != "" && user.ReferrerCodeID == nil && (code == nil || args != code.Code) {
			if referrerCode, err := b.Repo.GetReferralCodeByCode(ctx.Context(), args); err == nil && referrerCode.UserID != user.ID {
				user.ReferrerCodeID = &referrerCode.ID
				if err := b.Repo.SaveUser(ctx.Context(), user); err != nil {
					log.Printf("Failed to save referrer for user %d: %v", user.ID, err)
				} else {
					log.Printf("User %d joined via referral code %s", telegramID, referrerCode.Code)
				}
			}
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			fmt.Sprintf("Welcome, %s! 👋\n\nDeposit SOL and the desk trades memecoins for you. Profits land in your balance automatically.", message.From.FirstName),
		).WithReplyMarkup(mainKeyboard()))
		return nil
	}, th.CommandEqual("start"))

	// /adjust <telegram_id> <amount> [reason] — admin balance adjustment
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		if !b.Cfg.IsAdmin(message.From.ID) {
			return nil
		}

		parts := strings.Fields(message.Text)
		if len(parts) < 3 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
				"Usage: /adjust <telegram_id> <amount> [reason]"))
			return nil
		}

		targetID, err1 := strconv.ParseInt(parts[1], 10, 64)
		amount, err2 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil || amount == 0 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
				"❌ Invalid telegram_id or amount."))
			return nil
		}
		reason := "Admin balance adjustment"
		if len(parts) > 3 {
			reason = strings.Join(parts[3:], " ")
		}

		target, err := b.Repo.GetUserByTelegramID(ctx.Context(), targetID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
				fmt.Sprintf("❌ No user with telegram id %d.", targetID)))
			return nil
		}
		if err != nil {
			log.Printf("Adjustment lookup failed: %v", err)
			return nil
		}

		txn, err := b.Repo.AdjustBalance(ctx.Context(), target.ID, amount, reason, "adj_"+uuid.New().String())
		if err != nil {
			log.Printf("Adjustment failed for user %d: %v", target.ID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
				"❌ Adjustment failed. Nothing was written."))
			return nil
		}

		b.Aggregator.InvalidateCache(ctx.Context(), target.ID)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID),
			fmt.Sprintf("✅ %s of %.4f SOL applied to user %d.", txn.TransactionType, txn.Amount, targetID)))
		return nil
	}, th.CommandEqual("adjust"))

	// Dashboard callback
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		user, err := b.Repo.GetUserByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
				"👤 No account yet. Send /start to begin."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		snap, err := b.Aggregator.GetPerformanceData(ctx.Context(), user.ID)
		if err != nil {
			log.Printf("Failed to build dashboard for user %d: %v", user.ID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
				"⚠️ Dashboard temporarily unavailable, try again in a minute."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), dashboard.Format(snap)).
			WithParseMode(telego.ModeMarkdown).
			WithReplyMarkup(mainKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("dashboard"))

	// Deposit callback
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.CallbackQuery.From.ID

		b.StatesMu.Lock()
		b.UserStates[telegramID] = stateAwaitingDeposit
		b.StatesMu.Unlock()

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			fmt.Sprintf("💰 Enter the deposit amount in SOL (minimum %.2f):", minDeposit)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(update.CallbackQuery.ID))
		return nil
	}, th.CallbackDataEqual("deposit"))

	// Withdraw callback
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.CallbackQuery.From.ID

		b.StatesMu.Lock()
		b.UserStates[telegramID] = stateAwaitingWithdraw
		b.StatesMu.Unlock()

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			"💸 Enter the withdrawal amount in SOL:"))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(update.CallbackQuery.ID))
		return nil
	}, th.CallbackDataEqual("withdraw"))

	// Referral stats callback
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		user, err := b.Repo.GetUserByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ No account found, send /start first."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		code, err := b.Repo.GetOrCreateReferralCode(ctx.Context(), user.ID, generateReferralCode())
		if err != nil {
			log.Printf("Failed to get referral code for user %d: %v", user.ID, err)
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		invited, _ := b.Repo.CountReferredUsers(ctx.Context(), code.ID)
		earned, _ := b.Repo.SumReferralRewards(ctx.Context(), user.ID)

		botUsername := "memesol_bot"
		if info, err := b.Instance.GetMe(ctx.Context()); err == nil {
			botUsername = info.Username
		}
		refLink := fmt.Sprintf("https://t.me/%s?start=%s", botUsername, code.Code)

		msg := fmt.Sprintf("🤝 *Referral program*\n\n"+
			"Invite friends and earn %.0f%% of their trading profits!\n\n"+
			"👥 Invited: %d\n"+
			"💰 Earned: %.4f SOL\n\n"+
			"🔗 *Your link:*\n`%s`", b.Cfg.ReferralRewardPct, invited, earned, refLink)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).
			WithParseMode(telego.ModeMarkdown).
			WithReplyMarkup(mainKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("referral"))

	// Text input: deposit/withdraw amounts and admin trade broadcasts.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID
		text := update.Message.Text

		b.StatesMu.RLock()
		state := b.UserStates[telegramID]
		b.StatesMu.RUnlock()

		switch state {
		case stateAwaitingDeposit:
			b.handleDepositAmount(ctx, telegramID, text)
			return nil
		case stateAwaitingWithdraw:
			b.handleWithdrawAmount(ctx, telegramID, text)
			return nil
		}

		if b.Cfg.IsAdmin(telegramID) && looksLikeTrade(text) {
			b.handleBroadcast(ctx, telegramID, text)
			return nil
		}
		return nil
	}, th.AnyMessageWithText())

	handler.Start()
}

// handleBroadcast runs the full pipeline for an admin Buy/Sell message:
// match, allocate, confirm, notify.
func (b *Bot) handleBroadcast(ctx *th.Context, adminID int64, text string) {
	event, err := b.Matcher.ProcessAnnouncement(ctx.Context(), text, strconv.FormatInt(adminID, 10))
	if err != nil {
		b.reportTradeError(ctx, adminID, err)
		return
	}

	if event.Side == trade.SideBuy {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(adminID),
			fmt.Sprintf("✅ *BUY recorded*\n\n• Token: $%s\n• Entry: %s\n• Tx: %s\n\n_Will be matched with a future SELL._",
				event.Token, formatPrice(event.Price), event.TxHash)).
			WithParseMode(telego.ModeMarkdown))
		return
	}

	summary, err := b.Allocator.ApplyTradeToUsers(ctx.Context(), event)
	if err != nil {
		b.reportTradeError(ctx, adminID, err)
		return
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(adminID),
		fmt.Sprintf("%s *SELL processed*\n\n• Token: $%s\n• Entry: %s\n• Exit: %s\n• ROI: %.2f%%\n• Users updated: %d\n• SOL moved: %.4f",
			roiEmoji(event.ROIPercentage), event.Token,
			formatPrice(event.Position.EntryPrice), formatPrice(event.Position.ExitPrice),
			event.ROIPercentage, summary.UsersUpdated, summary.TotalMoved)).
		WithParseMode(telego.ModeMarkdown))

	b.notifyUsers(ctx, event, summary)
}

// notifyUsers sends each affected user their personal trade alert after the
// batch has committed. Best effort only.
func (b *Bot) notifyUsers(ctx *th.Context, event *trade.TradeEvent, summary *trade.AllocationSummary) {
	for _, res := range summary.Results {
		b.Aggregator.InvalidateCache(ctx.Context(), res.UserID)

		msg := fmt.Sprintf("%s *Trade Alert*\n\n"+
			"• *Token:* $%s\n"+
			"• *Entry:* %s\n"+
			"• *Exit:* %s\n"+
			"• *ROI:* %.2f%%\n"+
			"• *Your P/L:* %s SOL\n"+
			"• *New Balance:* %.4f SOL\n\n"+
			"_Your dashboard has been updated with this trade._",
			roiEmoji(event.ROIPercentage), event.Token,
			formatPrice(event.Position.EntryPrice), formatPrice(event.Position.ExitPrice),
			event.ROIPercentage, dashboard.Signed(res.Profit, 4), res.NewBalance)

		if _, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(res.TelegramID), msg).
			WithParseMode(telego.ModeMarkdown)); err != nil {
			log.Printf("Failed to notify user %d about trade: %v", res.UserID, err)
		}
	}
}

func (b *Bot) reportTradeError(ctx *th.Context, adminID int64, err error) {
	var parseErr *trade.ParseError
	var dupErr *trade.DuplicateTransactionError
	var noPosErr *trade.NoOpenPositionError

	var msg string
	switch {
	case errors.As(err, &parseErr):
		msg = "⚠️ Invalid trade format.\nExpected: `Buy $TOKEN PRICE AMOUNT TX_LINK`"
	case errors.As(err, &dupErr):
		msg = fmt.Sprintf("⚠️ Already processed: tx %s for $%s. Nothing was changed.", dupErr.TxHash, dupErr.Token)
	case errors.As(err, &noPosErr):
		msg = fmt.Sprintf("⚠️ No open BUY position for $%s. Record the Buy first.", noPosErr.Token)
	default:
		log.Printf("Broadcast from admin %d failed: %v", adminID, err)
		msg = "❌ Trade could not be applied, nothing was written. Safe to retry."
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(adminID), msg).
		WithParseMode(telego.ModeMarkdown))
}

func (b *Bot) handleDepositAmount(ctx *th.Context, telegramID int64, text string) {
	defer b.clearState(telegramID)

	amount, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || amount < minDeposit {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			fmt.Sprintf("❌ Invalid amount. Enter a number of at least %.2f.", minDeposit)))
		return
	}

	user, err := b.Repo.GetUserByTelegramID(ctx.Context(), telegramID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Account not found, send /start first."))
		return
	}

	txn, err := b.Repo.RecordDeposit(ctx.Context(), user.ID, amount, "dep_"+uuid.New().String())
	if err != nil {
		log.Printf("Deposit failed for user %d: %v", user.ID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Deposit could not be recorded."))
		return
	}

	b.Aggregator.InvalidateCache(ctx.Context(), user.ID)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
		fmt.Sprintf("✅ Deposit of %.4f SOL credited.\nNew balance: %.4f SOL", txn.Amount, user.Balance+amount)))
}

func (b *Bot) handleWithdrawAmount(ctx *th.Context, telegramID int64, text string) {
	defer b.clearState(telegramID)

	amount, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || amount <= 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Invalid amount."))
		return
	}

	user, err := b.Repo.GetUserByTelegramID(ctx.Context(), telegramID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Account not found, send /start first."))
		return
	}

	if _, err := b.Repo.RecordWithdrawal(ctx.Context(), user.ID, amount, "wd_"+uuid.New().String()); err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			fmt.Sprintf("❌ Withdrawal failed: insufficient balance (%.4f SOL available).", user.Balance)))
		return
	}

	b.Aggregator.InvalidateCache(ctx.Context(), user.ID)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
		fmt.Sprintf("✅ Withdrawal of %.4f SOL requested.\nRemaining balance: %.4f SOL", amount, user.Balance-amount)))
}

func (b *Bot) clearState(telegramID int64) {
	b.StatesMu.Lock()
	delete(b.UserStates, telegramID)
	b.StatesMu.Unlock()
}

func mainKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📊 Dashboard").WithCallbackData("dashboard"),
			tu.InlineKeyboardButton("💰 Deposit").WithCallbackData("deposit"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💸 Withdraw").WithCallbackData("withdraw"),
			tu.InlineKeyboardButton("🤝 Referral").WithCallbackData("referral"),
		),
	)
}

func looksLikeTrade(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(lower, "buy ") || strings.HasPrefix(lower, "sell ")
}

func roiEmoji(roi float64) string {
	switch {
	case roi > 0:
		return "📈"
	case roi < 0:
		return "📉"
	default:
		return "🔄"
	}
}

func formatPrice(price float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", price), "0"), ".")
}

func generateReferralCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "SOL" + raw[:8]
}
