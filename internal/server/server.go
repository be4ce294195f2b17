package server

import (
	"context"
	"errors"
	"log"
	"time"

	"memesol-bot/internal/config"
	"memesol-bot/internal/ledger"
	"memesol-bot/internal/performance"
	"memesol-bot/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server exposes the operational HTTP surface: health, stats and the
// deposit webhook used by the on-chain payment monitor.
type Server struct {
	app        *fiber.App
	repo       *ledger.Repository
	rdb        *redis.Client
	aggregator *performance.Aggregator
	cfg        *config.Config
}

type depositRequest struct {
	TelegramID int64   `json:"telegram_id"`
	Amount     float64 `json:"amount"`
	TxHash     string  `json:"tx_hash"`
}

func NewServer(cfg *config.Config, repo *ledger.Repository, rdb *redis.Client, aggregator *performance.Aggregator) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
	})

	s := &Server{
		app:        app,
		repo:       repo,
		rdb:        rdb,
		aggregator: aggregator,
		cfg:        cfg,
	}

	app.Get("/health", s.handleHealth)
	app.Get("/stats", s.handleStats)
	app.Post("/webhook/deposit", s.handleDepositWebhook)

	return s
}

func (s *Server) Listen() error {
	return s.app.Listen(":" + s.cfg.OpsPort)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"db":     err.Error(),
		})
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"redis":  err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	users, err := s.repo.CountUsers(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
	}
	transactions, err := s.repo.CountTransactions(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
	}
	return c.JSON(fiber.Map{
		"users":        users,
		"transactions": transactions,
	})
}

// handleDepositWebhook credits a confirmed on-chain deposit. The monitor may
// redeliver, so a replayed tx_hash answers 409 without touching balances.
func (s *Server) handleDepositWebhook(c *fiber.Ctx) error {
	if !utils.IsAllowedIP(c.IP(), s.cfg.DepositAllowedCIDRs) {
		log.Printf("Deposit webhook rejected for IP %s", c.IP())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}

	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.TelegramID == 0 || req.Amount <= 0 || req.TxHash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "telegram_id, amount and tx_hash are required"})
	}

	user, err := s.repo.GetUserByTelegramID(c.Context(), req.TelegramID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown telegram_id"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup failed"})
	}

	txn, err := s.repo.RecordDeposit(c.Context(), user.ID, req.Amount, req.TxHash)
	if errors.Is(err, ledger.ErrDuplicate) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"status": "duplicate", "tx_hash": req.TxHash})
	}
	if err != nil {
		log.Printf("Webhook deposit failed for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "deposit failed"})
	}

	s.aggregator.InvalidateCache(c.Context(), user.ID)
	log.Printf("Webhook deposit of %.4f SOL credited to user %d (tx %s)", req.Amount, user.ID, req.TxHash)
	return c.JSON(fiber.Map{
		"status":  "credited",
		"amount":  txn.Amount,
		"tx_hash": txn.TxHash,
	})
}
