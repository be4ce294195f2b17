package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	BotToken      string

	// Telegram IDs allowed to broadcast trades and adjust balances.
	AdminIDs []int64

	// Allocation policy.
	DustThreshold     float64
	ReferralRewardPct float64

	// Whether a Sell with no matching open Buy fabricates a synthetic entry
	// price instead of being rejected, and the ROI it assumes.
	AllowSyntheticEntry bool
	SyntheticROI        float64

	// Ops HTTP server (health, stats, deposit webhook).
	OpsPort             string
	DepositAllowedCIDRs []string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "memesol_bot"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),

		AdminIDs: getEnvInt64List("ADMIN_TELEGRAM_IDS"),

		DustThreshold:     getEnvFloat("TRADE_DUST_THRESHOLD", 1e-6),
		ReferralRewardPct: getEnvFloat("REFERRAL_REWARD_PCT", 5.0),

		AllowSyntheticEntry: getEnvBool("TRADE_ALLOW_SYNTHETIC_ENTRY", false),
		SyntheticROI:        getEnvFloat("TRADE_SYNTHETIC_ROI", 8.0),

		OpsPort:             getEnv("OPS_PORT", "8080"),
		DepositAllowedCIDRs: getEnvList("DEPOSIT_ALLOWED_CIDRS"),
	}
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Invalid float for %s, using default %v", key, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Printf("Invalid bool for %s, using default %v", key, fallback)
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvInt64List(key string) []int64 {
	var ids []int64
	for _, p := range getEnvList(key) {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			log.Printf("Skipping invalid telegram id in %s: %q", key, p)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
