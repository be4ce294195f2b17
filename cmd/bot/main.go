package main

import (
	"log"

	"memesol-bot/internal/bot"
	"memesol-bot/internal/config"
	"memesol-bot/internal/database"
	"memesol-bot/internal/ledger"
	"memesol-bot/internal/performance"
	"memesol-bot/internal/server"
	"memesol-bot/internal/trade"
	"memesol-bot/internal/worker"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()

	// Connect to Database
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	// Connect to Redis
	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	repo := ledger.NewRepository(db)

	matcher := trade.NewMatcher(repo, trade.MatcherConfig{
		AllowSyntheticEntry: cfg.AllowSyntheticEntry,
		SyntheticROI:        cfg.SyntheticROI,
	})
	allocator := trade.NewAllocator(repo, rdb, trade.AllocatorConfig{
		DustThreshold:     cfg.DustThreshold,
		ReferralRewardPct: cfg.ReferralRewardPct,
	})
	aggregator := performance.NewAggregator(repo, rdb)

	tgBot, err := bot.NewBot(cfg, repo, matcher, allocator, aggregator)
	if err != nil {
		log.Fatalf("Could not create bot: %v", err)
	}

	rollup := worker.NewRollup(repo, aggregator)
	rollup.Start()
	defer rollup.Stop()

	ops := server.NewServer(cfg, repo, rdb, aggregator)
	go func() {
		if err := ops.Listen(); err != nil {
			log.Fatalf("Ops server stopped: %v", err)
		}
	}()

	log.Println("Service started successfully")
	tgBot.Start()
}
