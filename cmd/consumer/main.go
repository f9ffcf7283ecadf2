package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flash-reservation/internal/cache"
	"flash-reservation/internal/config"
	"flash-reservation/internal/consumer"
	"flash-reservation/internal/database"
	"flash-reservation/internal/queue"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "consumer", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.New(cfg.RedisAddr, cfg.StockCacheTTL, cfg.RejectCacheTTL)
	if err != nil {
		slog.Error("redis connect failed", "component", "consumer", "error", err)
		os.Exit(1)
	}

	publisher := queue.NewPublisher(cfg.KafkaBrokers, cfg.RequestsTopic, cfg.LifecycleTopic)
	requests := queue.NewConsumer(cfg.KafkaBrokers, cfg.RequestsTopic, cfg.ConsumerGroup)

	// ── Expiry sweeper ─────────────────────────────────────────────────────────
	//
	// The sweeper shares the publisher: expired holds re-enter the log as
	// EXPIRE commands keyed by sku, so this process's engine (or a peer that
	// owns the partition) applies them under the single-writer rule.

	sweeper := consumer.StartSweeper(db, publisher, cfg.SweeperInterval)

	// ── Run ────────────────────────────────────────────────────────────────────
	//
	// ctx is cancelled on SIGINT/SIGTERM, which causes Run to finish the
	// in-flight batch and return cleanly before we close connections.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcomes := consumer.NewOutcomeWriter(redisClient, publisher)
	engine := consumer.New(requests, db, outcomes, cfg.BatchSize, cfg.BatchWait, cfg.HoldDuration)
	if err := engine.Run(ctx); err != nil {
		slog.Error("engine error", "component", "consumer", "error", err)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Run() has returned — the batch loop is done.
	// Stop the sweeper, then close connections in reverse init order.

	<-sweeper.Stop().Done()
	slog.Info("sweeper stopped", "component", "consumer")

	requests.Close()
	publisher.Close()
	redisClient.Close()
	db.Conn.Close()

	slog.Info("consumer stopped", "component", "consumer")
}
