package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flash-reservation/internal/config"
	"flash-reservation/internal/notify"
	"flash-reservation/internal/queue"
	"flash-reservation/internal/search"
	"flash-reservation/internal/worker"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	searchClient, err := search.New(cfg.ElasticsearchURL)
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "lifecycle", "error", err)
		os.Exit(1)
	}

	notifier, err := notify.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "lifecycle", "error", err)
		os.Exit(1)
	}

	events := queue.NewLifecycleConsumer(cfg.KafkaBrokers, cfg.LifecycleTopic, cfg.ConsumerGroup+"-lifecycle")

	// ── Run ────────────────────────────────────────────────────────────────────

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(events, searchClient, notifier)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", "component", "lifecycle", "error", err)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────

	events.Close()
	notifier.Close()

	slog.Info("lifecycle worker stopped", "component", "lifecycle")
}
