package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flash-reservation/internal/api"
	"flash-reservation/internal/cache"
	"flash-reservation/internal/config"
	"flash-reservation/internal/database"
	"flash-reservation/internal/queue"
	"flash-reservation/internal/reserve"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.New(cfg.RedisAddr, cfg.StockCacheTTL, cfg.RejectCacheTTL)
	if err != nil {
		slog.Error("redis connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	publisher := queue.NewPublisher(cfg.KafkaBrokers, cfg.RequestsTopic, cfg.LifecycleTopic)

	// ── Engine surface ─────────────────────────────────────────────────────────

	submitter := reserve.NewSubmitter(db, redisClient, publisher)
	poller := reserve.NewPoller(db, redisClient,
		cfg.PollMaxAttempts, cfg.PollInitial, cfg.PollMax, cfg.PollBackoffAfter)

	// ── HTTP server ────────────────────────────────────────────────────────────

	h := &api.Handler{
		DB:        db,
		Submitter: submitter,
		Poller:    poller,
		Cache:     redisClient,
		Queue:     publisher,
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second, // must outlast the 1s poll budget with room to spare
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api started", "component", "api", "port", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "api", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Shutdown order matters:
	//  1. Stop accepting new HTTP requests (srv.Shutdown) — in-flight polls finish.
	//  2. Close infrastructure clients in reverse init order.

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received", "component", "api")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "api", "error", err)
	}

	publisher.Close()
	redisClient.Close()
	db.Conn.Close()

	slog.Info("shutdown complete", "component", "api")
}
