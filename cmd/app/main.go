package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto_mm/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(os.Getenv("CRYPTO_CONFIG")); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 2. Pprof + metrics server (localhost only by default)
	http.Handle("/metrics", bootstrap.Metrics.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("🕵️ Pprof/metrics server started", slog.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Pprof/metrics server failed", slog.Any("error", err))
		}
	}()

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Feed
	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("Failed to start", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	// 5. Market maker loop; returns after cancelling open buys
	slog.InfoContext(ctx, "✨ crypto_mm fully operational. Press Ctrl+C to exit.")
	runErr := bootstrap.MarketMaker.Run(ctx)
	if runErr != nil {
		slog.Error("Market maker stopped with error", slog.Any("error", runErr))
	}

	slog.Info("👋 Shutting down gracefully...")
	if err := bootstrap.Close(); err != nil {
		slog.Error("Shutdown incomplete", slog.Any("error", err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if runErr != nil {
		os.Exit(1)
	}
}
