// Command api is the MPS alert and notification server.
//
// Usage:
//
//	mps-api
//	STORE_DRIVER=sqlite API_PORT=8080 mps-api

// @title MPS Alerts & Notifications API
// @version 1.0.0
// @description Alert ingest with fingerprint dedup, notification fan-out to users and roles, live SSE push with replay, WhatsApp delivery with retry and circuit breaking, and provider delivery webhooks.
// @host localhost:8000
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/modplast83/Modern-MPS--sub001/internal/api"
	"github.com/modplast83/Modern-MPS--sub001/internal/api/handler"
	"github.com/modplast83/Modern-MPS--sub001/internal/cache"
	"github.com/modplast83/Modern-MPS--sub001/internal/config"
	"github.com/modplast83/Modern-MPS--sub001/internal/consumer"
	"github.com/modplast83/Modern-MPS--sub001/internal/engine"
	"github.com/modplast83/Modern-MPS--sub001/internal/maintenance"

	_ "github.com/modplast83/Modern-MPS--sub001/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	// Initialize cache
	appCache := cache.New(cfg.CacheEnabled)
	defer appCache.Close()
	logger.Info("Cache initialized", "enabled", cfg.CacheEnabled)

	// Background work runs on its own context so in-flight sends finish
	// after the HTTP server stops accepting requests.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if eng.Dispatcher != nil {
		eng.Dispatcher.Start(bgCtx)
		logger.Info("Dispatch workers started", "workers", cfg.DispatchWorkers, "provider", eng.Dispatcher.Provider())
	}

	// Start LISTEN/NOTIFY relay so every instance pushes every change
	if eng.Relay != nil {
		go eng.Relay.Start(bgCtx)
	}

	// Kafka intake for producers that do not call the HTTP API
	if cfg.KafkaBrokers != "" {
		c, err := consumer.New(cfg.KafkaBrokers, cfg.KafkaAlertsTopic, cfg.KafkaGroupID, eng.Ingest, logger)
		if err != nil {
			logger.Error("Failed to create Kafka consumer", "error", err)
			os.Exit(1)
		}
		c.SetMetrics(eng.Metrics)
		defer c.Close()
		go func() {
			if err := c.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Kafka consumer stopped", "error", err)
			}
		}()
	} else {
		logger.Info("Kafka intake disabled (no KAFKA_BROKERS)")
	}

	// Start maintenance tickers (catch-up sweep, provider health, metrics)
	tasks := maintenance.Tasks{Alerter: eng.Ingest, Metrics: eng.Metrics}
	if eng.Dispatcher != nil {
		tasks.Sweeper = eng.Dispatcher
		tasks.Circuits = eng.Dispatcher
	}
	maintCfg := maintenance.DefaultConfig()
	maintCfg.SweepInterval = cfg.SweepInterval
	maintCfg.SweepMinAge = cfg.SweepMinAge
	maintCfg.HealthWatchInterval = cfg.HealthWatchInterval
	maintCfg.MetricsInterval = cfg.MetricsInterval
	maintDone := make(chan struct{})
	go func() {
		maintenance.Start(bgCtx, tasks, maintCfg, logger)
		close(maintDone)
	}()

	// Create router
	router := api.NewRouter(handler.Deps{
		Store:      eng.Store,
		Ingest:     eng.Ingest,
		Router:     eng.Router,
		Hub:        eng.Hub,
		Reconciler: eng.Reconciler,
		Dispatcher: eng.Dispatcher,
		Cache:      appCache,
		Metrics:    eng.Metrics,
		Config:     cfg,
		Logger:     logger,
	})

	// Create HTTP server. No WriteTimeout: the push stream sets per-frame
	// write deadlines itself.
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	// Start server in background
	go func() {
		logger.Info("Starting MPS alerts API",
			"addr", addr,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout. Push streams end with ctx, so
	// Shutdown only waits for ordinary requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}

	bgCancel()
	if eng.Dispatcher != nil {
		eng.Dispatcher.Wait()
	}
	<-maintDone
	logger.Info("Server stopped")
}
