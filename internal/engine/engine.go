// Package engine assembles the alert and notification components from
// configuration. Both binaries build on it so the API server and the admin
// CLI wire stores, providers and relays the same way.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/modplast83/Modern-MPS--sub001/internal/alerts"
	"github.com/modplast83/Modern-MPS--sub001/internal/config"
	"github.com/modplast83/Modern-MPS--sub001/internal/db"
	"github.com/modplast83/Modern-MPS--sub001/internal/dispatch"
	"github.com/modplast83/Modern-MPS--sub001/internal/listener"
	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
	"github.com/modplast83/Modern-MPS--sub001/internal/notifications"
	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/provider/meta"
	"github.com/modplast83/Modern-MPS--sub001/internal/provider/twilio"
	"github.com/modplast83/Modern-MPS--sub001/internal/push"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
	"github.com/modplast83/Modern-MPS--sub001/internal/store/postgres"
	"github.com/modplast83/Modern-MPS--sub001/internal/store/sqlite"
	"github.com/modplast83/Modern-MPS--sub001/internal/webhook"
)

// Publisher fans changed rows out to push connections.
type Publisher interface {
	Publish(ctx context.Context, n store.Notification)
}

// Engine holds the assembled components.
type Engine struct {
	Config  *config.Config
	Store   store.Store
	Pool    *db.Pool      // nil with the SQLite driver
	Redis   *redis.Client // nil without REDIS_URL
	Metrics *metrics.Collector
	Hub     *push.Hub
	// Relay is the cross-instance publisher; nil with the SQLite driver,
	// where the hub is the publisher.
	Relay      *listener.Relay
	Publisher  Publisher
	Ingest     *alerts.Ingest
	Router     *notifications.Router
	Dispatcher *dispatch.Dispatcher // nil when no provider is configured
	Reconciler *webhook.Reconciler

	logger *slog.Logger
}

// Open connects the store and wires every component. Nothing is started;
// the caller runs the dispatcher, relay and maintenance it needs.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{Config: cfg, logger: logger}

	if err := e.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		e.Redis = redis.NewClient(opts)
		if err := e.Redis.Ping(ctx).Err(); err != nil {
			e.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("Redis connected", "addr", opts.Addr)
	}
	e.Metrics = metrics.NewCollector(instanceName(), e.Redis)

	e.Hub = push.NewHub(cfg.PushBufferSize)
	e.Publisher = e.Hub
	if e.Pool != nil {
		e.Relay = listener.NewRelay(cfg.DatabaseURL, e.Store, e.Hub, logger)
		e.Publisher = e.Relay
	}

	var locker alerts.Locker
	if e.Redis != nil {
		locker = alerts.NewRedisLocker(e.Redis)
	}
	e.Ingest = alerts.New(e.Store, locker, logger)
	e.Ingest.SetMetrics(e.Metrics)

	client := NewProviderClient(cfg, logger)
	if client != nil {
		e.Dispatcher = dispatch.New(e.Store, client, e.Publisher, dispatch.Config{
			Workers:   cfg.DispatchWorkers,
			QueueSize: cfg.DispatchQueueSize,
			Timeout:   cfg.DispatchTimeout,
			Retry: dispatch.RetryPolicy{
				MaxAttempts: cfg.DispatchMaxAttempts,
				Base:        cfg.DispatchBackoffBase,
				Max:         cfg.DispatchBackoffMax,
			},
			Breaker: dispatch.BreakerConfig{
				Trip: cfg.BreakerTripFailures,
				Base: cfg.BreakerCooldown,
				Max:  cfg.BreakerMaxCooldown,
			},
		}, logger)
		e.Dispatcher.SetAlerter(e.Ingest)
		e.Dispatcher.SetMetrics(e.Metrics)
		logger.Info("WhatsApp delivery enabled", "provider", client.Name())
	} else {
		logger.Warn("WhatsApp delivery disabled (no provider credentials)", "provider", cfg.WhatsAppProvider)
	}

	severity, err := store.ParseSeverity(cfg.AlertExternalMinSeverity)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("ALERT_EXTERNAL_MIN_SEVERITY: %w", err)
	}
	opts := []notifications.Option{
		notifications.WithExternalMinSeverity(severity),
		notifications.WithMetrics(e.Metrics),
	}
	if e.Dispatcher != nil {
		e.Router = notifications.NewRouter(e.Store, e.Publisher, e.Dispatcher, logger, opts...)
	} else {
		// A nil *Dispatcher in the interface would not compare equal to nil.
		e.Router = notifications.NewRouter(e.Store, e.Publisher, nil, logger, opts...)
	}
	e.Ingest.SetNotifier(e.Router)

	e.Reconciler = webhook.New(e.Store, e.Publisher, logger,
		meta.NewWebhook(cfg.MetaAppSecret, cfg.MetaVerifyToken),
		twilio.NewWebhook(cfg.TwilioAuthToken, cfg.TwilioVerifyToken),
	)
	e.Reconciler.SetAlerter(e.Ingest)
	e.Reconciler.SetMetrics(e.Metrics)
	if e.Dispatcher != nil {
		e.Reconciler.SetSettleWindow(e.Dispatcher.Lease())
	}

	return e, nil
}

func (e *Engine) openStore(ctx context.Context) error {
	cfg := e.Config
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		e.logger.Info("Connecting to database...")
		if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		e.Pool = pool
		e.Store = postgres.New(pool)
		e.logger.Info("Database connected",
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		e.Store = st
		e.logger.Info("SQLite store opened", "path", cfg.SQLitePath)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return nil
}

// NewProviderClient returns the configured WhatsApp client, or nil when the
// selected provider has no credentials.
func NewProviderClient(cfg *config.Config, logger *slog.Logger) provider.Client {
	switch cfg.WhatsAppProvider {
	case meta.Name:
		if cfg.MetaConfigured() {
			return meta.NewClient(cfg.MetaBaseURL, cfg.MetaAPIVersion, cfg.MetaPhoneNumberID,
				cfg.MetaAccessToken, cfg.ProviderRatePerSecond, logger)
		}
	case twilio.Name:
		if cfg.TwilioConfigured() {
			callback := ""
			if cfg.PublicBaseURL != "" {
				callback = cfg.PublicBaseURL + "/api/webhooks/" + twilio.Name
			}
			return twilio.NewClient(cfg.TwilioBaseURL, cfg.TwilioAccountSID, cfg.TwilioAuthToken,
				cfg.TwilioFrom, callback, cfg.ProviderRatePerSecond, logger)
		}
	}
	return nil
}

// Close releases Redis and the store.
func (e *Engine) Close() {
	if e.Redis != nil {
		if err := e.Redis.Close(); err != nil {
			e.logger.Warn("Redis close failed", "error", err)
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			e.logger.Warn("Store close failed", "error", err)
		}
	}
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mps"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
