// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/api and cmd/mpsctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Store drivers
// --------------------------------------------------------------------------

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// --------------------------------------------------------------------------
// Config is populated from environment variables.
// --------------------------------------------------------------------------

type Config struct {
	// Store
	StoreDriver    string // postgres | sqlite
	DatabaseURL    string
	SQLitePath     string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// Session auth (tokens are issued by the main application)
	JWTSecret string

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Push stream
	PushReplayLimit       int
	PushBufferSize        int
	PushHeartbeatInterval time.Duration
	PushWriteTimeout      time.Duration

	// External dispatch
	DispatchWorkers       int
	DispatchQueueSize     int
	DispatchTimeout       time.Duration
	DispatchMaxAttempts   int
	DispatchBackoffBase   time.Duration
	DispatchBackoffMax    time.Duration
	BreakerTripFailures   int
	BreakerCooldown       time.Duration
	BreakerMaxCooldown    time.Duration
	ProviderRatePerSecond int

	// WhatsApp provider selection: meta | twilio
	WhatsAppProvider string

	// Meta WhatsApp Cloud API
	MetaAccessToken   string
	MetaPhoneNumberID string
	MetaAppSecret     string
	MetaVerifyToken   string
	MetaAPIVersion    string
	MetaBaseURL       string

	// Twilio WhatsApp
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFrom        string
	TwilioVerifyToken string
	TwilioBaseURL     string

	// PublicBaseURL is the externally visible origin, used to build
	// provider callback URLs and verify Twilio signatures.
	PublicBaseURL string

	// Alert fan-out
	AlertExternalMinSeverity string

	// Kafka ingest (disabled when brokers are empty)
	KafkaBrokers     string
	KafkaAlertsTopic string
	KafkaGroupID     string

	// Redis (disabled when empty)
	RedisURL string

	// Maintenance
	SweepInterval       time.Duration
	SweepMinAge         time.Duration
	HealthWatchInterval time.Duration
	MetricsInterval     time.Duration

	// Cache
	CacheEnabled bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	driver := strings.ToLower(envOr("STORE_DRIVER", DriverPostgres))
	dbURL := envOr("DATABASE_URL", "")

	switch driver {
	case DriverPostgres:
		if dbURL == "" {
			return nil, fmt.Errorf("DATABASE_URL must be set when STORE_DRIVER=postgres")
		}
	case DriverSQLite:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want postgres or sqlite)", driver)
	}

	cfg := &Config{
		StoreDriver:    driver,
		DatabaseURL:    dbURL,
		SQLitePath:     envOr("SQLITE_PATH", "mps-alerts.db"),
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		JWTSecret: envOr("JWT_SECRET", ""),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 300),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		PushReplayLimit:       envInt("PUSH_REPLAY_LIMIT", 50),
		PushBufferSize:        envInt("PUSH_BUFFER_SIZE", 64),
		PushHeartbeatInterval: envDuration("PUSH_HEARTBEAT_INTERVAL", 25*time.Second),
		PushWriteTimeout:      envDuration("PUSH_WRITE_TIMEOUT", 10*time.Second),

		DispatchWorkers:       envInt("DISPATCH_WORKERS", 4),
		DispatchQueueSize:     envInt("DISPATCH_QUEUE_SIZE", 256),
		DispatchTimeout:       envDuration("DISPATCH_TIMEOUT", 15*time.Second),
		DispatchMaxAttempts:   envInt("DISPATCH_MAX_ATTEMPTS", 4),
		DispatchBackoffBase:   envDuration("DISPATCH_BACKOFF_BASE", 500*time.Millisecond),
		DispatchBackoffMax:    envDuration("DISPATCH_BACKOFF_MAX", 10*time.Second),
		BreakerTripFailures:   envInt("BREAKER_TRIP_FAILURES", 5),
		BreakerCooldown:       envDuration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerMaxCooldown:    envDuration("BREAKER_MAX_COOLDOWN", 5*time.Minute),
		ProviderRatePerSecond: envInt("PROVIDER_RATE_PER_SECOND", 20),

		WhatsAppProvider: strings.ToLower(envOr("WHATSAPP_PROVIDER", "meta")),

		MetaAccessToken:   envOr("META_ACCESS_TOKEN", ""),
		MetaPhoneNumberID: envOr("META_PHONE_NUMBER_ID", ""),
		MetaAppSecret:     envOr("META_APP_SECRET", ""),
		MetaVerifyToken:   envOr("META_VERIFY_TOKEN", ""),
		MetaAPIVersion:    envOr("META_API_VERSION", "v21.0"),
		MetaBaseURL:       envOr("META_BASE_URL", "https://graph.facebook.com"),

		TwilioAccountSID:  envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:        envOr("TWILIO_WHATSAPP_FROM", ""),
		TwilioVerifyToken: envOr("TWILIO_VERIFY_TOKEN", ""),
		TwilioBaseURL:     envOr("TWILIO_BASE_URL", "https://api.twilio.com"),

		PublicBaseURL: strings.TrimRight(envOr("PUBLIC_BASE_URL", ""), "/"),

		AlertExternalMinSeverity: strings.ToLower(envOr("ALERT_EXTERNAL_MIN_SEVERITY", "high")),

		KafkaBrokers:     envOr("KAFKA_BROKERS", ""),
		KafkaAlertsTopic: envOr("KAFKA_ALERTS_TOPIC", "mps.alerts.raw"),
		KafkaGroupID:     envOr("KAFKA_GROUP_ID", "mps-alert-ingest"),

		RedisURL: envOr("REDIS_URL", ""),

		SweepInterval:       envDuration("SWEEP_INTERVAL", time.Minute),
		SweepMinAge:         envDuration("SWEEP_MIN_AGE", 2*time.Minute),
		HealthWatchInterval: envDuration("HEALTH_WATCH_INTERVAL", time.Minute),
		MetricsInterval:     envDuration("METRICS_INTERVAL", 30*time.Second),

		CacheEnabled: envBool("CACHE_ENABLED", true),
	}

	switch cfg.WhatsAppProvider {
	case "meta", "twilio":
	default:
		return nil, fmt.Errorf("unknown WHATSAPP_PROVIDER %q (want meta or twilio)", cfg.WhatsAppProvider)
	}
	if cfg.IsProduction() && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	return cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// MetaConfigured reports whether outbound Meta credentials are present.
func (c *Config) MetaConfigured() bool {
	return c.MetaAccessToken != "" && c.MetaPhoneNumberID != ""
}

// TwilioConfigured reports whether outbound Twilio credentials are present.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != ""
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("30s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
