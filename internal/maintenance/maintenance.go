// Package maintenance runs periodic background tasks as Go tickers: the
// catch-up sweep for undispatched external notifications, the provider
// health watch, and the metrics flush.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/dispatch"
)

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	SweepInterval       time.Duration // re-enqueue pending external rows
	SweepMinAge         time.Duration // rows younger than this belong to the immediate path
	SweepBatch          int
	HealthWatchInterval time.Duration // report open provider circuits
	MetricsInterval     time.Duration // flush counters to Redis
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:       time.Minute,
		SweepMinAge:         2 * time.Minute,
		SweepBatch:          100,
		HealthWatchInterval: time.Minute,
		MetricsInterval:     30 * time.Second,
	}
}

type Sweeper interface {
	Sweep(ctx context.Context, minAge time.Duration, limit int) (int, error)
}

type CircuitSource interface {
	OpenCircuits() []dispatch.Circuit
}

type Alerter interface {
	Raise(ctx context.Context, category, source, title, message string)
}

type Flusher interface {
	Flush(ctx context.Context) error
}

// Tasks holds the components the tickers drive. A nil field disables its
// task.
type Tasks struct {
	Sweeper  Sweeper
	Circuits CircuitSource
	Alerter  Alerter
	Metrics  Flusher
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, tasks Tasks, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"sweep", cfg.SweepInterval,
		"health_watch", cfg.HealthWatchInterval,
		"metrics", cfg.MetricsInterval)

	tickers := make([]*time.Ticker, 0, 3)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.SweepInterval > 0 && tasks.Sweeper != nil {
		t := time.NewTicker(cfg.SweepInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { Sweep(ctx, tasks.Sweeper, cfg, logger) })
	}

	if cfg.HealthWatchInterval > 0 && tasks.Circuits != nil && tasks.Alerter != nil {
		t := time.NewTicker(cfg.HealthWatchInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { WatchCircuits(ctx, tasks.Circuits, tasks.Alerter, logger) })
	}

	if cfg.MetricsInterval > 0 && tasks.Metrics != nil {
		t := time.NewTicker(cfg.MetricsInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { flushMetrics(ctx, tasks.Metrics, logger) })
	}

	<-ctx.Done()
	if tasks.Metrics != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		flushMetrics(flushCtx, tasks.Metrics, logger)
		cancel()
	}
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// Sweep re-enqueues external notifications whose immediate dispatch never
// happened: queue full, process restart, or an open circuit.
func Sweep(ctx context.Context, s Sweeper, cfg Config, logger *slog.Logger) int {
	n, err := s.Sweep(ctx, cfg.SweepMinAge, cfg.SweepBatch)
	if err != nil {
		logger.Warn("Sweep: failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("Sweep: re-enqueued pending notifications", "count", n)
	}
	return n
}

// WatchCircuits raises one messaging alert per open provider circuit. Alert
// dedup folds repeats into the active alert's occurrence count.
func WatchCircuits(ctx context.Context, src CircuitSource, alerter Alerter, logger *slog.Logger) int {
	open := src.OpenCircuits()
	for _, c := range open {
		logger.Warn("Health watch: provider circuit open",
			"provider", c.Provider, "failures", c.Failures, "until", c.OpenUntil)
		alerter.Raise(ctx, "messaging", c.Provider,
			"WhatsApp provider unavailable",
			fmt.Sprintf("%s circuit open after %d consecutive failures, retrying after %s.",
				c.Provider, c.Failures, c.OpenUntil.Format(time.RFC3339)))
	}
	return len(open)
}

func flushMetrics(ctx context.Context, f Flusher, logger *slog.Logger) {
	if err := f.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Metrics flush failed", "error", err)
	}
}
