// Package dispatch delivers external-channel notifications through a WhatsApp
// provider.
//
// Rows are queued without blocking the caller and served by a fixed worker
// pool. Each delivery cycle runs under a claim lease on the row so the
// immediate path and the catch-up sweep never send the same row at once.
// Transient failures are retried with jittered exponential backoff and a
// per-provider circuit breaker stops sends to a provider that keeps failing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modplast83/Modern-MPS--sub001/internal/metrics"
	"github.com/modplast83/Modern-MPS--sub001/internal/provider"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// outcomeTimeout bounds the store writes that record a delivery outcome.
const outcomeTimeout = 5 * time.Second

// Store is the part of the notification store the dispatcher writes.
type Store interface {
	ClaimForDispatch(ctx context.Context, id string, lease time.Duration, now time.Time) (store.Notification, bool, error)
	ClaimStalePending(ctx context.Context, minAge, lease time.Duration, limit int, now time.Time) ([]store.Notification, error)
	ReleaseClaim(ctx context.Context, id string, attempts int) error
	RecordSent(ctx context.Context, id, provider, externalID string, attempts int, at time.Time) (store.Notification, bool, error)
	RecordFailed(ctx context.Context, id, reason string, attempts int, at time.Time) (store.Notification, bool, error)
}

// Publisher receives rows whose status changed.
type Publisher interface {
	Publish(ctx context.Context, n store.Notification)
}

// Alerter raises operational alerts about the messaging channel.
type Alerter interface {
	Raise(ctx context.Context, category, source, title, message string)
}

// Config sizes the worker pool and bounds each delivery.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Retry     RetryPolicy
	Breaker   BreakerConfig
	// Lease is how long a claim holds a row. Zero derives it from the
	// retry policy and timeout.
	Lease time.Duration
}

type job struct {
	n       store.Notification
	claimed bool
}

// Dispatcher sends pending external notifications.
type Dispatcher struct {
	store     Store
	client    provider.Client
	publisher Publisher
	alerter   Alerter
	metrics   *metrics.Collector
	breaker   *Breaker
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	queue chan job
	wg    sync.WaitGroup
}

// New creates a dispatcher. Start must be called before queued rows are
// served.
func New(st Store, client provider.Client, publisher Publisher, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Lease <= 0 {
		cfg.Lease = cfg.Retry.worstCase(cfg.Timeout) + 30*time.Second
	}
	return &Dispatcher{
		store:     st,
		client:    client,
		publisher: publisher,
		breaker:   NewBreaker(cfg.Breaker),
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(chan job, cfg.QueueSize),
	}
}

// SetAlerter wires the alert sink. It breaks the construction cycle between
// alert ingest and notification routing.
func (d *Dispatcher) SetAlerter(a Alerter) { d.alerter = a }

// SetMetrics wires a metrics collector.
func (d *Dispatcher) SetMetrics(m *metrics.Collector) { d.metrics = m }

// Provider returns the name of the provider rows are sent through.
func (d *Dispatcher) Provider() string { return d.client.Name() }

// Lease is how long a claim holds a row, and so the longest a send can run
// before its outcome is recorded.
func (d *Dispatcher) Lease() time.Duration { return d.cfg.Lease }

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Dispatcher started", "provider", d.client.Name(), "workers", d.cfg.Workers, "queue", d.cfg.QueueSize)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx)
		}()
	}
}

// Wait blocks until every worker has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Dispatch queues a pending external row. It never blocks: with a full queue
// the row stays pending for the sweep.
func (d *Dispatcher) Dispatch(n store.Notification) {
	if n.Channel != store.ChannelExternal || n.Status != store.StatusPending {
		return
	}
	select {
	case d.queue <- job{n: n}:
	default:
		d.metrics.Inc(metrics.DispatchQueueFull)
		d.logger.Warn("Dispatch queue full, leaving notification for sweep", "notification_id", n.ID)
	}
}

// Requeue queues a row the caller already claimed. It returns false when the
// queue is full, after releasing the claim.
func (d *Dispatcher) Requeue(ctx context.Context, n store.Notification) bool {
	select {
	case d.queue <- job{n: n, claimed: true}:
		return true
	default:
		d.metrics.Inc(metrics.DispatchQueueFull)
		if err := d.store.ReleaseClaim(ctx, n.ID, n.Attempts); err != nil {
			d.logger.Warn("Failed to release claim", "notification_id", n.ID, "error", err)
		}
		return false
	}
}

// Sweep claims pending external rows older than minAge and queues them.
// It returns how many rows were queued.
func (d *Dispatcher) Sweep(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	rows, err := d.store.ClaimStalePending(ctx, minAge, d.cfg.Lease, limit, d.now())
	if err != nil {
		return 0, fmt.Errorf("claim stale notifications: %w", err)
	}
	d.metrics.Add(metrics.SweepClaimed, uint64(len(rows)))
	queued := 0
	for _, n := range rows {
		if d.Requeue(ctx, n) {
			queued++
		}
	}
	return queued, nil
}

// DeliverStale claims pending external rows older than minAge and delivers
// them on the calling goroutine. It is the one-shot form of Sweep for
// processes that run no workers.
func (d *Dispatcher) DeliverStale(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	rows, err := d.store.ClaimStalePending(ctx, minAge, d.cfg.Lease, limit, d.now())
	if err != nil {
		return 0, fmt.Errorf("claim stale notifications: %w", err)
	}
	for _, n := range rows {
		d.Deliver(ctx, n)
	}
	return len(rows), nil
}

// Process claims a row by id and runs one delivery cycle synchronously.
func (d *Dispatcher) Process(ctx context.Context, id string) error {
	n, ok, err := d.store.ClaimForDispatch(ctx, id, d.cfg.Lease, d.now())
	if err != nil {
		return fmt.Errorf("claim notification: %w", err)
	}
	if !ok {
		d.logger.Debug("Notification not claimable", "notification_id", id, "status", n.Status)
		return nil
	}
	d.Deliver(ctx, n)
	return nil
}

// OpenCircuits lists providers whose circuit is open.
func (d *Dispatcher) OpenCircuits() []Circuit {
	return d.breaker.Open(d.now())
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			if j.claimed {
				d.Deliver(ctx, j.n)
				continue
			}
			if err := d.Process(ctx, j.n.ID); err != nil {
				d.logger.Error("Dispatch failed", "notification_id", j.n.ID, "error", err)
			}
		}
	}
}

// Deliver runs one delivery cycle for a claimed row: send, retry transient
// failures, then record the outcome. The claim is released when the cycle
// ends without an outcome (open circuit, shutdown).
func (d *Dispatcher) Deliver(ctx context.Context, n store.Notification) {
	name := d.client.Name()
	attempts := n.Attempts
	msg := provider.Message{
		NotificationID: n.ID,
		To:             n.Destination,
		Title:          n.Title,
		Body:           n.Message,
	}

	for {
		if ok, until := d.breaker.Allow(name, d.now()); !ok {
			d.metrics.Inc(metrics.DispatchDeferred)
			d.logger.Warn("Circuit open, deferring notification",
				"notification_id", n.ID, "provider", name, "until", until)
			d.release(n.ID, attempts)
			return
		}

		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		externalID, err := d.client.Send(sendCtx, msg)
		cancel()

		if err != nil && ctx.Err() != nil {
			d.release(n.ID, attempts-1)
			return
		}

		permanent := err != nil && provider.IsPermanent(err)
		if d.breaker.Record(name, d.now(), err != nil && !permanent) {
			d.circuitOpened(ctx, name, err)
		}

		if err == nil {
			d.recordSent(ctx, n.ID, name, externalID, attempts)
			return
		}
		if permanent || attempts >= d.cfg.Retry.MaxAttempts {
			d.recordFailed(ctx, n.ID, err, attempts, permanent)
			return
		}

		backoff := d.cfg.Retry.Backoff(attempts)
		d.metrics.Inc(metrics.DispatchRetried)
		d.logger.Warn("Send failed, retrying",
			"notification_id", n.ID,
			"provider", name,
			"attempt", attempts,
			"max_attempts", d.cfg.Retry.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			d.release(n.ID, attempts)
			return
		case <-time.After(backoff):
		}
	}
}

// outcomeContext detaches outcome writes from cancellation: a message the
// provider accepted must be recorded even when shutdown cancels the worker.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
}

func (d *Dispatcher) recordSent(ctx context.Context, id, name, externalID string, attempts int) {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	n, applied, err := d.store.RecordSent(ctx, id, name, externalID, attempts, d.now())
	if err != nil {
		d.logger.Error("Failed to record sent notification", "notification_id", id, "external_id", externalID, "error", err)
		return
	}
	d.metrics.Inc(metrics.DispatchSent)
	d.logger.Info("Notification sent", "notification_id", id, "provider", name, "external_id", externalID, "attempts", attempts)
	if applied {
		d.publisher.Publish(ctx, n)
	}
}

func (d *Dispatcher) recordFailed(ctx context.Context, id string, sendErr error, attempts int, permanent bool) {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	n, applied, err := d.store.RecordFailed(ctx, id, sendErr.Error(), attempts, d.now())
	if err != nil {
		d.logger.Error("Failed to record failed notification", "notification_id", id, "error", err)
		return
	}
	d.metrics.Inc(metrics.DispatchFailed)
	d.logger.Warn("Notification failed", "notification_id", id, "attempts", attempts, "permanent", permanent, "error", sendErr)
	if applied {
		d.publisher.Publish(ctx, n)
	}
}

// release hands the row back as pending. It runs on a fresh context since
// the dispatcher's may already be cancelled.
func (d *Dispatcher) release(id string, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
	defer cancel()
	if err := d.store.ReleaseClaim(ctx, id, attempts); err != nil {
		d.logger.Warn("Failed to release claim", "notification_id", id, "error", err)
	}
}

func (d *Dispatcher) circuitOpened(ctx context.Context, name string, cause error) {
	d.metrics.Inc(metrics.CircuitOpened)
	d.logger.Error("Provider circuit opened", "provider", name, "error", cause)
	if d.alerter == nil {
		return
	}
	var pe *provider.Error
	reason := cause.Error()
	if errors.As(cause, &pe) && pe.Message != "" {
		reason = pe.Message
	}
	d.alerter.Raise(ctx, "messaging", name,
		"WhatsApp provider unavailable",
		fmt.Sprintf("Sends through %s keep failing (%s). Pending messages will be retried when the circuit closes.", name, reason))
}
