// Package metrics counts engine events in process and, when Redis is
// configured, publishes snapshots so every instance can be read from one place.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for instance snapshots.
	KeyPrefix = "mps:metrics:"
	// TTL is how long a snapshot stays in Redis if not refreshed.
	TTL = 2 * time.Minute
)

// Counter names.
const (
	AlertsSubmitted      = "alerts_submitted"
	AlertsCreated        = "alerts_created"
	AlertsEscalated      = "alerts_escalated"
	NotificationsCreated = "notifications_created"
	DispatchSent         = "dispatch_sent"
	DispatchFailed       = "dispatch_failed"
	DispatchRetried      = "dispatch_retried"
	DispatchDeferred     = "dispatch_deferred"
	DispatchQueueFull    = "dispatch_queue_full"
	CircuitOpened        = "circuit_opened"
	WebhookRejected      = "webhook_rejected"
	WebhookStatusApplied = "webhook_status_applied"
	WebhookStatusIgnored = "webhook_status_ignored"
	InboundRecorded      = "inbound_recorded"
	EventsConsumed       = "events_consumed"
	EventsInvalid        = "events_invalid"
	SweepClaimed         = "sweep_claimed"
)

// Snapshot is one instance's counters at a point in time.
type Snapshot struct {
	Instance      string            `json:"instance"`
	StartedAt     time.Time         `json:"started_at"`
	TakenAt       time.Time         `json:"taken_at"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Counters      map[string]uint64 `json:"counters"`
}

// Collector holds named monotonic counters. A nil *Collector is valid and
// counts nothing, so components can run without metrics in tests.
type Collector struct {
	instance  string
	redis     *redis.Client
	startedAt time.Time

	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
}

// NewCollector creates a collector. redisClient may be nil.
func NewCollector(instance string, redisClient *redis.Client) *Collector {
	return &Collector{
		instance:  instance,
		redis:     redisClient,
		startedAt: time.Now().UTC(),
		counters:  make(map[string]*atomic.Uint64),
	}
}

// Inc increments a counter by one.
func (c *Collector) Inc(name string) { c.Add(name, 1) }

// Add adds value to a counter.
func (c *Collector) Add(name string, value uint64) {
	if c == nil || value == 0 {
		return
	}
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if counter, ok = c.counters[name]; !ok {
			counter = &atomic.Uint64{}
			c.counters[name] = counter
		}
		c.mu.Unlock()
	}
	counter.Add(value)
}

// Get returns the current value of a counter.
func (c *Collector) Get(name string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if counter, ok := c.counters[name]; ok {
		return counter.Load()
	}
	return 0
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now().UTC()
	if c == nil {
		return Snapshot{TakenAt: now, Counters: map[string]uint64{}}
	}
	c.mu.RLock()
	counters := make(map[string]uint64, len(c.counters))
	for name, counter := range c.counters {
		counters[name] = counter.Load()
	}
	c.mu.RUnlock()

	return Snapshot{
		Instance:      c.instance,
		StartedAt:     c.startedAt,
		TakenAt:       now,
		UptimeSeconds: int64(now.Sub(c.startedAt).Seconds()),
		Counters:      counters,
	}
}

// Flush writes the snapshot to Redis. Without a client it does nothing.
func (c *Collector) Flush(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return nil
	}
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := c.redis.Set(ctx, KeyPrefix+c.instance, data, TTL).Err(); err != nil {
		return fmt.Errorf("write metrics to redis: %w", err)
	}
	return nil
}

// ReadAll returns every instance snapshot currently in Redis, sorted by
// instance name.
func ReadAll(ctx context.Context, client *redis.Client) ([]Snapshot, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, KeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan metrics keys: %w", err)
		}
		keys = append(keys, batch...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	out := make([]Snapshot, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}
