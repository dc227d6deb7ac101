// Package push keeps the registry of live push connections and streams
// notifications to them over server-sent events.
//
// Publishing never blocks: each connection owns a bounded queue and the
// oldest queued item is dropped when it overflows. A client that misses
// items recovers them through the replay sent on reconnect.
package push

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/modplast83/Modern-MPS--sub001/internal/store"
)

// Hub is the connection registry. It is safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Conn]struct{}
	bufferSize int

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int   `json:"connections"`
	Users       int   `json:"users"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		conns:      make(map[string]map[*Conn]struct{}),
		bufferSize: bufferSize,
	}
}

// Register adds a connection for userID.
func (h *Hub) Register(userID string) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		ready:  make(chan struct{}, 1),
		limit:  h.bufferSize,
		hub:    h,
	}

	h.mu.Lock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Unregister removes c and discards anything still queued for it. Calling it
// twice is harmless.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.UserID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Publish queues n for every live connection of its recipient.
func (h *Hub) Publish(_ context.Context, n store.Notification) {
	if n.RecipientID == "" {
		return
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[n.RecipientID] {
		if c.enqueue(n) {
			h.dropped.Add(1)
		}
	}
}

// Connected reports whether userID has at least one live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{Users: len(h.conns)}
	for _, set := range h.conns {
		s.Connections += len(set)
	}
	h.mu.RUnlock()

	s.Published = h.published.Load()
	s.Delivered = h.delivered.Load()
	s.Dropped = h.dropped.Load()
	return s
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// Conn is one registered push connection.
type Conn struct {
	ID     string
	UserID string

	mu     sync.Mutex
	queue  []store.Notification
	limit  int
	closed bool
	ready  chan struct{}
	hub    *Hub
}

// enqueue appends n, dropping the oldest item when full. Reports whether an
// item was dropped. Items for a closed connection are discarded.
func (c *Conn) enqueue(n store.Notification) (dropped bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= c.limit {
		c.queue = c.queue[1:]
		dropped = true
	}
	c.queue = append(c.queue, n)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Ready is signalled when the queue becomes non-empty.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Drain takes everything queued, in publish order.
func (c *Conn) Drain() []store.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	if len(out) > 0 {
		c.hub.delivered.Add(int64(len(out)))
	}
	return out
}

func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
}
