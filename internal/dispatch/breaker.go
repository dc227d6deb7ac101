package dispatch

import (
	"sort"
	"sync"
	"time"
)

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	// Trip is the number of consecutive failures that opens the circuit.
	// Negative disables the breaker.
	Trip       int
	Base       time.Duration
	Max        time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.Base <= 0 {
		c.Base = 30 * time.Second
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 10 * time.Minute
	}
	return c
}

type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
	// trialUntil is set while the single half-open trial send is out. The
	// slot frees itself after Base in case the trial never reports back.
	trialUntil time.Time
}

// Breaker is a consecutive-failure circuit breaker keyed by provider name.
//
// On success the failures reset and the circuit closes. On failure the count
// grows and, once it reaches Trip, the circuit opens for Base doubled per
// extra failure, capped at Max. When the open window ends the circuit is
// half-open: one caller is let through as a trial and the rest are refused
// until that trial's result is recorded. A failure older than ResetAfter is
// forgotten.
type Breaker struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[string]*circuitState
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), m: make(map[string]*circuitState)}
}

func (b *Breaker) enabled() bool { return b != nil && b.cfg.Trip > 0 }

// state returns the circuit for key. Caller holds mu.
func (b *Breaker) state(key string, now time.Time) *circuitState {
	st := b.m[key]
	if st == nil {
		st = &circuitState{}
		b.m[key] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
		st.trialUntil = time.Time{}
	}
	return st
}

// Allow reports whether a send may go out now. When it may not, the time the
// circuit closes again is returned.
func (b *Breaker) Allow(key string, now time.Time) (bool, time.Time) {
	if !b.enabled() {
		return true, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return false, st.openUntil
	}
	if st.fails >= b.cfg.Trip {
		if now.Before(st.trialUntil) {
			return false, st.trialUntil
		}
		st.trialUntil = now.Add(b.cfg.Base)
	}
	return true, time.Time{}
}

// Record feeds one send result into the breaker. opened is true when this
// failure moved the circuit from closed to open.
func (b *Breaker) Record(key string, now time.Time, failed bool) (opened bool) {
	if !b.enabled() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(key, now)
	st.trialUntil = time.Time{}
	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return false
	}

	wasOpen := !st.openUntil.IsZero() && now.Before(st.openUntil)
	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.Trip {
		return false
	}

	d := b.cfg.Base
	for i := 0; i < st.fails-b.cfg.Trip; i++ {
		d *= 2
		if d >= b.cfg.Max {
			break
		}
	}
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	st.openUntil = now.Add(d)
	return !wasOpen
}

// Circuit describes one open circuit.
type Circuit struct {
	Provider  string    `json:"provider"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until"`
}

// Open lists circuits open at now, sorted by provider.
func (b *Breaker) Open(now time.Time) []Circuit {
	if !b.enabled() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Circuit
	for key, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			out = append(out, Circuit{Provider: key, Failures: st.fails, OpenUntil: st.openUntil})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
