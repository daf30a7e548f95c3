package endpoints

import (
	"sync"
	"time"
)

// BreakerState is the operational state of a per-endpoint circuit breaker.
//
//	StateClosed   — normal operation; calls pass through.
//	StateOpen     — endpoint is failing; calls are rejected immediately.
//	StateHalfOpen — recovery probe; one call is allowed through.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// Default breaker thresholds.
const (
	breakerErrorThreshold  = 5
	breakerTimeWindow      = 60 * time.Second
	breakerHalfOpenTimeout = 30 * time.Second
)

// BreakerConfig tunes the circuit breaker. Zero values use the defaults.
type BreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int
	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration
	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe call. Default: 30s.
	HalfOpenTimeout time.Duration
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return breakerErrorThreshold
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return breakerTimeWindow
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return breakerHalfOpenTimeout
}

// endpointCB holds per-endpoint breaker state.
type endpointCB struct {
	mu sync.Mutex

	state         BreakerState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// Breaker manages independent circuit breakers per downstream endpoint so
// repeated call failures fail fast between health-probe windows. Safe for
// concurrent use.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*endpointCB
	cfg      BreakerConfig
}

// NewBreaker creates a Breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		breakers: make(map[string]*endpointCB),
		cfg:      cfg,
	}
}

// Allow reports whether the named endpoint should receive the next call.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout has elapsed, in which
//     case the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe call is currently in flight.
func (b *Breaker) Allow(endpoint string) bool {
	cb := b.get(endpoint)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.openedAt) >= b.cfg.halfOpenTimeout() {
			cb.state = StateHalfOpen
			cb.probeInflight = true
			return true
		}
		return false

	case StateHalfOpen:
		if cb.probeInflight {
			return false
		}
		cb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker for endpoint to Closed.
func (b *Breaker) RecordSuccess(endpoint string) {
	cb := b.get(endpoint)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.errorCount = 0
	cb.probeInflight = false
	cb.windowStart = time.Now()
}

// RecordFailure counts one failure for endpoint; at ErrorThreshold failures
// within TimeWindow the breaker opens.
func (b *Breaker) RecordFailure(endpoint string) {
	cb := b.get(endpoint)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if now.Sub(cb.windowStart) > b.cfg.timeWindow() {
		cb.errorCount = 0
		cb.windowStart = now
	}

	cb.errorCount++
	cb.probeInflight = false

	if cb.errorCount >= b.cfg.errorThreshold() {
		cb.state = StateOpen
		cb.openedAt = now
	}
}

// State returns the current state for endpoint (metrics export).
func (b *Breaker) State(endpoint string) BreakerState {
	cb := b.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (b *Breaker) StateLabel(endpoint string) string {
	switch b.State(endpoint) {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) get(endpoint string) *endpointCB {
	b.mu.RLock()
	cb, ok := b.breakers[endpoint]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[endpoint]; ok {
		return cb
	}
	cb = &endpointCB{state: StateClosed, windowStart: time.Now()}
	b.breakers[endpoint] = cb
	return cb
}
