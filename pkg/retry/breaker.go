package retry

import (
	"sync"
	"time"
)

// Breaker states reported by BreakerSet.State.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// breakerState tracks one agent's failures. Zero value is a closed breaker.
type breakerState struct {
	failures    int
	lastFailure time.Time
	probing     bool
}

// BreakerSet keeps one circuit breaker per agent name. Constructed explicitly
// and injected, never a package global, so tests get fresh instances.
//
// A breaker opens after threshold consecutive failures. While open, Allow
// returns false until timeout has elapsed since the last failure; then the
// breaker half-opens and admits a single probe call. A recorded success
// closes it; a recorded failure re-opens it for another full window.
type BreakerSet struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	now       func() time.Time
	breakers  map[string]*breakerState
}

// NewBreakerSet creates a breaker set with the given open threshold and
// open-state duration.
func NewBreakerSet(threshold int, timeout time.Duration) *BreakerSet {
	return &BreakerSet{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		breakers:  make(map[string]*breakerState),
	}
}

// Allow reports whether agent may be invoked. While open it returns false;
// once the open window elapses it returns true exactly once (the half-open
// probe) until that probe records a result.
func (b *BreakerSet) Allow(agent string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.breakers[agent]
	if !ok || st.failures < b.threshold {
		return true
	}
	if b.now().Sub(st.lastFailure) < b.timeout {
		return false
	}
	// Half-open: only one probe in flight.
	if st.probing {
		return false
	}
	st.probing = true
	return true
}

// RecordFailure increments agent's consecutive failure count.
func (b *BreakerSet) RecordFailure(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.breakers[agent]
	if !ok {
		st = &breakerState{}
		b.breakers[agent] = st
	}
	st.failures++
	st.lastFailure = b.now()
	st.probing = false
}

// RecordSuccess closes agent's breaker and resets its counter.
func (b *BreakerSet) RecordSuccess(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, agent)
}

// State returns closed, open, or half_open for agent. Used by health
// reporting.
func (b *BreakerSet) State(agent string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.breakers[agent]
	if !ok || st.failures < b.threshold {
		return BreakerClosed
	}
	if b.now().Sub(st.lastFailure) >= b.timeout {
		return BreakerHalfOpen
	}
	return BreakerOpen
}
