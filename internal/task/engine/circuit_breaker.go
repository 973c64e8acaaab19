package engine

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker per task name. After trip
// failures it opens for base*2^(fails-trip), capped at maxDelay. A success
// closes it; a quiet period of resetAfter forgets old failures.
type breaker struct {
	mu sync.Mutex
	m  map[string]*circuit
}

type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakerPolicy struct {
	enabled    bool
	trip       int
	base       time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func policyFor(cfg Config, opt TaskOptions) breakerPolicy {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return breakerPolicy{}
	}
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return breakerPolicy{
		enabled:    true,
		trip:       trip,
		base:       cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

// circuitLocked returns the entry for name, forgetting stale failures.
func (b *breaker) circuitLocked(name string, now time.Time, p breakerPolicy) *circuit {
	if b.m == nil {
		b.m = make(map[string]*circuit)
	}
	c := b.m[name]
	if c == nil {
		c = &circuit{}
		b.m[name] = c
	}
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > p.resetAfter {
		*c = circuit{}
	}
	return c
}

func (b *breaker) isOpen(name string, now time.Time, p breakerPolicy) (bool, time.Time) {
	if !p.enabled {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(name, now, p)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(name string, now time.Time, p breakerPolicy, err error) {
	if !p.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(name, now, p)
	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < p.trip {
		return
	}
	d := p.base
	for i := p.trip; i < c.fails && d < p.maxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, p.maxDelay))
}

func (b *breaker) counts(now time.Time) (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.m {
		total++
		if now.Before(c.openUntil) {
			open++
		}
	}
	return total, open
}
