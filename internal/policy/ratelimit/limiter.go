// Package ratelimit implements the per-domain politeness gate consulted by
// the frontier at dequeue time.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
)

// Limiter allows at most one fetch per domain every Delay.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	held     map[string]slot
	limit    rate.Limit
}

// slot is the last reservation Allow granted for a domain.
type slot struct {
	r  *rate.Reservation
	at time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// Delay is the minimum spacing between fetches to one domain. Zero disables the gate.
	Delay time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{}
	l.SetDelay(cfg.Delay)
	return l
}

// SetDelay replaces the per-domain spacing and forgets every domain's history.
func (l *Limiter) SetDelay(delay time.Duration) {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.limiters = make(map[string]*rate.Limiter)
	l.held = make(map[string]slot)
}

// Allow reports whether domain may be fetched at now, consuming the slot if so.
// It never blocks; a refused domain should be skipped and retried later.
func (l *Limiter) Allow(domain string, now time.Time) bool {
	if l == nil {
		return true
	}
	domain = key(domain)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit == rate.Inf {
		return true
	}
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.limit, 1)
		l.limiters[domain] = limiter
	}

	r := limiter.ReserveN(now, 1)
	if r.OK() && r.DelayFrom(now) == 0 {
		l.held[domain] = slot{r: r, at: now}
		return true
	}
	r.CancelAt(now)
	metrics.ObservePolitenessDeferral(domain)
	return false
}

// Release returns the slot Allow granted domain at now. Slots granted at any
// other time are left alone.
func (l *Limiter) Release(domain string, now time.Time) {
	if l == nil {
		return
	}
	domain = key(domain)
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.held[domain]
	if !ok || !s.at.Equal(now) {
		return
	}
	s.r.CancelAt(now)
	delete(l.held, domain)
}

func key(domain string) string {
	if domain == "" {
		return "unknown"
	}
	return domain
}
