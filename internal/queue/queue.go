// Package queue holds the pieces shared by the frontier backends: options,
// item preparation, ordering and the ready-item scan that applies the
// politeness gate.
package queue

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/clock/system"
)

// Backend names accepted by frontier.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DefaultLeaseTimeout bounds how long a dequeued item stays in flight before
// another worker may claim it.
const DefaultLeaseTimeout = 5 * time.Minute

// Options configures a frontier backend for one job.
type Options struct {
	JobID string
	// MaxDepth bounds Put; a negative value disables the bound.
	MaxDepth     int
	Retry        crawler.RetryPolicy
	LeaseTimeout time.Duration
	Gate         crawler.Gate
	Clock        crawler.Clock
	Logger       *zap.Logger
}

// Normalize validates o and fills defaults.
func (o Options) Normalize() (Options, error) {
	if strings.TrimSpace(o.JobID) == "" {
		return o, errors.New("frontier requires a job id")
	}
	if o.Retry.MaxRetries < 0 {
		return o, fmt.Errorf("max retries must be >= 0, got %d", o.Retry.MaxRetries)
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = crawler.DefaultRetryPolicy().BaseDelay
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = crawler.DefaultRetryPolicy().MaxDelay
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = DefaultLeaseTimeout
	}
	if o.Clock == nil {
		o.Clock = system.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o, nil
}

// WithinDepth reports whether depth is allowed by o.MaxDepth.
func (o Options) WithinDepth(depth int) bool {
	return o.MaxDepth < 0 || depth <= o.MaxDepth
}

// Allow consults the gate, if any.
func (o Options) Allow(domain string, now time.Time) bool {
	if o.Gate == nil {
		return true
	}
	return o.Gate.Allow(domain, now)
}

// Release hands a slot taken by Allow back to the gate, if any.
func (o Options) Release(domain string, now time.Time) {
	if o.Gate != nil {
		o.Gate.Release(domain, now)
	}
}

// Prepare canonicalizes item.URL and fills the fields a fresh frontier item
// carries: domain, discovered-via, enqueue time and the queued state.
func Prepare(item crawler.CrawlURL, now time.Time) (crawler.CrawlURL, error) {
	canonical, err := crawler.Canonicalize(item.URL)
	if err != nil {
		return item, fmt.Errorf("frontier put %q: %w", item.URL, err)
	}
	if item.Depth < 0 {
		return item, fmt.Errorf("frontier put %q: negative depth %d", item.URL, item.Depth)
	}
	item.URL = canonical
	item.Domain = crawler.Domain(canonical)
	if item.DiscoveredVia == "" {
		item.DiscoveredVia = crawler.SeedSource
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	item.EnqueuedAt = item.EnqueuedAt.UTC()
	item.State = crawler.StateQueued
	item.RetryCount = 0
	item.LastError = ""
	return item, nil
}

// Less orders ready items: priority descending, then depth ascending, then
// enqueue time ascending. URL breaks remaining ties so the order is total.
func Less(a, b crawler.CrawlURL) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.URL < b.URL
}

// OrderKey encodes the Less ordering as a string that sorts
// lexicographically in the same order.
func OrderKey(item crawler.CrawlURL) string {
	// Inverted so higher priorities sort first.
	prio := math.MaxUint64 - sortableFloat(item.Priority)
	depth := uint64(max(item.Depth, 0))
	enqueued := uint64(max(item.EnqueuedAt.UnixNano(), 0))
	return fmt.Sprintf("%016x%08x%016x", prio, depth, enqueued)
}

// sortableFloat maps a float64 onto uint64 preserving order.
func sortableFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// ErrorText flattens a failure cause for storage.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// NextState computes the transition for a failed attempt. It returns the new
// retry count, the state and, for retry-delayed items, when the item is due.
func NextState(policy crawler.RetryPolicy, retryCount int, now time.Time) (int, crawler.URLState, time.Time) {
	count := retryCount + 1
	if policy.Exhausted(count) {
		return count, crawler.StateDead, time.Time{}
	}
	return count, crawler.StateRetryDelayed, now.Add(policy.Backoff(count))
}

// Fields returns the standard log fields for an item.
func Fields(jobID string, item crawler.CrawlURL) []zap.Field {
	return []zap.Field{
		zap.String("job_id", jobID),
		zap.String("url", item.URL),
		zap.String("domain", item.Domain),
		zap.Int("depth", item.Depth),
		zap.Int("retry_count", item.RetryCount),
	}
}

// Validate checks that an item handed back to the frontier names a URL.
func Validate(item crawler.CrawlURL) error {
	if strings.TrimSpace(item.URL) == "" {
		return errors.New("frontier item has no url")
	}
	return nil
}
