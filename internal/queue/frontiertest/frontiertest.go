// Package frontiertest is a behavioral suite every frontier backend must pass.
package frontiertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cfpl-crawler/internal/clock/manual"
	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
)

// Factory builds a fresh, empty frontier for opts.
type Factory func(t *testing.T, opts queue.Options) crawler.Frontier

// Start is the frozen time every suite clock begins at.
var Start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// QuotaGate allows each domain a fixed number of fetches.
type QuotaGate struct {
	mu    sync.Mutex
	quota map[string]int
}

// NewQuotaGate returns a gate with the given per-domain allowances.
func NewQuotaGate(quota map[string]int) *QuotaGate {
	return &QuotaGate{quota: quota}
}

// Allow implements crawler.Gate.
func (g *QuotaGate) Allow(domain string, _ time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.quota[domain] <= 0 {
		return false
	}
	g.quota[domain]--
	return true
}

// Release implements crawler.Gate.
func (g *QuotaGate) Release(domain string, _ time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quota[domain]++
}

// Remaining reports the allowance left for domain.
func (g *QuotaGate) Remaining(domain string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quota[domain]
}

func options(clock *manual.Clock) queue.Options {
	return queue.Options{
		JobID:        "job-1",
		MaxDepth:     3,
		Retry:        crawler.RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute},
		LeaseTimeout: time.Minute,
		Clock:        clock,
	}
}

func item(url string, priority float64, depth int, at time.Time) crawler.CrawlURL {
	return crawler.CrawlURL{URL: url, Priority: priority, Depth: depth, EnqueuedAt: at}
}

func mustNext(t *testing.T, f crawler.Frontier) crawler.CrawlURL {
	t.Helper()
	got, ok, err := f.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "expected a ready item")
	return got
}

func requireEmpty(t *testing.T, f crawler.Frontier) {
	t.Helper()
	_, ok, err := f.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok, "expected no ready item")
}

// Run exercises the frontier contract against newFrontier.
func Run(t *testing.T, newFrontier Factory) {
	t.Run("put is idempotent by canonical url", func(t *testing.T) {
		ctx := context.Background()
		f := newFrontier(t, options(manual.New(Start)))

		added, err := f.Put(ctx, item("https://Example.com/a/", 0.5, 0, time.Time{}))
		require.NoError(t, err)
		assert.True(t, added)

		added, err = f.Put(ctx, item("https://example.com/a#frag", 0.9, 0, time.Time{}))
		require.NoError(t, err)
		assert.False(t, added)

		stats, err := f.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, 1, stats.Queued)

		got := mustNext(t, f)
		assert.Equal(t, "https://example.com/a", got.URL)
		assert.Equal(t, "example.com", got.Domain)
		assert.Equal(t, crawler.SeedSource, got.DiscoveredVia)
		assert.Equal(t, crawler.StateInFlight, got.State)

		require.NoError(t, f.Complete(ctx, got.URL))
		added, err = f.Put(ctx, item("https://example.com/a", 0.5, 0, time.Time{}))
		require.NoError(t, err)
		assert.False(t, added, "completed urls are never re-enqueued")
	})

	t.Run("depth bound", func(t *testing.T) {
		ctx := context.Background()
		f := newFrontier(t, options(manual.New(Start)))

		added, err := f.Put(ctx, item("https://example.com/deep", 0.5, 4, time.Time{}))
		require.NoError(t, err)
		assert.False(t, added)

		added, err = f.Put(ctx, item("https://example.com/edge", 0.5, 3, time.Time{}))
		require.NoError(t, err)
		assert.True(t, added)
	})

	t.Run("rejects invalid urls", func(t *testing.T) {
		f := newFrontier(t, options(manual.New(Start)))
		_, err := f.Put(context.Background(), item("mailto:a@example.com", 0.5, 0, time.Time{}))
		require.ErrorIs(t, err, crawler.ErrUnsupportedScheme)
	})

	t.Run("dequeue order", func(t *testing.T) {
		ctx := context.Background()
		f := newFrontier(t, options(manual.New(Start)))

		items := []crawler.CrawlURL{
			item("https://example.com/low", 0.1, 0, Start),
			item("https://example.com/late", 0.5, 1, Start.Add(2*time.Second)),
			item("https://example.com/early", 0.5, 1, Start.Add(time.Second)),
			item("https://example.com/shallow", 0.5, 0, Start.Add(3*time.Second)),
			item("https://example.com/high", 0.9, 2, Start.Add(4*time.Second)),
		}
		for _, it := range items {
			added, err := f.Put(ctx, it)
			require.NoError(t, err)
			require.True(t, added)
		}

		var got []string
		for range items {
			got = append(got, mustNext(t, f).URL)
		}
		assert.Equal(t, []string{
			"https://example.com/high",
			"https://example.com/shallow",
			"https://example.com/early",
			"https://example.com/late",
			"https://example.com/low",
		}, got)
		requireEmpty(t, f)
	})

	t.Run("retry is monotonic and dies after max retries", func(t *testing.T) {
		ctx := context.Background()
		clock := manual.New(Start)
		f := newFrontier(t, options(clock))

		_, err := f.Put(ctx, item("https://example.com/flaky", 0.5, 0, time.Time{}))
		require.NoError(t, err)

		cause := errors.New("503")
		last := 0
		for attempt := 1; attempt <= 2; attempt++ {
			got := mustNext(t, f)
			assert.Equal(t, last, got.RetryCount)
			state, err := f.Retry(ctx, got, cause)
			require.NoError(t, err)
			assert.Equal(t, crawler.StateRetryDelayed, state)

			requireEmpty(t, f)
			stats, err := f.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.RetryDelayed)

			clock.Advance(time.Minute)
			last = attempt
		}

		got := mustNext(t, f)
		assert.Equal(t, 2, got.RetryCount)
		state, err := f.Retry(ctx, got, cause)
		require.NoError(t, err)
		assert.Equal(t, crawler.StateDead, state)

		dead, err := f.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, 3, dead[0].RetryCount)
		assert.Equal(t, "503", dead[0].LastError)
		assert.Equal(t, crawler.StateDead, dead[0].State)

		stats, err := f.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Pending())
		assert.Equal(t, 1, stats.Dead)
	})

	t.Run("retry waits for backoff", func(t *testing.T) {
		ctx := context.Background()
		clock := manual.New(Start)
		f := newFrontier(t, options(clock))

		_, err := f.Put(ctx, item("https://example.com/slow", 0.5, 0, time.Time{}))
		require.NoError(t, err)
		got := mustNext(t, f)
		_, err = f.Retry(ctx, got, errors.New("timeout"))
		require.NoError(t, err)

		// First retry backs off BaseDelay * 2^1.
		clock.Advance(1999 * time.Millisecond)
		requireEmpty(t, f)
		clock.Advance(time.Millisecond)
		assert.Equal(t, "https://example.com/slow", mustNext(t, f).URL)
	})

	t.Run("dead letters", func(t *testing.T) {
		ctx := context.Background()
		f := newFrontier(t, options(manual.New(Start)))

		_, err := f.Put(ctx, item("https://example.com/gone", 0.5, 0, time.Time{}))
		require.NoError(t, err)
		got := mustNext(t, f)
		require.NoError(t, f.Dead(ctx, got, errors.New("404")))

		dead, err := f.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "https://example.com/gone", dead[0].URL)
		assert.Equal(t, "404", dead[0].LastError)
		requireEmpty(t, f)
	})

	t.Run("expired leases are reclaimed", func(t *testing.T) {
		ctx := context.Background()
		clock := manual.New(Start)
		f := newFrontier(t, options(clock))

		_, err := f.Put(ctx, item("https://example.com/stuck", 0.5, 0, time.Time{}))
		require.NoError(t, err)
		first := mustNext(t, f)

		// A worker that dies after the claim leaves the item leased, and
		// still pending, until the lease runs out.
		stats, err := f.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.InFlight)
		assert.Equal(t, 1, stats.Pending())

		n, err := f.Reclaim(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(2 * time.Minute)
		n, err = f.Reclaim(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		again := mustNext(t, f)
		assert.Equal(t, first.URL, again.URL)
		assert.Equal(t, first.RetryCount, again.RetryCount)
	})

	t.Run("next reclaims expired leases", func(t *testing.T) {
		ctx := context.Background()
		clock := manual.New(Start)
		f := newFrontier(t, options(clock))

		_, err := f.Put(ctx, item("https://example.com/stuck", 0.5, 0, time.Time{}))
		require.NoError(t, err)
		mustNext(t, f)
		requireEmpty(t, f)

		clock.Advance(2 * time.Minute)
		assert.Equal(t, "https://example.com/stuck", mustNext(t, f).URL)
	})

	t.Run("pending never drops while items are claimed", func(t *testing.T) {
		ctx := context.Background()
		clock := manual.New(Start)
		f := newFrontier(t, options(clock))

		const total = 40
		for i := 0; i < total; i++ {
			_, err := f.Put(ctx, item(fmt.Sprintf("https://example.com/p%d", i), 0.5, 0, time.Time{}))
			require.NoError(t, err)
		}

		done := make(chan struct{})
		seen := make(chan []int, 1)
		go func() {
			var bad []int
			for {
				select {
				case <-done:
					seen <- bad
					return
				default:
				}
				stats, err := f.Stats(ctx)
				if err == nil && stats.Pending() != total {
					bad = append(bad, stats.Pending())
				}
			}
		}()

		var wg sync.WaitGroup
		var mu sync.Mutex
		claimed := make(map[string]bool)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, ok, err := f.Next(ctx)
					if err != nil || !ok {
						return
					}
					mu.Lock()
					claimed[got.URL] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		close(done)

		assert.Empty(t, <-seen, "stats reported fewer pending items while claims ran")
		assert.Len(t, claimed, total)
		stats, err := f.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, total, stats.InFlight)
	})

	t.Run("politeness gate defers busy domains", func(t *testing.T) {
		ctx := context.Background()
		opts := options(manual.New(Start))
		opts.Gate = NewQuotaGate(map[string]int{"a.example": 1, "b.example": 1})
		f := newFrontier(t, opts)

		for _, it := range []crawler.CrawlURL{
			item("https://a.example/1", 0.9, 0, Start),
			item("https://a.example/2", 0.8, 0, Start.Add(time.Second)),
			item("https://b.example/1", 0.1, 0, Start.Add(2*time.Second)),
		} {
			_, err := f.Put(ctx, it)
			require.NoError(t, err)
		}

		assert.Equal(t, "https://a.example/1", mustNext(t, f).URL)
		assert.Equal(t, "https://b.example/1", mustNext(t, f).URL)
		requireEmpty(t, f)

		stats, err := f.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Queued)
		assert.Equal(t, 2, stats.InFlight)
	})

	t.Run("complete unknown url", func(t *testing.T) {
		f := newFrontier(t, options(manual.New(Start)))
		err := f.Complete(context.Background(), "https://example.com/never")
		require.ErrorIs(t, err, crawler.ErrNotFound)
	})

	t.Run("closed frontier rejects puts", func(t *testing.T) {
		f := newFrontier(t, options(manual.New(Start)))
		require.NoError(t, f.Close())
		_, err := f.Put(context.Background(), item("https://example.com/", 0.5, 0, time.Time{}))
		require.ErrorIs(t, err, crawler.ErrFrontierClosed)
	})
}
