package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cfpl-crawler/internal/clock/manual"
	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
	"github.com/JakeFAU/cfpl-crawler/internal/queue/frontiertest"
)

func newTestFrontier(t *testing.T, opts queue.Options) (*Frontier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f, err := New(client, "test:", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, mr
}

func TestFrontierContract(t *testing.T) {
	t.Parallel()

	frontiertest.Run(t, func(t *testing.T, opts queue.Options) crawler.Frontier {
		f, _ := newTestFrontier(t, opts)
		return f
	})
}

func TestFrontierKeyLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := manual.New(frontiertest.Start)
	f, mr := newTestFrontier(t, queue.Options{JobID: "job-9", MaxDepth: 2, Clock: clock, LeaseTimeout: time.Minute})

	added, err := f.Put(ctx, crawler.CrawlURL{URL: "https://example.com/a", Priority: 0.7})
	require.NoError(t, err)
	require.True(t, added)

	assert.True(t, mr.Exists("test:job-9:items"))
	members, err := mr.ZMembers("test:job-9:ready")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Contains(t, members[0], "|https://example.com/a")

	item, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.7, item.Priority)

	score, err := mr.ZScore("test:job-9:inflight", "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, float64(frontiertest.Start.Add(time.Minute).UnixMilli()), score)

	require.NoError(t, f.Complete(ctx, item.URL))
	isMember, err := mr.SIsMember("test:job-9:completed", item.URL)
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestFrontierSharedAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	opts := queue.Options{JobID: "shared", MaxDepth: -1}

	a, err := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", opts)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", opts)
	require.NoError(t, err)
	defer b.Close()

	added, err := a.Put(ctx, crawler.CrawlURL{URL: "https://example.com/"})
	require.NoError(t, err)
	require.True(t, added)

	added, err = b.Put(ctx, crawler.CrawlURL{URL: "https://example.com"})
	require.NoError(t, err)
	assert.False(t, added, "dedup is shared")

	_, ok, err := b.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = a.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "claimed items are not handed out twice")
}

func TestClaimMovesItemInOneStep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := manual.New(frontiertest.Start)
	f, mr := newTestFrontier(t, queue.Options{JobID: "job-c", MaxDepth: -1, Clock: clock, LeaseTimeout: time.Minute})

	_, err := f.Put(ctx, crawler.CrawlURL{URL: "https://example.com/a", Priority: 0.5})
	require.NoError(t, err)
	members, err := mr.ZMembers("test:job-c:ready")
	require.NoError(t, err)
	require.Len(t, members, 1)

	_, claimed, err := f.claim(ctx, "missing|https://example.com/a", "https://example.com/a", clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed, "a member someone else removed is not claimed")
	assert.False(t, mr.Exists("test:job-c:inflight"))

	item, claimed, err := f.claim(ctx, members[0], "https://example.com/a", clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, crawler.StateInFlight, item.State)

	assert.False(t, mr.Exists("test:job-c:ready"))
	score, err := mr.ZScore("test:job-c:inflight", "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, float64(frontiertest.Start.Add(time.Minute).UnixMilli()), score)
	stored, err := f.get(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateInFlight, stored.State)

	_, claimed, err = f.claim(ctx, members[0], "https://example.com/a", clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed, "an item is claimed once")

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.Pending())

	clock.Advance(time.Hour)
	n, err := f.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	again, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a", again.URL)
}

func TestRequeueSkipsRescoredLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := manual.New(frontiertest.Start)
	f, mr := newTestFrontier(t, queue.Options{JobID: "job-r", MaxDepth: -1, Clock: clock, LeaseTimeout: time.Minute})

	_, err := f.Put(ctx, crawler.CrawlURL{URL: "https://example.com/a"})
	require.NoError(t, err)
	_, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// The lease is not due yet, as when another process renewed it after
	// this one read the due set.
	moved, err := requeueScript.Run(ctx, f.client,
		[]string{f.keys.inflight, f.keys.ready, f.keys.items},
		"https://example.com/a", "stale|https://example.com/a", "{}", clock.Now().UnixMilli(),
	).Int()
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.False(t, mr.Exists("test:job-r:ready"))
	stored, err := f.get(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateInFlight, stored.State)
}

func TestLostClaimReturnsGateSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate := frontiertest.NewQuotaGate(map[string]int{"example.com": 1})
	f, mr := newTestFrontier(t, queue.Options{JobID: "job-g", MaxDepth: -1, Gate: gate, Clock: manual.New(frontiertest.Start)})

	_, err := f.Put(ctx, crawler.CrawlURL{URL: "https://example.com/a"})
	require.NoError(t, err)
	// A member that sorts first but whose item is gone, as when another
	// process wins the race for it.
	_, err = mr.ZAdd("test:job-g:ready", 0, "0|https://example.com/ghost")
	require.NoError(t, err)

	item, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a", item.URL)
	assert.Zero(t, gate.Remaining("example.com"))
}

func TestOrderKeySortsLikeLess(t *testing.T) {
	t.Parallel()

	at := frontiertest.Start
	items := []crawler.CrawlURL{
		{URL: "u1", Priority: 0.9, Depth: 3, EnqueuedAt: at},
		{URL: "u2", Priority: 0.5, Depth: 0, EnqueuedAt: at.Add(time.Second)},
		{URL: "u3", Priority: 0.5, Depth: 1, EnqueuedAt: at},
		{URL: "u4", Priority: 0.5, Depth: 1, EnqueuedAt: at.Add(time.Second)},
		{URL: "u5", Priority: 0, Depth: 0, EnqueuedAt: at},
		{URL: "u6", Priority: -0.2, Depth: 0, EnqueuedAt: at},
	}
	for i := 1; i < len(items); i++ {
		assert.True(t, queue.Less(items[i-1], items[i]))
		assert.Less(t, readyMember(items[i-1]), readyMember(items[i]))
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{Addr: "127.0.0.1:1"}, queue.Options{JobID: "x"})
	require.Error(t, err)
}
