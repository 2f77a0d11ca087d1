package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/clock/manual"
	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
	memqueue "github.com/JakeFAU/cfpl-crawler/internal/queue/memory"
	"github.com/JakeFAU/cfpl-crawler/internal/report"
	memstore "github.com/JakeFAU/cfpl-crawler/internal/storage/memory"
)

const jobID = "job-1"

// drainRunner captures every item it dequeues. With spawn set it also
// enqueues a fresh child per page, so the crawl never runs dry. A non-nil
// budget is reserved before each dequeue the way workers do.
type drainRunner struct {
	frontier crawler.Frontier
	catalog  crawler.Catalog
	budget   crawler.PageBudget
	spawn    bool
	seq      *atomic.Int64
}

func (r *drainRunner) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if r.budget != nil && !r.budget.Reserve() {
			time.Sleep(time.Millisecond)
			continue
		}
		item, ok, err := r.frontier.Next(ctx)
		if err != nil || !ok {
			if r.budget != nil {
				r.budget.Release()
			}
		}
		if err != nil {
			return nil
		}
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if _, err := r.catalog.RecordFetch(context.WithoutCancel(ctx), jobID, item.URL, crawler.Succeeded(crawler.FetchSuccess{
			Digest:     "d",
			StatusCode: 200,
			ByteLength: 1,
		})); err != nil {
			return err
		}
		if r.budget != nil {
			r.budget.Commit()
		}
		if r.spawn {
			n := r.seq.Add(1)
			if _, err := r.frontier.Put(ctx, crawler.CrawlURL{URL: fmt.Sprintf("https://example.com/p%d", n)}); err != nil {
				return err
			}
		}
		if err := r.frontier.Complete(ctx, item.URL); err != nil {
			return err
		}
	}
	return nil
}

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	return nil
}

type failingRunner struct{}

func (failingRunner) Run(context.Context) error {
	return crawler.NewStorageError("put blob", errors.New("disk full"))
}

type fixture struct {
	clock    *manual.Clock
	frontier *memqueue.Frontier
	catalog  *memstore.Catalog
	job      *Job
}

func newFixture(t *testing.T, policy crawler.DomainPolicy, seeds ...string) *fixture {
	t.Helper()
	clock := manual.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	frontier, err := memqueue.New(queue.Options{JobID: jobID, MaxDepth: -1, Clock: clock})
	require.NoError(t, err)
	job, err := NewJob(crawler.JobConfig{JobID: jobID, Seeds: seeds, Policy: policy})
	require.NoError(t, err)
	return &fixture{clock: clock, frontier: frontier, catalog: memstore.NewCatalog(clock), job: job}
}

func (f *fixture) dispatcher(t *testing.T, build WorkerFactory) *Dispatcher {
	t.Helper()
	return f.dispatcherEvery(t, 5*time.Millisecond, build)
}

func (f *fixture) dispatcherEvery(t *testing.T, interval time.Duration, build WorkerFactory) *Dispatcher {
	t.Helper()
	d, err := New(f.job, f.frontier, f.catalog, build, Options{
		CheckInterval: interval,
		Clock:         f.clock,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	return d
}

// drainers builds n drain runners sharing the run's budget.
func (f *fixture) drainers(n int, spawn bool) WorkerFactory {
	seq := new(atomic.Int64)
	return func(start Start) ([]Runner, error) {
		out := make([]Runner, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, &drainRunner{
				frontier: f.frontier,
				catalog:  f.catalog,
				budget:   start.Budget,
				spawn:    spawn,
				seq:      seq,
			})
		}
		return out, nil
	}
}

func runWithTimeout(t *testing.T, ctx context.Context, d *Dispatcher) (report.JobReport, error) {
	t.Helper()
	type result struct {
		rep report.JobReport
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := d.Run(ctx)
		done <- result{rep, err}
	}()
	select {
	case res := <-done:
		return res.rep, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish")
		return report.JobReport{}, nil
	}
}

func TestNewJobValidates(t *testing.T) {
	t.Parallel()

	_, err := NewJob(crawler.JobConfig{Seeds: []string{"https://example.com"}})
	require.Error(t, err)
	_, err = NewJob(crawler.JobConfig{JobID: jobID})
	require.Error(t, err)

	job, err := NewJob(crawler.JobConfig{JobID: jobID, Seeds: []string{"https://example.com"}, Policy: crawler.DomainPolicy{CrawlEntireDomain: true}})
	require.NoError(t, err)
	assert.True(t, job.Policy().FollowInternalLinks)
}

func TestSeedSkipsDuplicatesAndInvalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{}, "https://example.com", "https://EXAMPLE.com/", "mailto:x@example.com", "https://other.org")
	d := f.dispatcher(t, f.drainers(1, false))

	added, err := d.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	item, ok, err := f.frontier.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, crawler.SeedSource, item.DiscoveredVia)
	assert.Zero(t, item.Depth)
}

func TestRunStopsWhenFrontierExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{}, "https://example.com", "https://example.com/a")
	d := f.dispatcher(t, f.drainers(2, false))
	_, err := d.Seed(context.Background())
	require.NoError(t, err)

	rep, err := runWithTimeout(t, context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, report.ReasonExhausted, rep.Reason)
	assert.Equal(t, 2, rep.PagesFetched)
	assert.Equal(t, 2, rep.Queue.Completed)
	assert.Equal(t, jobID, rep.JobID)
}

func TestRunStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, crawler.DomainPolicy{MaxPages: 3}, "https://example.com")
			// The ticker never fires, so only the budget can end the job.
			d := f.dispatcherEvery(t, time.Hour, f.drainers(workers, true))
			_, err := d.Seed(context.Background())
			require.NoError(t, err)

			rep, err := runWithTimeout(t, context.Background(), d)
			require.NoError(t, err)
			assert.Equal(t, report.ReasonMaxPages, rep.Reason)
			assert.Equal(t, 3, rep.PagesFetched)
		})
	}
}

func TestRunResumedJobHonorsCapturedPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{MaxPages: 2}, "https://example.com")
	for _, u := range []string{"https://example.com/old1", "https://example.com/old2"} {
		_, err := f.catalog.RecordFetch(context.Background(), jobID, u, crawler.Succeeded(crawler.FetchSuccess{Digest: "d", StatusCode: 200}))
		require.NoError(t, err)
	}
	d := f.dispatcherEvery(t, time.Hour, f.drainers(2, true))
	_, err := d.Seed(context.Background())
	require.NoError(t, err)

	rep, err := runWithTimeout(t, context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, report.ReasonMaxPages, rep.Reason)
	assert.Equal(t, 2, rep.PagesFetched)
	assert.Equal(t, 1, rep.Queue.Queued, "the seed is never dequeued")
}

func TestBudget(t *testing.T) {
	t.Parallel()

	b := NewBudget(2, 0)
	require.True(t, b.Reserve())
	require.True(t, b.Reserve())
	assert.False(t, b.Reserve(), "outstanding reservations count against the limit")

	b.Release()
	b.Commit()
	assert.Equal(t, 1, b.Used())
	select {
	case <-b.Done():
		t.Fatal("budget spent too early")
	default:
	}

	require.True(t, b.Reserve())
	b.Commit()
	assert.False(t, b.Reserve())
	select {
	case <-b.Done():
	default:
		t.Fatal("budget should be spent")
	}

	unlimited := NewBudget(0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.Reserve())
		unlimited.Commit()
	}
	assert.Nil(t, unlimited.Done())
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{}, "https://example.com")
	runner := &blockingRunner{started: make(chan struct{})}
	d := f.dispatcher(t, Workers(runner))
	_, err := d.Seed(context.Background())
	require.NoError(t, err)
	// Keep the frontier pending so only cancellation can end the job.
	_, ok, err := f.frontier.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-runner.started
		cancel()
	}()
	rep, err := runWithTimeout(t, ctx, d)
	require.NoError(t, err)
	assert.Equal(t, report.ReasonCanceled, rep.Reason)
	assert.Equal(t, 1, rep.Queue.InFlight)
}

func TestRunFailsWhenWorkersCannotBeBuilt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{}, "https://example.com")
	d := f.dispatcher(t, func(Start) ([]Runner, error) {
		return nil, errors.New("bad include pattern")
	})
	_, err := d.Run(context.Background())
	require.ErrorContains(t, err, "build workers")

	empty := newFixture(t, crawler.DomainPolicy{}, "https://example.com")
	_, err = empty.dispatcher(t, Workers()).Run(context.Background())
	require.Error(t, err)
}

func TestRunFailsOnWorkerError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{}, "https://example.com")
	d := f.dispatcher(t, Workers(failingRunner{}, &blockingRunner{started: make(chan struct{})}))
	_, err := d.Seed(context.Background())
	require.NoError(t, err)

	rep, err := runWithTimeout(t, context.Background(), d)
	require.Error(t, err)
	assert.True(t, crawler.IsFatalStorage(err))
	assert.Equal(t, report.ReasonFailed, rep.Reason)
}

func TestPolicyLockedOnceRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{MaxDepth: 1}, "https://example.com")
	require.NoError(t, f.job.SetPolicy(crawler.DomainPolicy{MaxDepth: 2, DenyDomains: []string{"ads.example.com"}}))
	assert.Equal(t, 2, f.job.Policy().MaxDepth)

	var seen crawler.DomainPolicy
	drain := f.drainers(1, false)
	d := f.dispatcher(t, func(start Start) ([]Runner, error) {
		seen = start.Job.Policy
		return drain(start)
	})
	_, err := d.Seed(context.Background())
	require.NoError(t, err)
	_, err = runWithTimeout(t, context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, 2, seen.MaxDepth, "workers are built from the policy set before start")
	assert.Equal(t, []string{"ads.example.com"}, seen.DenyDomains)

	assert.True(t, f.job.Started())
	require.ErrorIs(t, f.job.SetPolicy(crawler.DomainPolicy{MaxDepth: 5}), crawler.ErrPolicyLocked)
	assert.Equal(t, 2, f.job.Policy().MaxDepth)

	_, err = d.Run(context.Background())
	require.Error(t, err, "a job runs once")
}

func TestRunReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()

	f := newFixture(t, crawler.DomainPolicy{}, "https://example.com")
	d := f.dispatcher(t, f.drainers(1, false))
	_, err := d.Seed(context.Background())
	require.NoError(t, err)

	// A previous process dequeued the seed and died.
	_, ok, err := f.frontier.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	f.clock.Advance(queue.DefaultLeaseTimeout + time.Second)

	rep, err := runWithTimeout(t, context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, report.ReasonExhausted, rep.Reason)
	assert.Equal(t, 1, rep.PagesFetched)
}
