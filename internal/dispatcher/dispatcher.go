// Package dispatcher runs a crawl job: it seeds the frontier, fans work
// out to a pool of workers and decides when the job is finished.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cfpl-crawler/internal/clock/system"
	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
	"github.com/JakeFAU/cfpl-crawler/internal/report"
)

// DefaultCheckInterval is how often termination conditions are evaluated.
const DefaultCheckInterval = 200 * time.Millisecond

// Runner is a worker loop. Run returns nil on cancellation and an error
// only when the job must halt.
type Runner interface {
	Run(ctx context.Context) error
}

// Job holds one crawl's configuration. The domain policy may change until
// the job starts and is locked afterwards.
type Job struct {
	mu      sync.Mutex
	cfg     crawler.JobConfig
	started bool
}

// NewJob wraps cfg.
func NewJob(cfg crawler.JobConfig) (*Job, error) {
	if cfg.JobID == "" {
		return nil, errors.New("job id is required")
	}
	if len(cfg.Seeds) == 0 {
		return nil, errors.New("at least one seed is required")
	}
	cfg.Policy = cfg.Policy.Normalized()
	return &Job{cfg: cfg}, nil
}

// ID returns the job id.
func (j *Job) ID() string {
	return j.cfg.JobID
}

// Config returns a copy of the job configuration.
func (j *Job) Config() crawler.JobConfig {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg
}

// Policy returns the current domain policy.
func (j *Job) Policy() crawler.DomainPolicy {
	return j.Config().Policy
}

// SetPolicy replaces the domain policy. It fails with ErrPolicyLocked once
// the job has started.
func (j *Job) SetPolicy(p crawler.DomainPolicy) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return crawler.ErrPolicyLocked
	}
	j.cfg.Policy = p.Normalized()
	return nil
}

// Started reports whether Run has been called.
func (j *Job) Started() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

func (j *Job) start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return fmt.Errorf("job %s already started", j.cfg.JobID)
	}
	j.started = true
	return nil
}

// Start is what the workers of a job are built from once Run has locked
// the policy.
type Start struct {
	Job    crawler.JobConfig
	Budget *Budget
}

// WorkerFactory builds the job's workers when Run begins.
type WorkerFactory func(start Start) ([]Runner, error)

// Workers returns a factory that hands out the given runners.
func Workers(runners ...Runner) WorkerFactory {
	return func(Start) ([]Runner, error) {
		return runners, nil
	}
}

// Options tunes the dispatcher.
type Options struct {
	CheckInterval time.Duration
	Clock         crawler.Clock
	Logger        *zap.Logger
}

// Dispatcher fans frontier work out to a pool of workers.
type Dispatcher struct {
	job      *Job
	frontier crawler.Frontier
	catalog  crawler.Catalog
	build    WorkerFactory
	interval time.Duration
	clock    crawler.Clock
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(job *Job, frontier crawler.Frontier, catalog crawler.Catalog, build WorkerFactory, opts Options) (*Dispatcher, error) {
	switch {
	case job == nil:
		return nil, errors.New("dispatcher requires a job")
	case frontier == nil:
		return nil, errors.New("dispatcher requires a frontier")
	case catalog == nil:
		return nil, errors.New("dispatcher requires a catalog")
	case build == nil:
		return nil, errors.New("dispatcher requires a worker factory")
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		job:      job,
		frontier: frontier,
		catalog:  catalog,
		build:    build,
		interval: opts.CheckInterval,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("job_id", job.ID())),
	}, nil
}

// Seed enqueues the job's seeds at depth zero and reports how many were new.
func (d *Dispatcher) Seed(ctx context.Context) (int, error) {
	added := 0
	for _, seed := range d.job.Config().Seeds {
		ok, err := d.frontier.Put(ctx, crawler.CrawlURL{
			URL:           seed,
			Priority:      1,
			DiscoveredVia: crawler.SeedSource,
		})
		if err != nil {
			if crawler.IsFatalStorage(err) {
				return added, fmt.Errorf("seed %s: %w", seed, err)
			}
			d.logger.Warn("seed rejected", zap.String("url", seed), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	d.logger.Info("frontier seeded", zap.Int("seeds", added))
	return added, nil
}

// Run locks the policy, requeues expired leases, builds and starts the
// workers and blocks until the frontier is exhausted, the page budget is
// spent, ctx is canceled, or a worker fails. The report is returned in every
// case.
func (d *Dispatcher) Run(ctx context.Context) (report.JobReport, error) {
	if err := d.job.start(); err != nil {
		return report.JobReport{}, err
	}
	started := d.clock.Now()
	cfg := d.job.Config()

	if n, err := d.frontier.Reclaim(ctx); err != nil {
		d.logger.Warn("lease reclaim failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("requeued expired leases", zap.Int("count", n))
	}

	budget, err := d.budget(ctx, cfg.Policy.MaxPages)
	if err != nil {
		return report.JobReport{}, err
	}
	workers, err := d.build(Start{Job: cfg, Budget: budget})
	if err != nil {
		return report.JobReport{}, fmt.Errorf("build workers: %w", err)
	}
	if len(workers) == 0 {
		return report.JobReport{}, errors.New("dispatcher requires at least one worker")
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	for i, w := range workers {
		g.Go(func() error {
			if err := w.Run(gCtx); err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}

	var reason report.Reason
	g.Go(func() error {
		reason = d.monitor(gCtx, stop, budget, cfg.Policy.MaxPages)
		return nil
	})

	runErr := g.Wait()
	switch {
	case runErr != nil:
		reason = report.ReasonFailed
	case reason == "":
		reason = report.ReasonCanceled
	}

	rep, err := d.report(context.WithoutCancel(ctx), started, reason)
	if err != nil {
		d.logger.Error("build job report failed", zap.Error(err))
	}
	metrics.ObserveJob(string(reason))
	d.logger.Info("job finished",
		zap.String("reason", string(reason)),
		zap.Int("pages_fetched", rep.PagesFetched),
		zap.Int("errors", rep.Errors),
		zap.Int("dead", len(rep.DeadURLs)),
		zap.Duration("duration", rep.Duration()),
	)
	if runErr != nil {
		return rep, runErr
	}
	return rep, nil
}

// budget starts the page budget from the pages the catalog already holds,
// so a resumed job does not fetch past its limit.
func (d *Dispatcher) budget(ctx context.Context, maxPages int) (*Budget, error) {
	if maxPages <= 0 {
		return NewBudget(0, 0), nil
	}
	stats, err := d.catalog.Stats(ctx, d.job.ID())
	if err != nil {
		return nil, fmt.Errorf("catalog stats: %w", err)
	}
	return NewBudget(maxPages, stats.PagesFetched), nil
}

// monitor watches the termination conditions. It returns the reason it
// stopped the job, or "" if ctx ended first. The budget ends the job the
// moment its last page is committed; the catalog check on each tick covers
// pages captured by other processes sharing the job.
func (d *Dispatcher) monitor(ctx context.Context, stop context.CancelFunc, budget *Budget, maxPages int) report.Reason {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-budget.Done():
			stop()
			return report.ReasonMaxPages
		case <-ticker.C:
		}
		if maxPages > 0 {
			stats, err := d.catalog.Stats(ctx, d.job.ID())
			if err != nil {
				d.logger.Warn("catalog stats failed", zap.Error(err))
			} else if stats.PagesFetched >= maxPages {
				stop()
				return report.ReasonMaxPages
			}
		}
		queue, err := d.frontier.Stats(ctx)
		if err != nil {
			d.logger.Warn("frontier stats failed", zap.Error(err))
			continue
		}
		if queue.Pending() == 0 {
			stop()
			return report.ReasonExhausted
		}
	}
}

func (d *Dispatcher) report(ctx context.Context, started time.Time, reason report.Reason) (report.JobReport, error) {
	var errs []error
	catalogStats, err := d.catalog.Stats(ctx, d.job.ID())
	if err != nil {
		errs = append(errs, fmt.Errorf("catalog stats: %w", err))
	}
	queueStats, err := d.frontier.Stats(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("frontier stats: %w", err))
	}
	dead, err := d.frontier.DeadLetters(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("dead letters: %w", err))
	}
	rep := report.Build(d.job.ID(), started, d.clock.Now(), reason, catalogStats, queueStats, dead)
	return rep, errors.Join(errs...)
}
