// Package postgres implements the frontier on the frontier_urls table.
// Dequeue claims rows with FOR UPDATE SKIP LOCKED so concurrent workers and
// processes never receive the same item.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
	pgstore "github.com/JakeFAU/cfpl-crawler/internal/storage/postgres"
)

const defaultScanBatch = 256

const (
	insertSQL = `INSERT INTO frontier_urls
(job_id, url, priority, depth, domain, discovered_via, retry_count, enqueued_at, state)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 'queued')
ON CONFLICT (job_id, url) DO NOTHING`
	promoteSQL = `UPDATE frontier_urls SET state = 'queued', ready_at = NULL
WHERE job_id = $1 AND state = 'retry_delayed' AND ready_at <= $2`
	reclaimSQL = `UPDATE frontier_urls SET state = 'queued', lease_until = NULL
WHERE job_id = $1 AND state = 'in_flight' AND lease_until <= $2`
	itemColumns = `url, priority, depth, domain, discovered_via, retry_count, enqueued_at, state, last_error`
	readySQL    = `SELECT ` + itemColumns + ` FROM frontier_urls
WHERE job_id = $1 AND state = 'queued'
ORDER BY priority DESC, depth ASC, enqueued_at ASC, url ASC
LIMIT $2 OFFSET $3
FOR UPDATE SKIP LOCKED`
	claimSQL = `UPDATE frontier_urls SET state = 'in_flight', lease_until = $3
WHERE job_id = $1 AND url = $2`
	lockItemSQL = `SELECT ` + itemColumns + ` FROM frontier_urls
WHERE job_id = $1 AND url = $2 FOR UPDATE`
	completeSQL = `UPDATE frontier_urls SET state = 'completed', lease_until = NULL, ready_at = NULL
WHERE job_id = $1 AND url = $2`
	retrySQL = `UPDATE frontier_urls
SET state = $3, retry_count = $4, last_error = $5, ready_at = $6, lease_until = NULL
WHERE job_id = $1 AND url = $2`
	deadSQL = `UPDATE frontier_urls SET state = 'dead', last_error = $3, lease_until = NULL, ready_at = NULL
WHERE job_id = $1 AND url = $2`
	statsSQL = `SELECT state, COUNT(*) FROM frontier_urls WHERE job_id = $1 GROUP BY state`
	deadListSQL = `SELECT ` + itemColumns + ` FROM frontier_urls
WHERE job_id = $1 AND state = 'dead' ORDER BY enqueued_at ASC, url ASC`
)

// Frontier stores one job's frontier in Postgres.
type Frontier struct {
	db        pgstore.DB
	opts      queue.Options
	scanBatch int
	closed    atomic.Bool
}

// New wraps a pool. The schema must already exist (see pgstore.Migrate).
func New(db pgstore.DB, opts queue.Options) (*Frontier, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	return &Frontier{db: db, opts: opts, scanBatch: defaultScanBatch}, nil
}

func scanItem(row pgx.Row) (crawler.CrawlURL, error) {
	var item crawler.CrawlURL
	var state string
	err := row.Scan(
		&item.URL, &item.Priority, &item.Depth, &item.Domain, &item.DiscoveredVia,
		&item.RetryCount, &item.EnqueuedAt, &state, &item.LastError,
	)
	item.State = crawler.URLState(state)
	return item, err
}

func (f *Frontier) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, crawler.ErrNotFound) {
		return err
	}
	return crawler.NewStorageError("frontier "+op, err)
}

// Put inserts item unless its URL was already seen or it is too deep.
func (f *Frontier) Put(ctx context.Context, item crawler.CrawlURL) (bool, error) {
	if f.closed.Load() {
		return false, crawler.ErrFrontierClosed
	}
	if !f.opts.WithinDepth(item.Depth) {
		return false, nil
	}
	item, err := queue.Prepare(item, f.opts.Clock.Now())
	if err != nil {
		return false, err
	}
	tag, err := f.db.Exec(ctx, insertSQL,
		f.opts.JobID, item.URL, item.Priority, item.Depth, item.Domain, item.DiscoveredVia, item.EnqueuedAt,
	)
	if err != nil {
		return false, f.wrap("put", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.ObserveFrontier("duplicate")
		return false, nil
	}
	metrics.ObserveFrontier("put")
	return true, nil
}

// Next claims the best ready item whose domain the gate allows.
func (f *Frontier) Next(ctx context.Context) (crawler.CrawlURL, bool, error) {
	if f.closed.Load() {
		return crawler.CrawlURL{}, false, crawler.ErrFrontierClosed
	}
	now := f.opts.Clock.Now()
	var claimed crawler.CrawlURL
	var ok bool
	// gated is the domain whose slot was taken for the claim in progress.
	var gated string
	err := pgstore.WithTransaction(ctx, f.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, promoteSQL, f.opts.JobID, now); err != nil {
			return fmt.Errorf("promote: %w", err)
		}
		tag, err := tx.Exec(ctx, reclaimSQL, f.opts.JobID, now)
		if err != nil {
			return fmt.Errorf("reclaim: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			f.opts.Logger.Warn("Reclaimed expired leases", zap.String("job_id", f.opts.JobID), zap.Int64("count", n))
		}

		refused := make(map[string]bool)
		for offset := 0; ; offset += f.scanBatch {
			batch, err := f.readyBatch(ctx, tx, offset)
			if err != nil {
				return err
			}
			for _, item := range batch {
				if refused[item.Domain] || !f.opts.Allow(item.Domain, now) {
					refused[item.Domain] = true
					continue
				}
				gated = item.Domain
				if _, err := tx.Exec(ctx, claimSQL, f.opts.JobID, item.URL, now.Add(f.opts.LeaseTimeout)); err != nil {
					return fmt.Errorf("claim: %w", err)
				}
				item.State = crawler.StateInFlight
				claimed, ok = item, true
				return nil
			}
			if len(batch) < f.scanBatch {
				return nil
			}
		}
	})
	if err != nil {
		if gated != "" {
			f.opts.Release(gated, now)
		}
		return crawler.CrawlURL{}, false, f.wrap("next", err)
	}
	if ok {
		metrics.ObserveFrontier("next")
	}
	return claimed, ok, nil
}

func (f *Frontier) readyBatch(ctx context.Context, tx pgx.Tx, offset int) ([]crawler.CrawlURL, error) {
	rows, err := tx.Query(ctx, readySQL, f.opts.JobID, f.scanBatch, offset)
	if err != nil {
		return nil, fmt.Errorf("scan ready: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrawlURL
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan ready rows: %w", err)
	}
	return out, nil
}

// lockItem loads url under a row lock. Missing rows map to ErrNotFound.
func (f *Frontier) lockItem(ctx context.Context, tx pgx.Tx, url string) (crawler.CrawlURL, error) {
	item, err := scanItem(tx.QueryRow(ctx, lockItemSQL, f.opts.JobID, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlURL{}, fmt.Errorf("frontier item %q: %w", url, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlURL{}, fmt.Errorf("load item: %w", err)
	}
	return item, nil
}

// Complete marks url completed. Terminal items are left untouched.
func (f *Frontier) Complete(ctx context.Context, url string) error {
	err := pgstore.WithTransaction(ctx, f.db, func(tx pgx.Tx) error {
		item, err := f.lockItem(ctx, tx, url)
		if err != nil {
			return err
		}
		if item.State.Terminal() {
			return nil
		}
		if _, err := tx.Exec(ctx, completeSQL, f.opts.JobID, url); err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		return nil
	})
	if err != nil {
		return f.wrap("complete", err)
	}
	metrics.ObserveFrontier("complete")
	return nil
}

// Retry records a failed attempt and moves the item to retry-delayed or dead.
func (f *Frontier) Retry(ctx context.Context, item crawler.CrawlURL, cause error) (crawler.URLState, error) {
	if err := queue.Validate(item); err != nil {
		return "", err
	}
	var result crawler.CrawlURL
	err := pgstore.WithTransaction(ctx, f.db, func(tx pgx.Tx) error {
		stored, err := f.lockItem(ctx, tx, item.URL)
		if err != nil {
			return err
		}
		if stored.State.Terminal() {
			result = stored
			return nil
		}
		count, state, readyAt := queue.NextState(f.opts.Retry, stored.RetryCount, f.opts.Clock.Now())
		var due *time.Time
		if state == crawler.StateRetryDelayed {
			due = &readyAt
		}
		lastError := queue.ErrorText(cause)
		if _, err := tx.Exec(ctx, retrySQL, f.opts.JobID, item.URL, string(state), count, lastError, due); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
		stored.RetryCount, stored.State, stored.LastError = count, state, lastError
		result = stored
		return nil
	})
	if err != nil {
		return "", f.wrap("retry", err)
	}
	if result.State == crawler.StateDead {
		metrics.ObserveDeadLetter(result.Domain)
		f.opts.Logger.Warn("URL exhausted retries", queue.Fields(f.opts.JobID, result)...)
	} else {
		metrics.ObserveFrontier("retry")
	}
	return result.State, nil
}

// Dead moves the item to the dead state.
func (f *Frontier) Dead(ctx context.Context, item crawler.CrawlURL, cause error) error {
	if err := queue.Validate(item); err != nil {
		return err
	}
	err := pgstore.WithTransaction(ctx, f.db, func(tx pgx.Tx) error {
		stored, err := f.lockItem(ctx, tx, item.URL)
		if err != nil {
			return err
		}
		if stored.State.Terminal() {
			return nil
		}
		if _, err := tx.Exec(ctx, deadSQL, f.opts.JobID, item.URL, queue.ErrorText(cause)); err != nil {
			return fmt.Errorf("dead: %w", err)
		}
		return nil
	})
	if err != nil {
		return f.wrap("dead", err)
	}
	metrics.ObserveDeadLetter(item.Domain)
	return nil
}

// Stats counts items per state.
func (f *Frontier) Stats(ctx context.Context) (crawler.QueueStats, error) {
	rows, err := f.db.Query(ctx, statsSQL, f.opts.JobID)
	if err != nil {
		return crawler.QueueStats{}, f.wrap("stats", err)
	}
	defer rows.Close()
	var s crawler.QueueStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return crawler.QueueStats{}, f.wrap("stats", err)
		}
		switch crawler.URLState(state) {
		case crawler.StateQueued:
			s.Queued = n
		case crawler.StateInFlight:
			s.InFlight = n
		case crawler.StateRetryDelayed:
			s.RetryDelayed = n
		case crawler.StateCompleted:
			s.Completed = n
		case crawler.StateDead:
			s.Dead = n
		}
		s.Total += n
	}
	if err := rows.Err(); err != nil {
		return crawler.QueueStats{}, f.wrap("stats", err)
	}
	return s, nil
}

// DeadLetters returns dead items in enqueue order.
func (f *Frontier) DeadLetters(ctx context.Context) ([]crawler.CrawlURL, error) {
	rows, err := f.db.Query(ctx, deadListSQL, f.opts.JobID)
	if err != nil {
		return nil, f.wrap("dead letters", err)
	}
	defer rows.Close()
	var out []crawler.CrawlURL
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, f.wrap("dead letters", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, f.wrap("dead letters", err)
	}
	return out, nil
}

// Reclaim requeues in-flight items whose lease expired.
func (f *Frontier) Reclaim(ctx context.Context) (int, error) {
	if f.closed.Load() {
		return 0, crawler.ErrFrontierClosed
	}
	tag, err := f.db.Exec(ctx, reclaimSQL, f.opts.JobID, f.opts.Clock.Now())
	if err != nil {
		return 0, f.wrap("reclaim", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		f.opts.Logger.Info("Reclaimed in-flight items from a previous run",
			zap.String("job_id", f.opts.JobID), zap.Int("count", n))
	}
	return n, nil
}

// Close stops accepting puts. The pool is owned by the caller.
func (f *Frontier) Close() error {
	f.closed.Store(true)
	return nil
}

var _ crawler.Frontier = (*Frontier)(nil)
