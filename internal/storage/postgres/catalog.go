package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Catalog persists catalog entries in Postgres. Discovery orders are
// assigned under a row lock on catalog_jobs so concurrent workers never
// produce gaps or repeats.
type Catalog struct {
	db    DB
	clock crawler.Clock
}

// NewCatalog wraps an existing pool.
func NewCatalog(db DB, clock crawler.Clock) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Catalog{db: db, clock: clock}, nil
}

const (
	ensureJobSQL   = `INSERT INTO catalog_jobs (job_id, next_order) VALUES ($1, 0) ON CONFLICT (job_id) DO NOTHING`
	lockJobSQL     = `SELECT next_order FROM catalog_jobs WHERE job_id = $1 FOR UPDATE`
	existingSQL    = `SELECT discovery_order FROM catalog_entries WHERE job_id = $1 AND url = $2`
	bumpOrderSQL   = `UPDATE catalog_jobs SET next_order = $2 WHERE job_id = $1`
	insertEntrySQL = `INSERT INTO catalog_entries
(job_id, url, digest, status_code, depth, discovery_order, domain, byte_length, fetched_at, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	updateEntrySQL = `UPDATE catalog_entries
SET digest = $3, status_code = $4, depth = $5, domain = $6, byte_length = $7, fetched_at = $8, error = $9
WHERE job_id = $1 AND url = $2`
)

// RecordFetch upserts the entry for (jobID, url). Overwrites keep their
// original discovery order.
func (c *Catalog) RecordFetch(
	ctx context.Context,
	jobID, url string,
	outcome crawler.FetchOutcome,
) (crawler.CatalogEntry, error) {
	entry, err := crawler.EntryFromOutcome(jobID, url, outcome)
	if err != nil {
		return crawler.CatalogEntry{}, err
	}
	entry.FetchedAt = c.clock.Now()

	err = WithTransaction(ctx, c.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ensureJobSQL, jobID); err != nil {
			return fmt.Errorf("ensure job: %w", err)
		}
		var next int64
		if err := tx.QueryRow(ctx, lockJobSQL, jobID).Scan(&next); err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		var existing int64
		err := tx.QueryRow(ctx, existingSQL, jobID, url).Scan(&existing)
		switch {
		case err == nil:
			entry.DiscoveryOrder = existing
			_, err = tx.Exec(ctx, updateEntrySQL,
				jobID, url, entry.Digest, entry.StatusCode, entry.Depth,
				entry.Domain, entry.ByteLength, entry.FetchedAt, entry.Error,
			)
			if err != nil {
				return fmt.Errorf("update entry: %w", err)
			}
			return nil
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("load entry: %w", err)
		}

		entry.DiscoveryOrder = next + 1
		if _, err := tx.Exec(ctx, bumpOrderSQL, jobID, entry.DiscoveryOrder); err != nil {
			return fmt.Errorf("bump order: %w", err)
		}
		_, err = tx.Exec(ctx, insertEntrySQL,
			jobID, url, entry.Digest, entry.StatusCode, entry.Depth, entry.DiscoveryOrder,
			entry.Domain, entry.ByteLength, entry.FetchedAt, entry.Error,
		)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return crawler.CatalogEntry{}, crawler.NewStorageError("record fetch", err)
	}
	return entry, nil
}

const entryColumns = `job_id, url, digest, status_code, depth, discovery_order, domain, byte_length, fetched_at, error`

func scanEntry(row pgx.Row) (crawler.CatalogEntry, error) {
	var e crawler.CatalogEntry
	err := row.Scan(
		&e.JobID, &e.URL, &e.Digest, &e.StatusCode, &e.Depth,
		&e.DiscoveryOrder, &e.Domain, &e.ByteLength, &e.FetchedAt, &e.Error,
	)
	return e, err
}

// Lookup returns the entry for (jobID, url).
func (c *Catalog) Lookup(ctx context.Context, jobID, url string) (crawler.CatalogEntry, bool, error) {
	row := c.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE job_id = $1 AND url = $2`, jobID, url)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CatalogEntry{}, false, nil
	}
	if err != nil {
		return crawler.CatalogEntry{}, false, crawler.NewStorageError("lookup entry", err)
	}
	return e, true, nil
}

const statsSQL = `SELECT
	count(*) FILTER (WHERE digest <> '' AND error = ''),
	COALESCE(sum(byte_length) FILTER (WHERE digest <> '' AND error = ''), 0),
	count(DISTINCT domain),
	count(*) FILTER (WHERE NOT (digest <> '' AND error = ''))
FROM catalog_entries WHERE job_id = $1`

const errorsByDomainSQL = `SELECT domain, count(*) FROM catalog_entries
WHERE job_id = $1 AND NOT (digest <> '' AND error = '')
GROUP BY domain`

// Stats aggregates the job's entries.
func (c *Catalog) Stats(ctx context.Context, jobID string) (crawler.CatalogStats, error) {
	stats := crawler.CatalogStats{ErrorsByDomain: map[string]int{}}
	err := c.db.QueryRow(ctx, statsSQL, jobID).Scan(
		&stats.PagesFetched, &stats.BytesStored, &stats.DomainsSeen, &stats.Errors,
	)
	if err != nil {
		return crawler.CatalogStats{}, crawler.NewStorageError("catalog stats", err)
	}
	if stats.Errors == 0 {
		return stats, nil
	}
	rows, err := c.db.Query(ctx, errorsByDomainSQL, jobID)
	if err != nil {
		return crawler.CatalogStats{}, crawler.NewStorageError("catalog errors by domain", err)
	}
	defer rows.Close()
	for rows.Next() {
		var domain string
		var n int
		if err := rows.Scan(&domain, &n); err != nil {
			return crawler.CatalogStats{}, crawler.NewStorageError("scan errors by domain", err)
		}
		stats.ErrorsByDomain[domain] = n
	}
	if err := rows.Err(); err != nil {
		return crawler.CatalogStats{}, crawler.NewStorageError("iterate errors by domain", err)
	}
	return stats, nil
}

// Entries lists the job's entries in discovery order.
func (c *Catalog) Entries(ctx context.Context, jobID string) ([]crawler.CatalogEntry, error) {
	rows, err := c.db.Query(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries WHERE job_id = $1 ORDER BY discovery_order`, jobID)
	if err != nil {
		return nil, crawler.NewStorageError("list entries", err)
	}
	defer rows.Close()
	var out []crawler.CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, crawler.NewStorageError("scan entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.NewStorageError("iterate entries", err)
	}
	return out, nil
}

// HasJob reports whether the job has a catalog row.
func (c *Catalog) HasJob(ctx context.Context, jobID string) (bool, error) {
	var ok bool
	err := c.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM catalog_jobs WHERE job_id = $1)`, jobID).Scan(&ok)
	if err != nil {
		return false, crawler.NewStorageError("has job", err)
	}
	return ok, nil
}

var _ crawler.Catalog = (*Catalog)(nil)
