package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Catalog provides an in-memory catalog for development/testing.
type Catalog struct {
	mu    sync.RWMutex
	clock crawler.Clock
	jobs  map[string]*jobCatalog
}

type jobCatalog struct {
	next    int64
	entries map[string]crawler.CatalogEntry
}

// NewCatalog constructs a Catalog.
func NewCatalog(clock crawler.Clock) *Catalog {
	return &Catalog{
		clock: clock,
		jobs:  make(map[string]*jobCatalog),
	}
}

// RecordFetch upserts the entry for (jobID, url). New entries take the next
// discovery order; overwrites keep theirs so the sequence stays gapless.
func (c *Catalog) RecordFetch(
	_ context.Context,
	jobID, url string,
	outcome crawler.FetchOutcome,
) (crawler.CatalogEntry, error) {
	entry, err := crawler.EntryFromOutcome(jobID, url, outcome)
	if err != nil {
		return crawler.CatalogEntry{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		job = &jobCatalog{entries: make(map[string]crawler.CatalogEntry)}
		c.jobs[jobID] = job
	}
	entry.FetchedAt = c.clock.Now()
	if existing, ok := job.entries[url]; ok {
		entry.DiscoveryOrder = existing.DiscoveryOrder
	} else {
		job.next++
		entry.DiscoveryOrder = job.next
	}
	job.entries[url] = entry
	return entry, nil
}

// Lookup returns the entry for (jobID, url).
func (c *Catalog) Lookup(_ context.Context, jobID, url string) (crawler.CatalogEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return crawler.CatalogEntry{}, false, nil
	}
	entry, ok := job.entries[url]
	return entry, ok, nil
}

// Stats aggregates the job's entries.
func (c *Catalog) Stats(_ context.Context, jobID string) (crawler.CatalogStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := crawler.CatalogStats{ErrorsByDomain: map[string]int{}}
	job, ok := c.jobs[jobID]
	if !ok {
		return stats, nil
	}
	domains := make(map[string]struct{})
	for _, e := range job.entries {
		domains[e.Domain] = struct{}{}
		if e.Succeeded() {
			stats.PagesFetched++
			stats.BytesStored += e.ByteLength
			continue
		}
		stats.Errors++
		stats.ErrorsByDomain[e.Domain]++
	}
	stats.DomainsSeen = len(domains)
	return stats, nil
}

// Entries lists the job's entries in discovery order.
func (c *Catalog) Entries(_ context.Context, jobID string) ([]crawler.CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, nil
	}
	out := make([]crawler.CatalogEntry, 0, len(job.entries))
	for _, e := range job.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveryOrder < out[j].DiscoveryOrder })
	return out, nil
}

// HasJob reports whether any entry was recorded for jobID.
func (c *Catalog) HasJob(_ context.Context, jobID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.jobs[jobID]
	return ok, nil
}

var _ crawler.Catalog = (*Catalog)(nil)
