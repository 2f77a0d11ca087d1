// Package report summarizes a finished crawl job.
package report

import (
	"sort"
	"time"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Reason explains why a job stopped.
type Reason string

// Termination reasons.
const (
	ReasonExhausted Reason = "exhausted"
	ReasonMaxPages  Reason = "max_pages"
	ReasonCanceled  Reason = "canceled"
	ReasonFailed    Reason = "failed"
)

// JobReport is the end-of-job summary.
type JobReport struct {
	JobID          string             `json:"job_id"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
	Reason         Reason             `json:"reason"`
	PagesFetched   int                `json:"pages_fetched"`
	BytesStored    int64              `json:"bytes_stored"`
	DomainsSeen    int                `json:"domains_seen"`
	Errors         int                `json:"errors"`
	DeadURLs       []string           `json:"dead_urls"`
	ErrorsByDomain map[string]int     `json:"errors_by_domain"`
	DeadByDomain   map[string]int     `json:"dead_by_domain"`
	Queue          crawler.QueueStats `json:"queue"`
}

// Build assembles a report from the catalog and frontier state.
func Build(
	jobID string,
	startedAt, finishedAt time.Time,
	reason Reason,
	catalog crawler.CatalogStats,
	queue crawler.QueueStats,
	dead []crawler.CrawlURL,
) JobReport {
	r := JobReport{
		JobID:          jobID,
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
		Reason:         reason,
		PagesFetched:   catalog.PagesFetched,
		BytesStored:    catalog.BytesStored,
		DomainsSeen:    catalog.DomainsSeen,
		Errors:         catalog.Errors,
		DeadURLs:       make([]string, 0, len(dead)),
		ErrorsByDomain: make(map[string]int, len(catalog.ErrorsByDomain)),
		DeadByDomain:   make(map[string]int),
		Queue:          queue,
	}
	for domain, n := range catalog.ErrorsByDomain {
		r.ErrorsByDomain[domain] = n
	}
	for _, item := range dead {
		r.DeadURLs = append(r.DeadURLs, item.URL)
		domain := item.Domain
		if domain == "" {
			domain = crawler.Domain(item.URL)
		}
		r.DeadByDomain[domain]++
	}
	sort.Strings(r.DeadURLs)
	return r
}

// Duration is the wall time the job ran.
func (r JobReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Blocked reports whether failures outnumber captures, which usually means
// the target is refusing the crawler rather than simply having few links.
func (r JobReport) Blocked() bool {
	// Dead URLs are cataloged as errors too.
	failures := max(r.Errors, len(r.DeadURLs))
	return failures > 0 && failures > r.PagesFetched
}

// Domains returns every domain named in the report, sorted.
func (r JobReport) Domains() []string {
	set := make(map[string]struct{}, len(r.ErrorsByDomain)+len(r.DeadByDomain))
	for d := range r.ErrorsByDomain {
		set[d] = struct{}{}
	}
	for d := range r.DeadByDomain {
		set[d] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
