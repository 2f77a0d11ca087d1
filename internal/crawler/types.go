// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// URLState is the lifecycle state of a frontier item.
type URLState string

// Frontier item states. Items are never deleted, only moved to a terminal state.
const (
	StateQueued       URLState = "queued"
	StateInFlight     URLState = "in_flight"
	StateRetryDelayed URLState = "retry_delayed"
	StateCompleted    URLState = "completed"
	StateDead         URLState = "dead"
)

// Terminal reports whether no further transitions are possible.
func (s URLState) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// SeedSource is the DiscoveredVia value for job seeds.
const SeedSource = "seed"

// CrawlURL is a unit of crawl work held by the frontier.
type CrawlURL struct {
	URL           string    `json:"url"`
	Priority      float64   `json:"priority"`
	Depth         int       `json:"depth"`
	Domain        string    `json:"domain"`
	DiscoveredVia string    `json:"discovered_via"`
	RetryCount    int       `json:"retry_count"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	State         URLState  `json:"state"`
	LastError     string    `json:"last_error,omitempty"`
}

// ContentRecord describes one stored blob. Written once per digest.
type ContentRecord struct {
	Digest      string    `json:"digest"`
	ByteLength  int64     `json:"byte_length"`
	ContentType string    `json:"content_type"`
	StoragePath string    `json:"storage_path"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// CatalogEntry is the per-job record of one fetched URL.
type CatalogEntry struct {
	JobID          string    `json:"job_id"`
	URL            string    `json:"url"`
	Digest         string    `json:"digest,omitempty"`
	StatusCode     int       `json:"status_code"`
	Depth          int       `json:"depth"`
	DiscoveryOrder int64     `json:"discovery_order"`
	Domain         string    `json:"domain"`
	ByteLength     int64     `json:"byte_length"`
	FetchedAt      time.Time `json:"fetched_at"`
	Error          string    `json:"error,omitempty"`
}

// Succeeded reports whether the entry points at captured content.
func (e CatalogEntry) Succeeded() bool {
	return e.Digest != "" && e.Error == ""
}

// FetchOutcome is either a successful capture or a failure. Exactly one of
// Success and Failure is set.
type FetchOutcome struct {
	Success *FetchSuccess
	Failure *FetchFailure
}

// FetchSuccess describes a captured page.
type FetchSuccess struct {
	Digest     string
	StatusCode int
	Headers    http.Header
	ByteLength int64
	Depth      int
	Domain     string
}

// FetchFailure describes a URL that could not be captured.
type FetchFailure struct {
	Err        string
	StatusCode int
	Depth      int
	Domain     string
}

// Succeeded builds a success outcome.
func Succeeded(s FetchSuccess) FetchOutcome {
	return FetchOutcome{Success: &s}
}

// Failed builds a failure outcome.
func Failed(f FetchFailure) FetchOutcome {
	return FetchOutcome{Failure: &f}
}

// CatalogStats aggregates a job's catalog.
type CatalogStats struct {
	PagesFetched   int            `json:"pages_fetched"`
	BytesStored    int64          `json:"bytes_stored"`
	DomainsSeen    int            `json:"domains_seen"`
	Errors         int            `json:"errors"`
	ErrorsByDomain map[string]int `json:"errors_by_domain"`
}

// QueueStats counts frontier items per state.
type QueueStats struct {
	Queued       int `json:"queued"`
	InFlight     int `json:"in_flight"`
	RetryDelayed int `json:"retry_delayed"`
	Completed    int `json:"completed"`
	Dead         int `json:"dead"`
	Total        int `json:"total"`
}

// Pending is the number of items that may still produce work.
func (s QueueStats) Pending() int {
	return s.Queued + s.InFlight + s.RetryDelayed
}

// LinkType classifies a discovered link.
type LinkType string

// Link types produced by the classifier.
const (
	LinkNavigation LinkType = "navigation"
	LinkContent    LinkType = "content"
	LinkAsset      LinkType = "asset"
)

// LinkEdge is a discovered link from a source page.
type LinkEdge struct {
	SourceURL  string   `json:"source_url"`
	TargetURL  string   `json:"target_url"`
	AnchorText string   `json:"anchor_text,omitempty"`
	LinkType   LinkType `json:"link_type"`
	Score      float64  `json:"score"`
}

// DomainPolicy bounds a job's crawl scope.
type DomainPolicy struct {
	CrawlEntireDomain   bool          `json:"crawl_entire_domain" mapstructure:"crawl_entire_domain"`
	FollowInternalLinks bool          `json:"follow_internal_links" mapstructure:"follow_internal_links"`
	FollowExternalLinks bool          `json:"follow_external_links" mapstructure:"follow_external_links"`
	IncludePatterns     []string      `json:"include_patterns" mapstructure:"include_patterns"`
	ExcludePatterns     []string      `json:"exclude_patterns" mapstructure:"exclude_patterns"`
	DenyDomains         []string      `json:"deny_domains" mapstructure:"deny_domains"`
	MaxDepth            int           `json:"max_depth" mapstructure:"max_depth"`
	MaxPages            int           `json:"max_pages" mapstructure:"max_pages"`
	PerDomainDelay      time.Duration `json:"per_domain_delay" mapstructure:"-"`
}

// Normalized applies the implied flags: crawling the entire domain always
// follows internal links.
func (p DomainPolicy) Normalized() DomainPolicy {
	if p.CrawlEntireDomain {
		p.FollowInternalLinks = true
	}
	return p
}

// JobConfig is everything needed to start one crawl job.
type JobConfig struct {
	JobID      string
	Seeds      []string
	Policy     DomainPolicy
	MaxRetries int
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID       string
	URL         string
	Depth       int
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response Content-Type header, if any.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// CaptureEvent is published after a page has been stored and cataloged.
type CaptureEvent struct {
	JobID          string    `json:"job_id"`
	URL            string    `json:"url"`
	Digest         string    `json:"digest"`
	StatusCode     int       `json:"status_code"`
	DiscoveryOrder int64     `json:"discovery_order"`
	Timestamp      time.Time `json:"timestamp"`
}

// DeadLetterEvent is published when a URL exhausts its retries.
type DeadLetterEvent struct {
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}
