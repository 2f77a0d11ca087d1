package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore persists immutable blobs under a relative path.
// PutObject reports created=false when the path already held data; the
// existing bytes are left untouched.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (created bool, err error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// RecordIndex keeps the digest to ContentRecord mapping for the CAS.
type RecordIndex interface {
	// UpsertRecord inserts the record or refreshes its metadata, keeping the
	// original FirstSeenAt.
	UpsertRecord(ctx context.Context, record ContentRecord) (ContentRecord, error)
	GetRecord(ctx context.Context, digest string) (ContentRecord, bool, error)
}

// HeadlessDetector decides whether a plain capture should be re-fetched
// with the headless renderer.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// ContentStore is the content-addressed store used by workers.
type ContentStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// Catalog records per-job fetch results.
type Catalog interface {
	RecordFetch(ctx context.Context, jobID, url string, outcome FetchOutcome) (CatalogEntry, error)
	Lookup(ctx context.Context, jobID, url string) (CatalogEntry, bool, error)
	Stats(ctx context.Context, jobID string) (CatalogStats, error)
	Entries(ctx context.Context, jobID string) ([]CatalogEntry, error)
}

// Frontier is the per-job priority queue of URLs to crawl.
type Frontier interface {
	// Put inserts the item if its canonical URL has never been seen by this
	// job. It reports false for duplicates and for items beyond the max depth.
	Put(ctx context.Context, item CrawlURL) (bool, error)
	// Next returns the best ready item, marking it in flight. ok is false when
	// nothing is ready right now.
	Next(ctx context.Context) (item CrawlURL, ok bool, err error)
	Complete(ctx context.Context, url string) error
	// Retry records a failed attempt and reports the state the item moved to.
	Retry(ctx context.Context, item CrawlURL, cause error) (URLState, error)
	Dead(ctx context.Context, item CrawlURL, cause error) error
	Stats(ctx context.Context) (QueueStats, error)
	DeadLetters(ctx context.Context) ([]CrawlURL, error)
	// Reclaim requeues in-flight items whose lease has expired.
	Reclaim(ctx context.Context) (int, error)
	Close() error
}

// Gate decides whether a domain may be fetched now. Allow consumes the
// domain's slot; Release hands back a slot taken at now whose claim did not
// go through.
type Gate interface {
	Allow(domain string, now time.Time) bool
	Release(domain string, now time.Time)
}

// PageBudget caps the pages a job captures. A worker reserves a page before
// it dequeues, then commits the reservation once the page is cataloged or
// releases it.
type PageBudget interface {
	Reserve() bool
	Commit()
	Release()
}

// Scope decides whether a discovered link belongs to the job.
type Scope interface {
	InScope(candidate string, sourceDepth int) bool
}

// LinkClassifier extracts and scores outgoing links.
type LinkClassifier interface {
	Classify(sourceURL, contentType string, body []byte) ([]LinkEdge, error)
}

// Publisher pushes events to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// EdgeSink receives the link graph for downstream analysis.
type EdgeSink interface {
	WriteEdges(ctx context.Context, jobID string, edges []LinkEdge) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
