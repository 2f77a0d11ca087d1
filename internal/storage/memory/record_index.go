package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// RecordIndex maps digests to content records.
type RecordIndex struct {
	mu      sync.RWMutex
	records map[string]crawler.ContentRecord
}

// NewRecordIndex constructs an empty index.
func NewRecordIndex() *RecordIndex {
	return &RecordIndex{records: make(map[string]crawler.ContentRecord)}
}

// UpsertRecord inserts or refreshes metadata, keeping FirstSeenAt.
func (r *RecordIndex) UpsertRecord(_ context.Context, record crawler.ContentRecord) (crawler.ContentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[record.Digest]; ok {
		record.FirstSeenAt = existing.FirstSeenAt
	}
	r.records[record.Digest] = record
	return record, nil
}

// GetRecord returns the record for digest.
func (r *RecordIndex) GetRecord(_ context.Context, digest string) (crawler.ContentRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[digest]
	return rec, ok, nil
}

// Len returns the number of distinct digests recorded.
func (r *RecordIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

var _ crawler.RecordIndex = (*RecordIndex)(nil)
