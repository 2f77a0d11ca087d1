// Package cas implements the content-addressed store: blobs are keyed by
// their SHA-256 digest, written once, and never rewritten.
package cas

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/hash/sha256"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
)

// Store pairs a blob backend with a record index.
type Store struct {
	blobs   crawler.BlobStore
	records crawler.RecordIndex
	clock   crawler.Clock
	logger  *zap.Logger
}

// New constructs a Store.
func New(blobs crawler.BlobStore, records crawler.RecordIndex, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if records == nil {
		return nil, fmt.Errorf("record index is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, records: records, clock: clock, logger: logger}, nil
}

// StoragePath maps a digest to its sharded relative location.
func StoragePath(digest string) string {
	return digest[:2] + "/" + digest
}

// Put stores data and returns its digest. Identical bytes are written once;
// later puts only refresh the record's content type.
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	digest := sha256.Sum(data)
	path := StoragePath(digest)

	created, err := s.blobs.PutObject(ctx, path, contentType, data)
	if err != nil {
		return "", crawler.NewStorageError("put blob", err)
	}
	_, err = s.records.UpsertRecord(ctx, crawler.ContentRecord{
		Digest:      digest,
		ByteLength:  int64(len(data)),
		ContentType: contentType,
		StoragePath: path,
		FirstSeenAt: s.clock.Now(),
	})
	if err != nil {
		return "", asStorageError("upsert record", err)
	}
	metrics.ObserveStored(len(data), !created)
	if !created {
		s.logger.Debug("content deduplicated", zap.String("digest", digest))
	}
	return digest, nil
}

// Get returns the bytes stored for digest.
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	rec, err := s.Record(ctx, digest)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.GetObject(ctx, rec.StoragePath)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return nil, &crawler.NotFoundError{Digest: digest}
		}
		return nil, crawler.NewStorageError("get blob", err)
	}
	return data, nil
}

// Exists reports whether digest has a record and a blob.
func (s *Store) Exists(ctx context.Context, digest string) (bool, error) {
	if !sha256.Valid(digest) {
		return false, nil
	}
	_, ok, err := s.records.GetRecord(ctx, digest)
	if err != nil {
		return false, asStorageError("get record", err)
	}
	if !ok {
		return false, nil
	}
	ok, err = s.blobs.Exists(ctx, StoragePath(digest))
	if err != nil {
		return false, crawler.NewStorageError("stat blob", err)
	}
	return ok, nil
}

// Record returns the metadata for digest.
func (s *Store) Record(ctx context.Context, digest string) (crawler.ContentRecord, error) {
	if !sha256.Valid(digest) {
		return crawler.ContentRecord{}, &crawler.NotFoundError{Digest: digest}
	}
	rec, ok, err := s.records.GetRecord(ctx, digest)
	if err != nil {
		return crawler.ContentRecord{}, asStorageError("get record", err)
	}
	if !ok {
		return crawler.ContentRecord{}, &crawler.NotFoundError{Digest: digest}
	}
	return rec, nil
}

func asStorageError(op string, err error) error {
	var se *crawler.StorageError
	if errors.As(err, &se) {
		return err
	}
	return crawler.NewStorageError(op, err)
}

var _ crawler.ContentStore = (*Store)(nil)
