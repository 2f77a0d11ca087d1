package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// RecordIndex stores content records in the content_records table.
type RecordIndex struct {
	db DB
}

// NewRecordIndex wraps an existing pool.
func NewRecordIndex(db DB) (*RecordIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordIndex{db: db}, nil
}

const upsertRecordSQL = `INSERT INTO content_records (digest, byte_length, content_type, storage_path, first_seen_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (digest) DO UPDATE
SET content_type = EXCLUDED.content_type
RETURNING first_seen_at`

// UpsertRecord inserts the record or refreshes its content type. The
// original first_seen_at always survives.
func (r *RecordIndex) UpsertRecord(ctx context.Context, record crawler.ContentRecord) (crawler.ContentRecord, error) {
	row := r.db.QueryRow(ctx, upsertRecordSQL,
		record.Digest,
		record.ByteLength,
		record.ContentType,
		record.StoragePath,
		record.FirstSeenAt,
	)
	if err := row.Scan(&record.FirstSeenAt); err != nil {
		return crawler.ContentRecord{}, crawler.NewStorageError("upsert content record", err)
	}
	return record, nil
}

const getRecordSQL = `SELECT digest, byte_length, content_type, storage_path, first_seen_at
FROM content_records WHERE digest = $1`

// GetRecord loads the record for digest.
func (r *RecordIndex) GetRecord(ctx context.Context, digest string) (crawler.ContentRecord, bool, error) {
	var rec crawler.ContentRecord
	err := r.db.QueryRow(ctx, getRecordSQL, digest).Scan(
		&rec.Digest,
		&rec.ByteLength,
		&rec.ContentType,
		&rec.StoragePath,
		&rec.FirstSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ContentRecord{}, false, nil
	}
	if err != nil {
		return crawler.ContentRecord{}, false, crawler.NewStorageError("get content record", err)
	}
	return rec, true, nil
}

var _ crawler.RecordIndex = (*RecordIndex)(nil)
