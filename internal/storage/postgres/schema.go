package postgres

import (
	"context"
	"fmt"
)

// Schema creates every table the engine uses. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS content_records (
	digest        TEXT PRIMARY KEY,
	byte_length   BIGINT NOT NULL,
	content_type  TEXT NOT NULL DEFAULT '',
	storage_path  TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS catalog_jobs (
	job_id     TEXT PRIMARY KEY,
	next_order BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS catalog_entries (
	job_id          TEXT NOT NULL REFERENCES catalog_jobs (job_id),
	url             TEXT NOT NULL,
	digest          TEXT NOT NULL DEFAULT '',
	status_code     INTEGER NOT NULL DEFAULT 0,
	depth           INTEGER NOT NULL DEFAULT 0,
	discovery_order BIGINT NOT NULL,
	domain          TEXT NOT NULL DEFAULT '',
	byte_length     BIGINT NOT NULL DEFAULT 0,
	fetched_at      TIMESTAMPTZ NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, url),
	UNIQUE (job_id, discovery_order)
)`,
	`CREATE TABLE IF NOT EXISTS frontier_urls (
	job_id         TEXT NOT NULL,
	url            TEXT NOT NULL,
	priority       DOUBLE PRECISION NOT NULL DEFAULT 0,
	depth          INTEGER NOT NULL DEFAULT 0,
	domain         TEXT NOT NULL DEFAULT '',
	discovered_via TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	enqueued_at    TIMESTAMPTZ NOT NULL,
	state          TEXT NOT NULL,
	ready_at       TIMESTAMPTZ,
	lease_until    TIMESTAMPTZ,
	last_error     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, url)
)`,
	`CREATE INDEX IF NOT EXISTS frontier_urls_ready_idx
	ON frontier_urls (job_id, state, priority DESC, depth ASC, enqueued_at ASC)`,
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
