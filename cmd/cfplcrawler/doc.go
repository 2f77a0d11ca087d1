// Command cfplcrawler runs one capture-first crawl job.
//
// The binary loads configuration with Viper (a YAML file passed via -config,
// overridden by CRAWLER_* environment variables), seeds the job frontier and
// runs a fixed pool of workers until the frontier is exhausted, the page
// budget is spent, or SIGINT/SIGTERM arrives.
//
// Each worker leases the best ready URL, fetches it with Colly (optionally
// promoting to headless Chrome), stores the raw bytes in the content-addressed
// store, records the outcome in the job catalog, and enqueues the in-scope
// links it finds. Failures are retried with exponential backoff until the
// retry budget is spent, after which the URL is dead-lettered.
//
// Backends are chosen by configuration:
//   - frontier.backend: memory, postgres or redis
//   - storage.backend: local, memory or gcs; database.dsn moves the catalog
//     and content records to Postgres
//   - publisher.backend: memory, pubsub or kafka, for capture and
//     dead-letter events
//   - graph.uri: an optional Neo4j link-graph sink
//
// With server.enabled the read-only query API is served on server.port while
// the job runs. report.xlsx_path writes a spreadsheet summary on completion.
// The process exits non-zero when the job halts on a fatal storage error.
//
// Usage:
//
//	go run ./cmd/cfplcrawler -config config.yaml
package main
