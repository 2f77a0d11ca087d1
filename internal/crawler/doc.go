// Package crawler defines the shared vocabulary of the capture-first crawl
// engine: frontier items and their states, content and catalog records, link
// edges, domain policy, the collaborator interfaces wired together by the
// worker, and the typed errors used to route failures.
package crawler
