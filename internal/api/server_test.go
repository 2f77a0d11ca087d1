package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/clock/manual"
	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
	memqueue "github.com/JakeFAU/cfpl-crawler/internal/queue/memory"
	memstore "github.com/JakeFAU/cfpl-crawler/internal/storage/memory"
)

const jobID = "job-1"

type fixture struct {
	server   *Server
	catalog  *memstore.Catalog
	frontier *memqueue.Frontier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := manual.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	frontier, err := memqueue.New(queue.Options{JobID: jobID, MaxDepth: -1, Retry: crawler.RetryPolicy{MaxRetries: 0}, Clock: clock})
	require.NoError(t, err)
	catalog := memstore.NewCatalog(clock)

	for _, u := range []string{"https://example.com/", "https://example.com/gone"} {
		_, err := frontier.Put(ctx, crawler.CrawlURL{URL: u})
		require.NoError(t, err)
	}
	first, _, err := frontier.Next(ctx)
	require.NoError(t, err)
	_, err = catalog.RecordFetch(ctx, jobID, first.URL, crawler.Succeeded(crawler.FetchSuccess{Digest: "abc", StatusCode: 200, ByteLength: 42}))
	require.NoError(t, err)
	require.NoError(t, frontier.Complete(ctx, first.URL))

	second, _, err := frontier.Next(ctx)
	require.NoError(t, err)
	state, err := frontier.Retry(ctx, second, errors.New("status 503"))
	require.NoError(t, err)
	require.Equal(t, crawler.StateDead, state)

	registry := NewRegistry()
	registry.Register(jobID, frontier)
	return &fixture{server: NewServer(catalog, registry, zap.NewNop()), catalog: catalog, frontier: frontier}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := newFixture(t).get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	rec := newFixture(t).get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cfpl_")
}

func TestStats(t *testing.T) {
	t.Parallel()

	rec := newFixture(t).get(t, "/v1/jobs/"+jobID+"/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobID, resp.JobID)
	assert.Equal(t, 1, resp.Catalog.PagesFetched)
	assert.Equal(t, int64(42), resp.Catalog.BytesStored)
	assert.Equal(t, 1, resp.Queue.Completed)
	assert.Equal(t, 1, resp.Queue.Dead)
}

func TestEntries(t *testing.T) {
	t.Parallel()

	rec := newFixture(t).get(t, "/v1/jobs/"+jobID+"/entries")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []crawler.CatalogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "abc", entries[0].Digest)
	assert.Equal(t, int64(1), entries[0].DiscoveryOrder)
}

func TestEntryLookupCanonicalizes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.get(t, "/v1/jobs/"+jobID+"/entry?url="+url.QueryEscape("HTTPS://Example.com:443"))
	require.Equal(t, http.StatusOK, rec.Code)
	var entry crawler.CatalogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "https://example.com/", entry.URL)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/jobs/"+jobID+"/entry?url="+url.QueryEscape("https://example.com/none")).Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/jobs/"+jobID+"/entry").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/jobs/"+jobID+"/entry?url="+url.QueryEscape("ftp://example.com/")).Code)
}

func TestFrontierAndDead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.get(t, "/v1/jobs/"+jobID+"/frontier")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats crawler.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)

	rec = f.get(t, "/v1/jobs/"+jobID+"/dead")
	require.Equal(t, http.StatusOK, rec.Code)
	var dead []crawler.CrawlURL
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dead))
	require.Len(t, dead, 1)
	assert.Equal(t, "https://example.com/gone", dead[0].URL)
	assert.Equal(t, "status 503", dead[0].LastError)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, route := range []string{"stats", "entries", "entry?url=https://example.com/", "frontier", "dead"} {
		rec := f.get(t, "/v1/jobs/nope/"+route)
		assert.Equal(t, http.StatusNotFound, rec.Code, route)
	}
}

type failingCatalog struct {
	crawler.Catalog
}

func (failingCatalog) Entries(context.Context, string) ([]crawler.CatalogEntry, error) {
	return nil, errors.New("db down")
}

func TestEntriesStorageError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	registry := NewRegistry()
	registry.Register(jobID, f.frontier)
	server := NewServer(failingCatalog{Catalog: f.catalog}, registry, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID+"/entries", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.get(t, "/healthz")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "given")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "given", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	handler := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
