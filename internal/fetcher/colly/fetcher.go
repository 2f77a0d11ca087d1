// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps captured bytes. Larger bodies fail the fetch instead
	// of being truncated. Zero means no limit.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the colly callbacks observed for one visit.
type fetchState struct {
	response crawler.FetchResponse
	status   int
	err      error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(&robotsTransport{base: newHTTPTransport(), logger: logger.Named("robots")})
	// colly truncates at its own default otherwise.
	c.MaxBodySize = max(cfg.MaxBodySize, 0)
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. Non-2xx statuses come back with the
// response and a classified error so callers can decide between retry and
// dead-letter.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	state := &fetchState{}
	collector := f.buildCollector(request, time.Now(), state)

	if err := runCollector(ctx, collector, request.URL); err != nil {
		return crawler.FetchResponse{}, classifyVisitError(request.URL, 0, err)
	}
	if state.err != nil {
		return state.response, classifyVisitError(request.URL, state.status, state.err)
	}
	if err := f.checkBodySize(state.response); err != nil {
		return crawler.FetchResponse{}, classifyVisitError(request.URL, state.response.StatusCode, err)
	}
	if err := crawler.ClassifyStatus(request.URL, state.response.StatusCode); err != nil {
		return state.response, err
	}
	return state.response, nil
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest, start time.Time, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// The frontier owns dedup; colly must not refuse retries of a URL.
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)

	f.configureCollectorHooks(collector, request, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	state *fetchState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		state.response = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		state.err = err
		if r != nil {
			state.status = r.StatusCode
		}
	})
}

// checkBodySize rejects responses colly cut short. colly reads at most
// MaxBodySize bytes, so a body that fills the limit is treated as truncated.
func (f *Fetcher) checkBodySize(resp crawler.FetchResponse) error {
	limit := f.cfg.MaxBodySize
	if limit <= 0 {
		return nil
	}
	if n := len(resp.Body); n >= limit {
		return fmt.Errorf("%w: read %d bytes, limit %d", crawler.ErrBodyTooLarge, n, limit)
	}
	if raw := resp.Headers.Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > int64(limit) {
			return fmt.Errorf("%w: content-length %d, limit %d", crawler.ErrBodyTooLarge, n, limit)
		}
	}
	return nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classifyVisitError(url string, status int, err error) error {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return &crawler.TerminalFetchError{URL: url, Err: err}
	}
	return crawler.ClassifyFetchError(url, status, err)
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ crawler.Fetcher = (*Fetcher)(nil)
