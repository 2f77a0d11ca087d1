// Package headless renders pages in headless Chrome for sites whose links
// only exist after JavaScript runs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	// settleDelay gives client-side routers a moment to insert links once
	// the body exists.
	settleDelay = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent tabs; zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary; empty searches PATH.
	ExecPath string
	// NoSandbox is needed when running as root inside containers.
	NoSandbox bool
}

// Fetcher renders one page per browser tab and returns the serialized DOM.
type Fetcher struct {
	cfg     Config
	tabs    *semaphore.Weighted
	browser context.Context
	close   context.CancelFunc
}

// NewChromedp starts a browser allocator. Chrome itself is launched lazily
// by the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	f.browser, f.close = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	f.close()
	return nil
}

// Fetch renders request.URL. Failures before a document arrives are
// classified like network errors; a document with an error status comes
// back alongside its classified status error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, crawler.ClassifyFetchError(request.URL, 0, fmt.Errorf("wait for tab: %w", err))
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	defer context.AfterFunc(ctx, closeTab)()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		network.Enable(),
		network.SetExtraHTTPHeaders(requestHeaders(f.cfg.UserAgent, request.Headers)),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.FetchResponse{}, crawler.ClassifyFetchError(request.URL, 0, fmt.Errorf("render: %w", err))
	}

	resp := doc.response(request.URL, location)
	resp.Body = []byte(html)
	resp.Duration = time.Since(start)
	return resp, crawler.ClassifyStatus(request.URL, resp.StatusCode)
}

// requestHeaders folds the user agent into the per-request headers. Chrome
// applies a User-Agent sent this way to the navigation request.
func requestHeaders(userAgent string, h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	if userAgent != "" {
		out["User-Agent"] = userAgent
	}
	return out
}

// document remembers the last top-level document response of a tab.
type document struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *document) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := make(http.Header, len(e.Response.Headers))
	for key, value := range e.Response.Headers {
		headers.Set(key, fmt.Sprint(value))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.url = e.Response.URL
	d.headers = headers
}

// response describes the rendered page. Missing pieces fall back to the
// browser location, then the requested URL, and a 200 status.
func (d *document) response(requested, location string) crawler.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := crawler.FetchResponse{
		URL:          d.url,
		StatusCode:   d.status,
		Headers:      d.headers.Clone(),
		UsedHeadless: true,
	}
	if resp.URL == "" {
		resp.URL = location
	}
	if resp.URL == "" {
		resp.URL = requested
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	// The serialized DOM is HTML whatever the origin sent.
	resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
	return resp
}

var _ crawler.Fetcher = (*Fetcher)(nil)
