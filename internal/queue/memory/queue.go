// Package memory provides the in-process frontier used for local runs and
// tests.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
)

type entry struct {
	item       crawler.CrawlURL
	readyAt    time.Time
	leaseUntil time.Time
	index      int
}

// Frontier is a mutex-guarded priority frontier for a single job.
type Frontier struct {
	mu       sync.Mutex
	opts     queue.Options
	items    map[string]*entry
	ready    readyHeap
	delayed  map[string]*entry
	inflight map[string]*entry
	closed   bool
}

// New constructs an empty frontier.
func New(opts queue.Options) (*Frontier, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	return &Frontier{
		opts:     opts,
		items:    make(map[string]*entry),
		delayed:  make(map[string]*entry),
		inflight: make(map[string]*entry),
	}, nil
}

// Put inserts item unless its URL was already seen or it is too deep.
func (f *Frontier) Put(_ context.Context, item crawler.CrawlURL) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, crawler.ErrFrontierClosed
	}
	if !f.opts.WithinDepth(item.Depth) {
		return false, nil
	}
	item, err := queue.Prepare(item, f.opts.Clock.Now())
	if err != nil {
		return false, err
	}
	if _, seen := f.items[item.URL]; seen {
		metrics.ObserveFrontier("duplicate")
		return false, nil
	}
	e := &entry{item: item, index: -1}
	f.items[item.URL] = e
	heap.Push(&f.ready, e)
	metrics.ObserveFrontier("put")
	return true, nil
}

// Next claims the best ready item whose domain the gate allows.
func (f *Frontier) Next(_ context.Context) (crawler.CrawlURL, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return crawler.CrawlURL{}, false, crawler.ErrFrontierClosed
	}
	now := f.opts.Clock.Now()
	f.promote(now)
	f.reclaim(now)

	var skipped []*entry
	refused := make(map[string]bool)
	var claimed *entry
	for f.ready.Len() > 0 {
		e := heap.Pop(&f.ready).(*entry)
		domain := e.item.Domain
		if refused[domain] || !f.opts.Allow(domain, now) {
			refused[domain] = true
			skipped = append(skipped, e)
			continue
		}
		claimed = e
		break
	}
	for _, e := range skipped {
		heap.Push(&f.ready, e)
	}
	if claimed == nil {
		return crawler.CrawlURL{}, false, nil
	}
	claimed.item.State = crawler.StateInFlight
	claimed.leaseUntil = now.Add(f.opts.LeaseTimeout)
	f.inflight[claimed.item.URL] = claimed
	metrics.ObserveFrontier("next")
	return claimed.item, true, nil
}

func (f *Frontier) promote(now time.Time) {
	for url, e := range f.delayed {
		if e.readyAt.After(now) {
			continue
		}
		delete(f.delayed, url)
		e.item.State = crawler.StateQueued
		e.readyAt = time.Time{}
		heap.Push(&f.ready, e)
	}
}

func (f *Frontier) reclaim(now time.Time) int {
	n := 0
	for url, e := range f.inflight {
		if e.leaseUntil.After(now) {
			continue
		}
		delete(f.inflight, url)
		e.item.State = crawler.StateQueued
		e.leaseUntil = time.Time{}
		heap.Push(&f.ready, e)
		n++
		f.opts.Logger.Warn("Reclaimed expired lease", queue.Fields(f.opts.JobID, e.item)...)
	}
	return n
}

// Complete marks url completed. Terminal items are left untouched.
func (f *Frontier) Complete(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(url)
	if err != nil {
		return err
	}
	if e.item.State.Terminal() {
		return nil
	}
	f.detach(e)
	e.item.State = crawler.StateCompleted
	metrics.ObserveFrontier("complete")
	return nil
}

// Retry records a failed attempt and moves the item to retry-delayed or dead.
func (f *Frontier) Retry(_ context.Context, item crawler.CrawlURL, cause error) (crawler.URLState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(item.URL)
	if err != nil {
		return "", err
	}
	if e.item.State.Terminal() {
		return e.item.State, nil
	}
	f.detach(e)
	now := f.opts.Clock.Now()
	count, state, readyAt := queue.NextState(f.opts.Retry, e.item.RetryCount, now)
	e.item.RetryCount = count
	e.item.State = state
	e.item.LastError = queue.ErrorText(cause)
	if state == crawler.StateDead {
		metrics.ObserveDeadLetter(e.item.Domain)
		f.opts.Logger.Warn("URL exhausted retries", queue.Fields(f.opts.JobID, e.item)...)
		return state, nil
	}
	e.readyAt = readyAt
	f.delayed[e.item.URL] = e
	metrics.ObserveFrontier("retry")
	return state, nil
}

// Dead moves the item to the dead state.
func (f *Frontier) Dead(_ context.Context, item crawler.CrawlURL, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.lookup(item.URL)
	if err != nil {
		return err
	}
	if e.item.State.Terminal() {
		return nil
	}
	f.detach(e)
	e.item.State = crawler.StateDead
	e.item.LastError = queue.ErrorText(cause)
	metrics.ObserveDeadLetter(e.item.Domain)
	return nil
}

// Stats counts items per state.
func (f *Frontier) Stats(_ context.Context) (crawler.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s crawler.QueueStats
	for _, e := range f.items {
		switch e.item.State {
		case crawler.StateQueued:
			s.Queued++
		case crawler.StateInFlight:
			s.InFlight++
		case crawler.StateRetryDelayed:
			s.RetryDelayed++
		case crawler.StateCompleted:
			s.Completed++
		case crawler.StateDead:
			s.Dead++
		}
	}
	s.Total = len(f.items)
	return s, nil
}

// DeadLetters returns dead items in enqueue order.
func (f *Frontier) DeadLetters(_ context.Context) ([]crawler.CrawlURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []crawler.CrawlURL
	for _, e := range f.items {
		if e.item.State == crawler.StateDead {
			out = append(out, e.item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].URL < out[j].URL
	})
	return out, nil
}

// Reclaim requeues in-flight items whose lease expired.
func (f *Frontier) Reclaim(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, crawler.ErrFrontierClosed
	}
	return f.reclaim(f.opts.Clock.Now()), nil
}

// Close rejects further operations that would change the frontier.
func (f *Frontier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Frontier) lookup(url string) (*entry, error) {
	e, ok := f.items[url]
	if !ok {
		return nil, fmt.Errorf("frontier item %q: %w", url, crawler.ErrNotFound)
	}
	return e, nil
}

// detach removes e from whichever working set currently holds it.
func (f *Frontier) detach(e *entry) {
	switch e.item.State {
	case crawler.StateQueued:
		if e.index >= 0 {
			heap.Remove(&f.ready, e.index)
		}
	case crawler.StateInFlight:
		delete(f.inflight, e.item.URL)
	case crawler.StateRetryDelayed:
		delete(f.delayed, e.item.URL)
	}
	e.leaseUntil = time.Time{}
	e.readyAt = time.Time{}
}

type readyHeap []*entry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return queue.Less(h[i].item, h[j].item) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ crawler.Frontier = (*Frontier)(nil)
