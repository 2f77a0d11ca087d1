// Package redis implements the frontier on Redis so several crawler
// processes can share one job.
//
// Key layout under <prefix><job>:
//
//	items     hash  url -> JSON CrawlURL (the dedup set and source of truth)
//	ready     zset  score 0, member "<order key>|<url>", read in lexical order
//	delayed   zset  score = ready-at unix ms, member url
//	inflight  zset  score = lease expiry unix ms, member url
//	completed set   url
//	dead      set   url
//
// Moves out of ready, delayed and inflight run as Lua scripts that remove
// the member, add it to its next set and rewrite the item in one step, so an
// item is always in exactly one set and only one caller wins it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
)

const scanBatch = 64

// putScript inserts the item only when the url is new.
var putScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return 1
`)

// claimScript moves an item from ready to inflight and stores its new state.
// KEYS: ready, inflight, items. ARGV: member, lease ms, url, payload.
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
return 1
`)

// requeueScript moves a due item from a time-scored set back to ready. An
// entry rescored past now since it was read is left alone.
// KEYS: source, ready, items. ARGV: url, ready member, payload, now ms.
var requeueScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[4]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], 0, ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return 1
`)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Frontier is a Redis-backed frontier for one job.
type Frontier struct {
	client *redis.Client
	opts   queue.Options
	keys   keys
	closed atomic.Bool
}

type keys struct {
	items, ready, delayed, inflight, completed, dead string
}

func newKeys(prefix, jobID string) keys {
	base := prefix + jobID + ":"
	return keys{
		items:     base + "items",
		ready:     base + "ready",
		delayed:   base + "delayed",
		inflight:  base + "inflight",
		completed: base + "completed",
		dead:      base + "dead",
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, opts queue.Options) (*Frontier, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	f, err := New(client, cfg.Prefix, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return f, nil
}

// New wraps an existing client. The frontier owns the client and closes it.
func New(client *redis.Client, prefix string, opts queue.Options) (*Frontier, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "cfpl:frontier:"
	}
	return &Frontier{client: client, opts: opts, keys: newKeys(prefix, opts.JobID)}, nil
}

func readyMember(item crawler.CrawlURL) string {
	return queue.OrderKey(item) + "|" + item.URL
}

func urlFromMember(member string) string {
	if i := strings.IndexByte(member, '|'); i >= 0 {
		return member[i+1:]
	}
	return member
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (f *Frontier) checkOpen() error {
	if f.closed.Load() {
		return crawler.ErrFrontierClosed
	}
	return nil
}

// Put inserts item unless its URL was already seen or it is too deep.
func (f *Frontier) Put(ctx context.Context, item crawler.CrawlURL) (bool, error) {
	if err := f.checkOpen(); err != nil {
		return false, err
	}
	if !f.opts.WithinDepth(item.Depth) {
		return false, nil
	}
	item, err := queue.Prepare(item, f.opts.Clock.Now())
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("encode frontier item: %w", err)
	}
	added, err := putScript.Run(ctx, f.client,
		[]string{f.keys.items, f.keys.ready},
		item.URL, payload, readyMember(item),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis frontier put: %w", err)
	}
	if added == 0 {
		metrics.ObserveFrontier("duplicate")
		return false, nil
	}
	metrics.ObserveFrontier("put")
	return true, nil
}

// Next claims the best ready item whose domain the gate allows.
func (f *Frontier) Next(ctx context.Context) (crawler.CrawlURL, bool, error) {
	if err := f.checkOpen(); err != nil {
		return crawler.CrawlURL{}, false, err
	}
	now := f.opts.Clock.Now()
	if _, err := f.requeueDue(ctx, f.keys.delayed, now); err != nil {
		return crawler.CrawlURL{}, false, err
	}
	if _, err := f.requeueDue(ctx, f.keys.inflight, now); err != nil {
		return crawler.CrawlURL{}, false, err
	}

	refused := make(map[string]bool)
	for offset := int64(0); ; offset += scanBatch {
		members, err := f.client.ZRange(ctx, f.keys.ready, offset, offset+scanBatch-1).Result()
		if err != nil {
			return crawler.CrawlURL{}, false, fmt.Errorf("redis frontier scan: %w", err)
		}
		if len(members) == 0 {
			return crawler.CrawlURL{}, false, nil
		}
		for _, member := range members {
			url := urlFromMember(member)
			domain := crawler.Domain(url)
			if refused[domain] {
				continue
			}
			if !f.opts.Allow(domain, now) {
				refused[domain] = true
				continue
			}
			item, claimed, err := f.claim(ctx, member, url, now)
			if err != nil || !claimed {
				f.opts.Release(domain, now)
			}
			if err != nil {
				return crawler.CrawlURL{}, false, err
			}
			if !claimed {
				continue
			}
			metrics.ObserveFrontier("next")
			return item, true, nil
		}
	}
}

// claim moves member from ready to inflight with a fresh lease. It reports
// false when another caller claimed the item first.
func (f *Frontier) claim(ctx context.Context, member, url string, now time.Time) (crawler.CrawlURL, bool, error) {
	item, err := f.get(ctx, url)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.CrawlURL{}, false, nil
	}
	if err != nil {
		return crawler.CrawlURL{}, false, err
	}
	item.State = crawler.StateInFlight
	payload, err := json.Marshal(item)
	if err != nil {
		return crawler.CrawlURL{}, false, fmt.Errorf("encode frontier item: %w", err)
	}
	lease := now.Add(f.opts.LeaseTimeout)
	moved, err := claimScript.Run(ctx, f.client,
		[]string{f.keys.ready, f.keys.inflight, f.keys.items},
		member, lease.UnixMilli(), url, payload,
	).Int()
	if err != nil {
		return crawler.CrawlURL{}, false, fmt.Errorf("redis frontier claim: %w", err)
	}
	return item, moved == 1, nil
}

// requeueDue moves members of a time-scored set whose score is due back to
// ready.
func (f *Frontier) requeueDue(ctx context.Context, set string, now time.Time) (int, error) {
	due, err := f.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis frontier due scan: %w", err)
	}
	n := 0
	for _, url := range due {
		item, err := f.get(ctx, url)
		if errors.Is(err, crawler.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		item.State = crawler.StateQueued
		payload, err := json.Marshal(item)
		if err != nil {
			return n, fmt.Errorf("encode frontier item: %w", err)
		}
		moved, err := requeueScript.Run(ctx, f.client,
			[]string{set, f.keys.ready, f.keys.items},
			url, readyMember(item), payload, now.UnixMilli(),
		).Int()
		if err != nil {
			return n, fmt.Errorf("redis frontier requeue: %w", err)
		}
		if moved == 0 {
			continue
		}
		if set == f.keys.inflight {
			f.opts.Logger.Warn("Reclaimed expired lease", queue.Fields(f.opts.JobID, item)...)
		}
		n++
	}
	return n, nil
}

// Complete marks url completed. Terminal items are left untouched.
func (f *Frontier) Complete(ctx context.Context, url string) error {
	item, err := f.get(ctx, url)
	if err != nil {
		return err
	}
	if item.State.Terminal() {
		return nil
	}
	prev := item
	item.State = crawler.StateCompleted
	if err := f.save(ctx, item, func(pipe redis.Pipeliner) {
		f.detach(ctx, pipe, prev)
		pipe.SAdd(ctx, f.keys.completed, url)
	}); err != nil {
		return err
	}
	metrics.ObserveFrontier("complete")
	return nil
}

// Retry records a failed attempt and moves the item to retry-delayed or dead.
func (f *Frontier) Retry(ctx context.Context, item crawler.CrawlURL, cause error) (crawler.URLState, error) {
	if err := queue.Validate(item); err != nil {
		return "", err
	}
	stored, err := f.get(ctx, item.URL)
	if err != nil {
		return "", err
	}
	if stored.State.Terminal() {
		return stored.State, nil
	}
	prev := stored
	count, state, readyAt := queue.NextState(f.opts.Retry, stored.RetryCount, f.opts.Clock.Now())
	stored.RetryCount = count
	stored.State = state
	stored.LastError = queue.ErrorText(cause)
	err = f.save(ctx, stored, func(pipe redis.Pipeliner) {
		f.detach(ctx, pipe, prev)
		if state == crawler.StateDead {
			pipe.SAdd(ctx, f.keys.dead, stored.URL)
			return
		}
		pipe.ZAdd(ctx, f.keys.delayed, redis.Z{Score: millis(readyAt), Member: stored.URL})
	})
	if err != nil {
		return "", err
	}
	if state == crawler.StateDead {
		metrics.ObserveDeadLetter(stored.Domain)
		f.opts.Logger.Warn("URL exhausted retries", queue.Fields(f.opts.JobID, stored)...)
	} else {
		metrics.ObserveFrontier("retry")
	}
	return state, nil
}

// Dead moves the item to the dead state.
func (f *Frontier) Dead(ctx context.Context, item crawler.CrawlURL, cause error) error {
	if err := queue.Validate(item); err != nil {
		return err
	}
	stored, err := f.get(ctx, item.URL)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return nil
	}
	prev := stored
	stored.State = crawler.StateDead
	stored.LastError = queue.ErrorText(cause)
	if err := f.save(ctx, stored, func(pipe redis.Pipeliner) {
		f.detach(ctx, pipe, prev)
		pipe.SAdd(ctx, f.keys.dead, stored.URL)
	}); err != nil {
		return err
	}
	metrics.ObserveDeadLetter(stored.Domain)
	return nil
}

// Stats counts items per state.
func (f *Frontier) Stats(ctx context.Context) (crawler.QueueStats, error) {
	var queued, inflight, delayed, completed, dead, total *redis.IntCmd
	_, err := f.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		queued = pipe.ZCard(ctx, f.keys.ready)
		inflight = pipe.ZCard(ctx, f.keys.inflight)
		delayed = pipe.ZCard(ctx, f.keys.delayed)
		completed = pipe.SCard(ctx, f.keys.completed)
		dead = pipe.SCard(ctx, f.keys.dead)
		total = pipe.HLen(ctx, f.keys.items)
		return nil
	})
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("redis frontier stats: %w", err)
	}
	return crawler.QueueStats{
		Queued:       int(queued.Val()),
		InFlight:     int(inflight.Val()),
		RetryDelayed: int(delayed.Val()),
		Completed:    int(completed.Val()),
		Dead:         int(dead.Val()),
		Total:        int(total.Val()),
	}, nil
}

// DeadLetters returns dead items in enqueue order.
func (f *Frontier) DeadLetters(ctx context.Context) ([]crawler.CrawlURL, error) {
	urls, err := f.client.SMembers(ctx, f.keys.dead).Result()
	if err != nil {
		return nil, fmt.Errorf("redis frontier dead letters: %w", err)
	}
	if len(urls) == 0 {
		return nil, nil
	}
	values, err := f.client.HMGet(ctx, f.keys.items, urls...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis frontier dead letters: %w", err)
	}
	out := make([]crawler.CrawlURL, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item crawler.CrawlURL
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode frontier item: %w", err)
		}
		out = append(out, item)
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
func (f *Frontier) Reclaim(ctx context.Context) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	return f.requeueDue(ctx, f.keys.inflight, f.opts.Clock.Now())
}

// Close closes the Redis client.
func (f *Frontier) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.client.Close()
}

func (f *Frontier) get(ctx context.Context, url string) (crawler.CrawlURL, error) {
	if err := f.checkOpen(); err != nil {
		return crawler.CrawlURL{}, err
	}
	raw, err := f.client.HGet(ctx, f.keys.items, url).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crawler.CrawlURL{}, fmt.Errorf("frontier item %q: %w", url, crawler.ErrNotFound)
		}
		return crawler.CrawlURL{}, fmt.Errorf("redis frontier get: %w", err)
	}
	var item crawler.CrawlURL
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return crawler.CrawlURL{}, fmt.Errorf("decode frontier item: %w", err)
	}
	return item, nil
}

// save writes item and applies extra in one MULTI/EXEC.
func (f *Frontier) save(ctx context.Context, item crawler.CrawlURL, extra func(redis.Pipeliner)) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode frontier item: %w", err)
	}
	_, err = f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, f.keys.items, item.URL, payload)
		if extra != nil {
			extra(pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis frontier save: %w", err)
	}
	return nil
}

// detach queues removal of item from the set its state lives in.
func (f *Frontier) detach(ctx context.Context, pipe redis.Pipeliner, item crawler.CrawlURL) {
	switch item.State {
	case crawler.StateQueued:
		pipe.ZRem(ctx, f.keys.ready, readyMember(item))
	case crawler.StateInFlight:
		pipe.ZRem(ctx, f.keys.inflight, item.URL)
	case crawler.StateRetryDelayed:
		pipe.ZRem(ctx, f.keys.delayed, item.URL)
	}
}

var _ crawler.Frontier = (*Frontier)(nil)
