package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
	"github.com/JakeFAU/cfpl-crawler/internal/queue/frontiertest"
)

func TestFrontierContract(t *testing.T) {
	t.Parallel()

	frontiertest.Run(t, func(t *testing.T, opts queue.Options) crawler.Frontier {
		f, err := New(opts)
		require.NoError(t, err)
		return f
	})
}

func TestNewRequiresJobID(t *testing.T) {
	t.Parallel()

	_, err := New(queue.Options{})
	require.Error(t, err)
}

func TestConcurrentPutAndNext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, err := New(queue.Options{JobID: "job", MaxDepth: -1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := f.Put(ctx, crawler.CrawlURL{URL: fmt.Sprintf("https://example.com/%d", i)})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	var mu sync.Mutex
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok, err := f.Next(ctx)
				if !assert.NoError(t, err) || !ok {
					return
				}
				mu.Lock()
				assert.False(t, seen[item.URL], "item handed out twice: %s", item.URL)
				seen[item.URL] = true
				mu.Unlock()
				assert.NoError(t, f.Complete(ctx, item.URL))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Completed)
	assert.Equal(t, 0, stats.Pending())
}
