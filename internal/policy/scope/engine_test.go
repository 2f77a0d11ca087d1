package scope

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

func TestInScopeSeedScenario(t *testing.T) {
	t.Parallel()

	eng, err := New(crawler.DomainPolicy{
		FollowInternalLinks: true,
		MaxDepth:            2,
	}, []string{"https://example.com"})
	require.NoError(t, err)

	assert.True(t, eng.InScope("https://example.com/about", 0))
	assert.False(t, eng.InScope("https://other.org/", 0))
	assert.Equal(t, RuleExternalOff, eng.Explain("https://other.org/", 0).Rule)
}

func TestInScopeDepthBound(t *testing.T) {
	t.Parallel()

	eng, err := New(crawler.DomainPolicy{FollowInternalLinks: true, MaxDepth: 1}, []string{"https://example.com/"})
	require.NoError(t, err)

	assert.True(t, eng.InScope("https://example.com/a", 0))
	d := eng.Explain("https://example.com/a", 1)
	assert.False(t, d.Accepted)
	assert.Equal(t, RuleMaxDepth, d.Rule)
}

func TestCrawlEntireDomainIncludesSubdomains(t *testing.T) {
	t.Parallel()

	eng, err := New(crawler.DomainPolicy{CrawlEntireDomain: true, MaxDepth: 3}, []string{"https://example.com/start"})
	require.NoError(t, err)

	assert.True(t, eng.Policy().FollowInternalLinks, "entire domain implies internal links")
	assert.True(t, eng.InScope("https://blog.example.com/post", 0))
	assert.True(t, eng.InScope("https://example.com/x", 0))
	assert.False(t, eng.InScope("https://notexample.com/", 0))

	narrow, err := New(crawler.DomainPolicy{FollowInternalLinks: true, MaxDepth: 3}, []string{"https://example.com/"})
	require.NoError(t, err)
	assert.False(t, narrow.InScope("https://blog.example.com/post", 0))
}

func TestInternalLinksDisabled(t *testing.T) {
	t.Parallel()

	eng, err := New(crawler.DomainPolicy{FollowExternalLinks: true, MaxDepth: 3}, []string{"https://example.com/"})
	require.NoError(t, err)

	d := eng.Explain("https://example.com/about", 0)
	assert.False(t, d.Accepted)
	assert.True(t, d.Internal)
	assert.Equal(t, RuleInternalOff, d.Rule)
	assert.True(t, eng.InScope("https://other.org/", 0))
}

func TestPatterns(t *testing.T) {
	t.Parallel()

	eng, err := New(crawler.DomainPolicy{
		FollowInternalLinks: true,
		MaxDepth:            5,
		IncludePatterns:     []string{`/products/`, `/blog/`},
		ExcludePatterns:     []string{`/blog/drafts/`, `\.pdf$`},
	}, []string{"https://shop.test/"})
	require.NoError(t, err)

	assert.True(t, eng.InScope("https://shop.test/products/1", 0))
	assert.True(t, eng.InScope("https://shop.test/blog/launch", 0))
	assert.Equal(t, RuleExcluded, eng.Explain("https://shop.test/blog/drafts/x", 0).Rule)
	assert.Equal(t, RuleExcluded, eng.Explain("https://shop.test/products/manual.pdf", 0).Rule)
	assert.Equal(t, RuleNotIncluded, eng.Explain("https://shop.test/careers", 0).Rule)
}

func TestDenyDomains(t *testing.T) {
	t.Parallel()

	eng, err := New(crawler.DomainPolicy{
		FollowInternalLinks: true,
		FollowExternalLinks: true,
		MaxDepth:            3,
		DenyDomains:         []string{"*.ads.test"},
	}, []string{"https://example.com/"})
	require.NoError(t, err)

	assert.Equal(t, RuleDeniedDomain, eng.Explain("https://cdn.ads.test/pixel", 0).Rule)
	assert.True(t, eng.InScope("https://partner.test/", 0))
}

func TestMultipleSeeds(t *testing.T) {
	t.Parallel()

	eng, err := New(crawler.DomainPolicy{FollowInternalLinks: true, MaxDepth: 2},
		[]string{"https://a.test/", "https://B.test/start"})
	require.NoError(t, err)

	assert.True(t, eng.InScope("https://a.test/x", 0))
	assert.True(t, eng.InScope("https://b.test/y", 0))
	assert.False(t, eng.InScope("https://c.test/", 0))
}

func TestInvalidInputs(t *testing.T) {
	t.Parallel()

	_, err := New(crawler.DomainPolicy{}, nil)
	require.Error(t, err)

	_, err = New(crawler.DomainPolicy{IncludePatterns: []string{"("}}, []string{"https://a.test/"})
	require.Error(t, err)

	_, err = New(crawler.DomainPolicy{}, []string{"mailto:x@a.test"})
	require.Error(t, err)

	eng, err := New(crawler.DomainPolicy{FollowInternalLinks: true, FollowExternalLinks: true, MaxDepth: 3},
		[]string{"https://a.test/"})
	require.NoError(t, err)
	assert.Equal(t, RuleInvalidURL, eng.Explain("javascript:void(0)", 0).Rule)
	assert.Equal(t, RuleInvalidURL, eng.Explain("://broken", 0).Rule)
}

// TestScopeProperty checks, over random hosts and flags, that an accepted
// candidate is internal only when internal links are followed and external
// only when external links are followed.
func TestScopeProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	hosts := []string{"example.com", "www.example.com", "blog.example.com", "other.org", "example.com.evil.test", "cdn.other.org"}

	for i := 0; i < 500; i++ {
		policy := crawler.DomainPolicy{
			CrawlEntireDomain:   rng.Intn(2) == 0,
			FollowInternalLinks: rng.Intn(2) == 0,
			FollowExternalLinks: rng.Intn(2) == 0,
			MaxDepth:            rng.Intn(4),
		}
		eng, err := New(policy, []string{"https://example.com/"})
		require.NoError(t, err)

		host := hosts[rng.Intn(len(hosts))]
		depth := rng.Intn(5)
		candidate := fmt.Sprintf("https://%s/p/%d", host, rng.Intn(100))

		d := eng.Explain(candidate, depth)
		if !d.Accepted {
			continue
		}
		norm := policy.Normalized()
		require.LessOrEqual(t, depth+1, norm.MaxDepth, candidate)
		if d.Internal {
			require.True(t, norm.FollowInternalLinks, candidate)
			isSeed := host == "example.com"
			require.True(t, isSeed || (norm.CrawlEntireDomain && crawler.IsSubdomain(host, "example.com")), candidate)
		} else {
			require.True(t, norm.FollowExternalLinks, candidate)
			require.False(t, host == "example.com", candidate)
		}
	}
}
