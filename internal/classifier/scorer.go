package classifier

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Candidate is a link as seen by a Scorer.
type Candidate struct {
	SourceURL  string
	TargetURL  string
	AnchorText string
	LinkType   crawler.LinkType
	// SameHost is true when source and target share a host.
	SameHost bool
}

// Scorer assigns a priority in [0, 1] to a discovered link. Higher scores
// are fetched first.
type Scorer interface {
	Score(c Candidate) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(c Candidate) float64

// Score calls f.
func (f ScorerFunc) Score(c Candidate) float64 {
	return f(c)
}

// KeywordScorer ranks links by type and by business-relevant terms in the
// anchor text and path.
type KeywordScorer struct {
	Boost   []string
	Penalty []string
}

// DefaultScorer returns the keyword scorer used when none is configured.
func DefaultScorer() *KeywordScorer {
	return &KeywordScorer{
		Boost: []string{
			"about", "product", "pricing", "price", "service", "solution",
			"contact", "team", "company", "careers", "news", "blog", "press",
			"docs", "documentation", "customers", "case-stud", "features",
		},
		Penalty: []string{
			"login", "signin", "sign-in", "signup", "register", "cart", "checkout",
			"privacy", "terms", "cookie", "share", "print", "page=", "sort=",
			"tag/", "/tags/", "feed", "rss", "wp-json",
		},
	}
}

var baseScores = map[crawler.LinkType]float64{
	crawler.LinkContent:    0.5,
	crawler.LinkNavigation: 0.3,
	crawler.LinkAsset:      0.05,
}

// Score implements Scorer.
func (s *KeywordScorer) Score(c Candidate) float64 {
	score := baseScores[c.LinkType]
	if c.LinkType == crawler.LinkAsset {
		return score
	}
	haystack := strings.ToLower(c.AnchorText + " " + pathAndQuery(c.TargetURL))
	for _, kw := range s.Boost {
		if strings.Contains(haystack, kw) {
			score += 0.15
			break
		}
	}
	for _, kw := range s.Penalty {
		if strings.Contains(haystack, kw) {
			score -= 0.25
			break
		}
	}
	if c.SameHost {
		score += 0.1
	}
	// Shallow paths are usually hub pages.
	segments := strings.Count(strings.Trim(pathOf(c.TargetURL), "/"), "/")
	score -= 0.02 * float64(segments)
	return clamp(score)
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func pathAndQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
