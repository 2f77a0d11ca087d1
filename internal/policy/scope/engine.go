// Package scope decides which discovered links belong to a crawl job.
package scope

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Rule names the check that decided a candidate.
type Rule string

// Decision rules, in evaluation order.
const (
	RuleInvalidURL   Rule = "invalid_url"
	RuleMaxDepth     Rule = "max_depth"
	RuleDeniedDomain Rule = "denied_domain"
	RuleInternalOff  Rule = "internal_links_disabled"
	RuleExternalOff  Rule = "external_links_disabled"
	RuleExcluded     Rule = "exclude_pattern"
	RuleNotIncluded  Rule = "include_pattern_miss"
	RuleAccepted     Rule = "accepted"
)

// Decision explains an InScope verdict.
type Decision struct {
	Accepted bool
	Internal bool
	Rule     Rule
}

// Engine evaluates candidates against one job's DomainPolicy. It is
// immutable and safe for concurrent use.
type Engine struct {
	policy    crawler.DomainPolicy
	seeds     []string
	include   []*regexp.Regexp
	exclude   []*regexp.Regexp
	blocklist *domainBlocklist
}

// New compiles policy for the given seed URLs.
func New(policy crawler.DomainPolicy, seeds []string) (*Engine, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("at least one seed is required")
	}
	policy = policy.Normalized()
	e := &Engine{
		policy:    policy,
		blocklist: newDomainBlocklist(policy.DenyDomains),
	}
	for _, seed := range seeds {
		canonical, err := crawler.Canonicalize(seed)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed, err)
		}
		e.seeds = append(e.seeds, crawler.Domain(canonical))
	}
	var err error
	if e.include, err = compile(policy.IncludePatterns); err != nil {
		return nil, fmt.Errorf("include pattern: %w", err)
	}
	if e.exclude, err = compile(policy.ExcludePatterns); err != nil {
		return nil, fmt.Errorf("exclude pattern: %w", err)
	}
	return e, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Policy returns the normalized policy the engine enforces.
func (e *Engine) Policy() crawler.DomainPolicy {
	return e.policy
}

// InScope reports whether a link found on a page at sourceDepth should be crawled.
func (e *Engine) InScope(candidate string, sourceDepth int) bool {
	return e.Explain(candidate, sourceDepth).Accepted
}

// Explain evaluates candidate and reports which rule decided it.
func (e *Engine) Explain(candidate string, sourceDepth int) Decision {
	if sourceDepth+1 > e.policy.MaxDepth {
		return Decision{Rule: RuleMaxDepth}
	}
	u, err := url.Parse(candidate)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return Decision{Rule: RuleInvalidURL}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if e.blocklist.IsBlocked(host) {
		return Decision{Rule: RuleDeniedDomain}
	}

	internal := e.IsInternal(host)
	if internal && !e.policy.FollowInternalLinks {
		return Decision{Internal: true, Rule: RuleInternalOff}
	}
	if !internal && !e.policy.FollowExternalLinks {
		return Decision{Rule: RuleExternalOff}
	}
	for _, re := range e.exclude {
		if re.MatchString(candidate) {
			return Decision{Internal: internal, Rule: RuleExcluded}
		}
	}
	if len(e.include) > 0 && !matchesAny(e.include, candidate) {
		return Decision{Internal: internal, Rule: RuleNotIncluded}
	}
	return Decision{Accepted: true, Internal: internal, Rule: RuleAccepted}
}

// IsInternal reports whether host matches a seed domain. Subdomains count
// only when the policy crawls the entire domain.
func (e *Engine) IsInternal(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, seed := range e.seeds {
		if host == seed {
			return true
		}
		if e.policy.CrawlEntireDomain && crawler.IsSubdomain(host, seed) {
			return true
		}
	}
	return false
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
