package scope

import (
	"strings"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// domainBlocklist stores exact hosts and suffix wildcards from deny_domains.
// "example.org" blocks only that host; "*.example.org" and ".example.org"
// block the host and everything beneath it.
type domainBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainBlocklist(patterns []string) *domainBlocklist {
	matcher := &domainBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			suffix := strings.TrimPrefix(value, "*.")
			if suffix != "" {
				matcher.addSuffix(suffix)
			}
		case strings.HasPrefix(value, "."):
			suffix := strings.TrimPrefix(value, ".")
			if suffix != "" {
				matcher.addSuffix(suffix)
			}
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *domainBlocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *domainBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if crawler.IsSubdomain(host, suffix) {
			return true
		}
	}
	return false
}
