// Package classifier extracts outgoing links from captured content and
// ranks them for the frontier.
package classifier

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

var plainTextURL = regexp.MustCompile(`https?://[^\s<>"'()\[\]{}]+`)

var errBinaryContent = errors.New("content looks binary")

// Classifier turns a page body into scored link edges.
type Classifier struct {
	scorer Scorer
}

// New builds a Classifier; a nil scorer selects DefaultScorer.
func New(scorer Scorer) *Classifier {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	return &Classifier{scorer: scorer}
}

// Classify extracts, canonicalizes, scores and deduplicates the links in
// body. Edges are ordered by score descending, ties by first appearance.
// Content types other than HTML and plain text yield no links.
func (c *Classifier) Classify(sourceURL, contentType string, body []byte) ([]crawler.LinkEdge, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, &crawler.ParseError{URL: sourceURL, Err: err}
	}
	var raw []crawler.LinkEdge
	switch kind(contentType, body) {
	case "html":
		raw, err = extractHTML(base, body)
		if err != nil {
			return nil, &crawler.ParseError{URL: sourceURL, Err: err}
		}
	case "text":
		raw = extractText(base, body)
	default:
		return nil, nil
	}
	return c.rank(base, raw), nil
}

func kind(contentType string, body []byte) string {
	if strings.TrimSpace(contentType) == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return "html"
	case "text/plain":
		return "text"
	default:
		return ""
	}
}

func extractHTML(base *url.URL, body []byte) ([]crawler.LinkEdge, error) {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, errBinaryContent
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	var out []crawler.LinkEdge
	add := func(ref, anchor string, linkType crawler.LinkType) {
		if skipRef(ref) {
			return
		}
		target, err := crawler.Resolve(base, ref)
		if err != nil {
			return
		}
		out = append(out, crawler.LinkEdge{
			TargetURL:  target,
			AnchorText: anchor,
			LinkType:   linkType,
		})
	}

	doc.Find("a[href], area[href], link[href], img[src], script[src], source[src], iframe[src], video[src], audio[src], embed[src]").
		Each(func(_ int, s *goquery.Selection) {
			switch goquery.NodeName(s) {
			case "a", "area":
				href, _ := s.Attr("href")
				add(href, anchorText(s), anchorType(s))
			case "link":
				href, _ := s.Attr("href")
				add(href, "", linkRelType(s))
			default:
				src, _ := s.Attr("src")
				alt, _ := s.Attr("alt")
				add(src, strings.TrimSpace(alt), crawler.LinkAsset)
			}
		})
	return out, nil
}

func extractText(base *url.URL, body []byte) []crawler.LinkEdge {
	var out []crawler.LinkEdge
	for _, m := range plainTextURL.FindAll(body, -1) {
		ref := strings.TrimRight(string(m), ".,;:!?")
		target, err := crawler.Resolve(base, ref)
		if err != nil {
			continue
		}
		out = append(out, crawler.LinkEdge{TargetURL: target, LinkType: crawler.LinkContent})
	}
	return out
}

func skipRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return true
	}
	lower := strings.ToLower(ref)
	for _, prefix := range []string{"mailto:", "javascript:", "tel:", "data:", "sms:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func anchorText(s *goquery.Selection) string {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text != "" {
		return text
	}
	if title, ok := s.Attr("title"); ok {
		return strings.TrimSpace(title)
	}
	if alt, ok := s.Find("img[alt]").First().Attr("alt"); ok {
		return strings.TrimSpace(alt)
	}
	if alt, ok := s.Attr("alt"); ok {
		return strings.TrimSpace(alt)
	}
	return ""
}

func anchorType(s *goquery.Selection) crawler.LinkType {
	rel := strings.ToLower(s.AttrOr("rel", ""))
	for _, r := range strings.Fields(rel) {
		if r == "next" || r == "prev" || r == "previous" {
			return crawler.LinkNavigation
		}
	}
	if s.Closest("nav, header, footer, [role=navigation]").Length() > 0 {
		return crawler.LinkNavigation
	}
	return crawler.LinkContent
}

func linkRelType(s *goquery.Selection) crawler.LinkType {
	for _, r := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
		switch r {
		case "next", "prev", "previous", "alternate", "canonical":
			return crawler.LinkNavigation
		}
	}
	return crawler.LinkAsset
}

func (c *Classifier) rank(base *url.URL, raw []crawler.LinkEdge) []crawler.LinkEdge {
	source := base.String()
	if canonical, err := crawler.Resolve(nil, source); err == nil {
		source = canonical
	}
	sourceHost := crawler.Domain(source)

	index := make(map[string]int, len(raw))
	out := make([]crawler.LinkEdge, 0, len(raw))
	for _, e := range raw {
		if e.TargetURL == source {
			continue
		}
		e.SourceURL = source
		e.Score = c.scorer.Score(Candidate{
			SourceURL:  source,
			TargetURL:  e.TargetURL,
			AnchorText: e.AnchorText,
			LinkType:   e.LinkType,
			SameHost:   crawler.Domain(e.TargetURL) == sourceHost,
		})
		i, seen := index[e.TargetURL]
		if !seen {
			index[e.TargetURL] = len(out)
			out = append(out, e)
			continue
		}
		prev := out[i]
		if e.Score > prev.Score {
			prev.Score = e.Score
			prev.LinkType = e.LinkType
		}
		if prev.AnchorText == "" {
			prev.AnchorText = e.AnchorText
		}
		out[i] = prev
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
