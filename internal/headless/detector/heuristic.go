// Package detector decides when a plain HTTP capture is a JavaScript shell
// that should be re-fetched with the headless renderer.
package detector

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

const shellSelector = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-version], [data-server-rendered]"

// Heuristic promotes pages that look client-rendered: empty bodies, SPA
// mount points with no links, script-heavy pages with little text, or a
// noscript warning.
type Heuristic struct {
	// MinText is the visible text length below which a page counts as thin.
	MinText int
	// MinLinks is the anchor count a shell page needs to be left alone.
	MinLinks int
}

// NewHeuristic creates a detector; zero values pick defaults.
func NewHeuristic(minText, minLinks int) *Heuristic {
	if minText <= 0 {
		minText = 200
	}
	if minLinks <= 0 {
		minLinks = 1
	}
	return &Heuristic{MinText: minText, MinLinks: minLinks}
}

// ShouldPromote reports whether a headless fetch is likely to find more.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || !isHTML(resp.ContentType()) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	links := doc.Find("a[href]").Length()
	scriptBytes := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(s.Text())
		if src, ok := s.Attr("src"); ok && src != "" {
			// External bundles weigh in even though their bytes are elsewhere.
			scriptBytes += 1024
		}
	})
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	text := len(strings.Join(strings.Fields(body.Text()), " "))

	if doc.Find(shellSelector).Length() > 0 && links < h.MinLinks {
		return true
	}
	if text < h.MinText && scriptBytes > 3*text {
		return true
	}
	noscript := strings.ToLower(doc.Find("noscript").Text())
	return links < h.MinLinks && strings.Contains(noscript, "enable javascript")
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
