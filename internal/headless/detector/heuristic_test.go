package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

func htmlResponse(status int, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	richText := strings.Repeat("Plenty of server rendered prose. ", 20)

	cases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"empty body", htmlResponse(200, "  "), true},
		{"next shell", htmlResponse(200, `<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`), true},
		{"shell with server links", htmlResponse(200, `<html><body><div id="root"><a href="/about">About</a>`+richText+`</div></body></html>`), false},
		{"script heavy", htmlResponse(200, `<html><body><script>`+strings.Repeat("var a=1;", 200)+`</script><p>t</p></body></html>`), true},
		{"noscript warning", htmlResponse(200, `<html><body><noscript>Please enable JavaScript to continue.</noscript><p>`+richText+`</p></body></html>`), true},
		{"plain article", htmlResponse(200, `<html><body><a href="/x">x</a><p>`+richText+`</p></body></html>`), false},
		{"not found", htmlResponse(404, ""), false},
		{"pdf", crawler.FetchResponse{StatusCode: 200, Headers: http.Header{"Content-Type": {"application/pdf"}}}, false},
	}
	h := NewHeuristic(0, 0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestNewHeuristicDefaults(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, 0)
	assert.Equal(t, 200, h.MinText)
	assert.Equal(t, 1, h.MinLinks)

	h = NewHeuristic(50, 3)
	assert.Equal(t, 50, h.MinText)
	assert.Equal(t, 3, h.MinLinks)
}
