// Package detector decides when a plainly fetched article page must be
// re-rendered in a browser before extraction.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

// DefaultMinBodyBytes is the size below which script-heavy pages are promoted.
const DefaultMinBodyBytes = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// Heuristic promotes empty pages, single-page-app shells, small script-heavy
// pages and pages missing every expected content marker.
type Heuristic struct {
	MinBodyBytes int
	// ContentMarkers are substrings a fully rendered article contains, such
	// as the class of its body container. Empty disables the check.
	ContentMarkers []string
}

// NewHeuristic creates a detector. A non-positive size uses DefaultMinBodyBytes.
func NewHeuristic(minBodyBytes int, contentMarkers ...string) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = DefaultMinBodyBytes
	}
	return &Heuristic{MinBodyBytes: minBodyBytes, ContentMarkers: contentMarkers}
}

// ShouldPromote implements crawler.HeadlessDetector. Only 200 responses are
// candidates.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if len(body) < h.MinBodyBytes && scriptShare(body) >= 25 {
		return true
	}
	return h.missingContent(body)
}

func (h *Heuristic) missingContent(body []byte) bool {
	if len(h.ContentMarkers) == 0 {
		return false
	}
	for _, m := range h.ContentMarkers {
		if m != "" && bytes.Contains(body, []byte(m)) {
			return false
		}
	}
	return true
}

// scriptShare returns the percentage of the document covered by script
// elements. An unterminated script counts to the end of the document.
func scriptShare(body []byte) int {
	doc := strings.ToLower(string(body))
	covered := 0
	for pos := 0; pos < len(doc); {
		start := strings.Index(doc[pos:], "<script")
		if start < 0 {
			break
		}
		start += pos
		end := len(doc)
		if closeAt := strings.Index(doc[start:], "</script>"); closeAt >= 0 {
			end = start + closeAt + len("</script>")
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / len(doc)
}
