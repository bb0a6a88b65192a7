package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

// IndexEntry is one article link discovered on an index page.
type IndexEntry struct {
	URL         string
	PublishDate *string
}

// ParseIndex returns the article links of an index page. Each "article"
// element contributes its first link and ".media__date" text. Relative links
// are resolved against pageURL and links to other hosts are dropped.
// Duplicates are removed after normalization; the first occurrence wins.
func ParseIndex(body []byte, pageURL string) ([]IndexEntry, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse index url %q: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", pageURL, err)
	}

	seen := make(map[string]struct{})
	entries := []IndexEntry{}
	doc.Find("article").Each(func(_ int, article *goquery.Selection) {
		href, ok := article.Find("a[href]").First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		link, err := base.Parse(strings.TrimSpace(href))
		if err != nil || !sameHost(link, base) {
			return
		}
		id := crawler.NormalizeURL(link.String())
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		date := cleanText(article.Find(".media__date").First())
		entries = append(entries, IndexEntry{URL: id, PublishDate: crawler.StringPtr(date)})
	})
	return entries, nil
}

func sameHost(link, base *url.URL) bool {
	if link.Scheme != "http" && link.Scheme != "https" {
		return false
	}
	return strings.EqualFold(link.Hostname(), base.Hostname())
}
