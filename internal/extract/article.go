// Package extract turns news article and index pages into records and
// enqueueable links.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/newscrawler/internal/record"
)

// ErrNoContent is returned for documents that yield neither a title nor body text.
var ErrNoContent = errors.New("document has no extractable content")

// Selectors lists the CSS selectors used to locate article fields. Each list
// is tried in order and the first selector that matches wins.
type Selectors struct {
	Title    []string
	Content  []string
	Date     []string
	Tags     []string
	Comments []string
	// CommentAuthor and CommentBody are evaluated inside a comment element.
	CommentAuthor string
	CommentBody   string
}

// DefaultSelectors match the markup of detik.com article pages.
func DefaultSelectors() Selectors {
	return Selectors{
		Title:         []string{"h1", "title"},
		Content:       []string{"div.detail__body-text p", "article p"},
		Date:          []string{".detail__date", ".date"},
		Tags:          []string{".detail__body-tag a"},
		Comments:      []string{".list-content__item, .comment-content, .komentar"},
		CommentAuthor: ".name, .username",
		CommentBody:   "p, .content",
	}
}

// ArticleExtractor implements crawler.Extractor for article pages.
type ArticleExtractor struct {
	sel Selectors
	// readabilityFallback fills content from the readability algorithm when
	// no selector matched.
	readabilityFallback bool
}

// NewArticleExtractor builds an extractor with the given selectors.
func NewArticleExtractor(sel Selectors, readabilityFallback bool) *ArticleExtractor {
	return &ArticleExtractor{sel: sel, readabilityFallback: readabilityFallback}
}

// Extract builds the record for one article. Keys are emitted in the order
// url, title, publish_date, content, tags, comments.
func (e *ArticleExtractor) Extract(body []byte, sourceURL string) (*record.Record, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("extract %s: %w", sourceURL, ErrNoContent)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", sourceURL, err)
	}

	title := firstText(doc, e.sel.Title)
	content := paragraphs(doc, e.sel.Content)
	if content == "" && e.readabilityFallback {
		content = readabilityText(body, sourceURL)
	}
	if title == "" && content == "" {
		return nil, fmt.Errorf("extract %s: %w", sourceURL, ErrNoContent)
	}

	tags := []string{}
	for _, s := range e.sel.Tags {
		doc.Find(s).Each(func(_ int, el *goquery.Selection) {
			if t := cleanText(el); t != "" {
				tags = append(tags, t)
			}
		})
	}

	rec := record.New().
		Set("url", record.String(sourceURL)).
		Set("title", record.String(title)).
		Set("publish_date", record.String(firstText(doc, e.sel.Date))).
		Set("content", record.String(content)).
		Set("tags", record.Strings(tags)).
		Set("comments", commentsValue(e.comments(doc)))
	return rec, nil
}

// Comment is one reader comment attached to an article.
type Comment struct {
	Author string
	Text   string
}

func (e *ArticleExtractor) comments(doc *goquery.Document) []Comment {
	var out []Comment
	for _, s := range e.sel.Comments {
		doc.Find(s).Each(func(_ int, el *goquery.Selection) {
			body := el.Find(e.sel.CommentBody).First()
			if body.Length() == 0 {
				return
			}
			author := cleanText(el.Find(e.sel.CommentAuthor).First())
			if author == "" {
				author = anonymous
			}
			out = append(out, Comment{Author: author, Text: cleanText(body)})
		})
	}
	if len(out) > 0 {
		return out
	}
	return scriptComments(doc)
}

func commentsValue(comments []Comment) record.Value {
	items := make([]record.Value, 0, len(comments))
	for _, c := range comments {
		items = append(items, record.Object(record.New().
			Set("author", record.String(c.Author)).
			Set("text", record.String(c.Text))))
	}
	return record.Array(items...)
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, s := range selectors {
		if el := doc.Find(s).First(); el.Length() > 0 {
			return cleanText(el)
		}
	}
	return ""
}

func paragraphs(doc *goquery.Document, selectors []string) string {
	for _, s := range selectors {
		var parts []string
		doc.Find(s).Each(func(_ int, el *goquery.Selection) {
			if t := cleanText(el); t != "" {
				parts = append(parts, t)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

func readabilityText(body []byte, sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

// cleanText collapses runs of whitespace in the element text.
func cleanText(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}
