// Package indexer discovers article URLs from paginated index pages and
// enqueues them for crawling.
package indexer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/extract"
	"github.com/JakeFAU/newscrawler/internal/metrics"
	"github.com/JakeFAU/newscrawler/internal/policy/retry"
)

// Config locates the index pages.
type Config struct {
	BaseURL   string
	IndexPath string
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration
}

// Result summarises an index run.
type Result struct {
	Pages      int
	Failed     int
	Discovered int
	Enqueued   int
}

// Indexer walks index pages of one category.
type Indexer struct {
	store   crawler.QueueStore
	fetcher crawler.Fetcher
	policy  *retry.Policy
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Indexer.
func New(store crawler.QueueStore, fetcher crawler.Fetcher, policy *retry.Policy, cfg Config, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.New(retry.Config{MaxAttempts: 1})
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Indexer{store: store, fetcher: fetcher, policy: policy, cfg: cfg, logger: logger}
}

// PageURL returns the address of index page n for category.
func (ix *Indexer) PageURL(category string, page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("kategori", category)
	return strings.TrimRight(ix.cfg.BaseURL, "/") + ix.cfg.IndexPath + "?" + q.Encode()
}

// Run fetches pages 1..maxPages and enqueues every discovered article with
// its publish date as the publish key. Pages that fail to fetch or parse are
// logged and skipped; only queue store failures abort the run.
func (ix *Indexer) Run(ctx context.Context, category string, maxPages int) (Result, error) {
	var res Result
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("index canceled: %w", err)
		}
		pageURL := ix.PageURL(category, page)
		logger := ix.logger.With(zap.Int("page", page), zap.String("url", pageURL))
		logger.Info("fetching index page")
		res.Pages++

		entries, err := ix.page(ctx, pageURL)
		if err != nil {
			res.Failed++
			metrics.ObserveIndexPage(category, "error")
			logger.Error("index page failed", zap.Error(err))
			continue
		}
		metrics.ObserveIndexPage(category, "ok")

		items := make([]crawler.NewItem, 0, len(entries))
		for _, e := range entries {
			items = append(items, crawler.NewItem{URL: e.URL, Category: category, PublishKey: e.PublishDate})
		}
		inserted, err := ix.store.Enqueue(ctx, items)
		if err != nil {
			return res, fmt.Errorf("enqueue page %d: %w", page, err)
		}
		res.Discovered += len(items)
		res.Enqueued += inserted
		metrics.ObserveDiscovered(category, inserted)
		logger.Info("index page done", zap.Int("discovered", len(items)), zap.Int("inserted", inserted))
	}
	ix.logger.Info("indexing done",
		zap.String("category", category),
		zap.Int("pages", res.Pages),
		zap.Int("failed_pages", res.Failed),
		zap.Int("enqueued", res.Enqueued),
	)
	return res, nil
}

func (ix *Indexer) page(ctx context.Context, pageURL string) ([]extract.IndexEntry, error) {
	var body []byte
	err := ix.policy.Do(ctx, func(ctx context.Context, _ int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, ix.cfg.FetchTimeout)
		defer cancel()
		resp, err := ix.fetcher.Fetch(attemptCtx, crawler.FetchRequest{URL: pageURL})
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	return extract.ParseIndex(body, pageURL)
}
