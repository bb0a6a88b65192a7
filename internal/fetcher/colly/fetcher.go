// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/metrics"
)

// DefaultTimeout bounds a request when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher performs plain HTTP GETs for article and index pages. Each fetch
// clones a template collector so that callbacks never leak between
// concurrent workers while the transport and robots cache stay shared.
type Fetcher struct {
	cfg      Config
	template *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	})
	return &Fetcher{cfg: cfg, template: c}
}

// Fetch executes a single GET. Non-2xx responses are returned together with
// a *crawler.HTTPStatusError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	v := &visit{request: request, start: time.Now()}
	c := f.template.Clone()
	v.attach(c)

	if err := v.run(ctx, c); err != nil {
		metrics.ObserveFetchAttempt(request.URL, "error")
		return crawler.FetchResponse{}, err
	}
	if err := crawler.CheckStatus(v.response); err != nil {
		metrics.ObserveFetchAttempt(request.URL, "status")
		return v.response, err
	}
	metrics.ObserveFetchAttempt(request.URL, "ok")
	metrics.ObserveFetchDuration("http", v.response.Duration)
	return v.response, nil
}

// visit collects the outcome of one collector run.
type visit struct {
	request  crawler.FetchRequest
	start    time.Time
	response crawler.FetchResponse
	err      error
}

type hooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

func (v *visit) attach(h hooks) {
	h.OnRequest(v.onRequest)
	h.OnResponse(v.onResponse)
	h.OnError(func(_ *colly.Response, err error) { v.err = err })
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range v.request.Headers {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	v.response = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
	}
}

// run visits the URL and returns once it completes or ctx ends. Colly has no
// per-request context, so an abandoned visit finishes in the background and is
// bounded by the request timeout.
func (v *visit) run(ctx context.Context, c *colly.Collector) error {
	done := make(chan error, 1)
	go func() { done <- c.Visit(v.request.URL) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s: %w", v.request.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fetch %s: %w", v.request.URL, err)
		}
		if v.err != nil {
			return fmt.Errorf("fetch %s: %w", v.request.URL, v.err)
		}
		return nil
	}
}
