// Package headless renders pages in headless Chrome for sites whose article
// body is assembled by JavaScript.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/metrics"
)

// DefaultNavigationTimeout bounds a render when none is configured.
const DefaultNavigationTimeout = 30 * time.Second

// Config controls the browser renderer.
type Config struct {
	// MaxParallel caps concurrently open tabs. Zero means no cap beyond the
	// worker pool's own.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector must be ready before the DOM is captured. Defaults to "body".
	WaitSelector string
	// SettleDelay gives late scripts time to run after WaitSelector is ready.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher by rendering each article in a fresh
// tab of one shared browser process.
type Fetcher struct {
	cfg     Config
	tabs    *semaphore.Weighted
	browser context.Context
	stop    context.CancelFunc
}

// New validates cfg and prepares the browser allocator. Chrome itself starts
// lazily on the first render.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max_parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	f.browser, f.stop = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	f.stop()
	return nil
}

// Fetch renders request.URL and returns the serialized DOM. A non-2xx
// document response is returned together with a *crawler.HTTPStatusError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for browser tab: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	// Tabs derive from the allocator, not from ctx.
	unhook := context.AfterFunc(ctx, closeTab)
	defer unhook()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	var doc documentResponse
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	page, err := f.render(tab, request)
	if err != nil {
		metrics.ObserveFetchAttempt(request.URL, "error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, ctxErr)
		}
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	resp := doc.response(request.URL, page)
	resp.Duration = time.Since(start)
	if err := crawler.CheckStatus(resp); err != nil {
		metrics.ObserveFetchAttempt(request.URL, "status")
		return resp, err
	}
	metrics.ObserveFetchAttempt(request.URL, "ok")
	metrics.ObserveFetchDuration("headless", resp.Duration)
	return resp, nil
}

// renderedPage is what the browser hands back after the wait selector fires.
type renderedPage struct {
	location string
	html     string
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (renderedPage, error) {
	var page renderedPage
	tasks := chromedp.Tasks{
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		tasks = append(tasks, chromedp.Sleep(f.cfg.SettleDelay))
	}
	tasks = append(tasks,
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, tasks); err != nil {
		return renderedPage{}, err
	}
	return page, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if extra := requestHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set request headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse remembers the last top-level document response seen on a
// tab. Redirects replace earlier entries.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := responseHeaders(e.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.url = e.Response.URL
	d.headers = headers
}

// response builds the FetchResponse for page. When no document event was
// observed the render is treated as a 200 from the browser's final location.
func (d *documentResponse) response(requested string, page renderedPage) crawler.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := crawler.FetchResponse{
		URL:          d.url,
		StatusCode:   d.status,
		Headers:      d.headers.Clone(),
		Body:         []byte(page.html),
		UsedHeadless: true,
	}
	if resp.URL == "" {
		resp.URL = page.location
	}
	if resp.URL == "" {
		resp.URL = requested
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return resp
}

func responseHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, item := range v {
				out.Add(key, fmt.Sprint(item))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

// requestHeaders flattens h for the DevTools protocol, which accepts one
// value per header name.
func requestHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key := range h {
		if v := h.Get(key); v != "" {
			out[key] = v
		}
	}
	return out
}
