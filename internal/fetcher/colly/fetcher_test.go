package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

func TestNewConfiguresTemplate(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "newscrawler-test", RespectRobots: true, Timeout: time.Second})
	c := f.template.Clone()
	require.Equal(t, "newscrawler-test", c.UserAgent)
	require.False(t, c.IgnoreRobotsTxt)
	require.True(t, c.AllowURLRevisit)
	require.True(t, c.ParseHTTPErrorResponse)

	f = New(Config{})
	require.True(t, f.template.IgnoreRobotsTxt)
	require.Equal(t, DefaultTimeout, f.cfg.Timeout)
}

func TestFetchReturnsBodyAndSendsUserAgent(t *testing.T) {
	t.Parallel()

	agents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><h1>Berita</h1></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "newscrawler-test", Timeout: 5 * time.Second})
	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/berita"})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, string(resp.Body), "Berita")
		require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	}
	require.Equal(t, "newscrawler-test", <-agents)
	require.Equal(t, "newscrawler-test", <-agents)
}

func TestFetchNon2xxIsHTTPStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	var statusErr *crawler.HTTPStatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVisitHooks(t *testing.T) {
	t.Parallel()

	v := &visit{
		request: crawler.FetchRequest{
			URL:     "https://example.com/berita/1",
			Headers: http.Header{"Accept-Language": {"id-ID"}},
		},
		start: time.Now(),
	}
	h := &stubHooks{}
	v.attach(h)
	require.NotNil(t, h.onRequest)
	require.NotNil(t, h.onResponse)
	require.NotNil(t, h.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	h.onRequest(collyReq)
	require.Equal(t, "id-ID", collyReq.Headers.Get("Accept-Language"))

	h.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/berita/1")},
	})
	require.Equal(t, http.StatusCreated, v.response.StatusCode)
	require.Equal(t, "body", string(v.response.Body))
	require.Equal(t, "ok", v.response.Headers.Get("X-Resp"))
	require.Equal(t, "https://example.com/berita/1", v.response.URL)

	h.onError(nil, errors.New("connection reset"))
	require.EqualError(t, v.err, "connection reset")
}

func TestVisitWithoutHeaders(t *testing.T) {
	t.Parallel()

	v := &visit{request: crawler.FetchRequest{URL: "https://example.com"}}
	collyReq := &colly.Request{Headers: &http.Header{}}
	v.onRequest(collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
