package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/extract"
	"github.com/JakeFAU/newscrawler/internal/policy/retry"
	"github.com/JakeFAU/newscrawler/internal/queue"
	"github.com/JakeFAU/newscrawler/internal/queue/memory"
	"github.com/JakeFAU/newscrawler/internal/record"
)

const articleURL = "https://news.detik.com/berita/d-1/sidang"

const articleBody = `<html><body><h1>Sidang</h1><div class="detail__date">1 Mei 2024</div>
<div class="detail__body-text"><p>Isi berita.</p></div></body></html>`

type fixture struct {
	store   *memory.Queue
	fetcher *fakeFetcher
	sink    *fakeSink
	clock   *fakeClock
	worker  *Worker
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 30, 0, 123_000_000, time.UTC)}
	f := &fixture{
		store:   memory.NewQueue(maxRetries, clock),
		fetcher: &fakeFetcher{responses: map[string]crawler.FetchResponse{}},
		sink:    &fakeSink{path: "data/politik_1.jsonl"},
		clock:   clock,
	}
	f.worker = New(
		f.store,
		f.fetcher,
		extract.NewArticleExtractor(extract.DefaultSelectors(), false),
		f.sink,
		retry.New(retry.Config{MaxAttempts: 2}),
		clock,
		Config{FetchTimeout: time.Second, MaxRetries: maxRetries},
		zap.NewNop(),
	)
	return f
}

func (f *fixture) claim(t *testing.T, url string) crawler.WorkItem {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Enqueue(ctx, []crawler.NewItem{{URL: url, Category: "politik"}})
	require.NoError(t, err)
	items, err := f.store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestProcessSuccessWritesRecordAndResolves(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.fetcher.responses[articleURL] = crawler.FetchResponse{URL: articleURL, StatusCode: http.StatusOK, Body: []byte(articleBody)}
	item := f.claim(t, articleURL)

	require.Equal(t, OutcomeDone, processOK(t, f.worker, item))

	got, err := f.store.Get(context.Background(), articleURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, got.Status)
	require.Nil(t, got.LastError)

	require.Len(t, f.sink.records, 1)
	rec := f.sink.records[0]
	require.Equal(t, []string{"url", "title", "publish_date", "content", "tags", "comments", "scraped_at"}, rec.Keys())
	scrapedAt, _ := rec.GetString("scraped_at")
	require.Equal(t, "2024-05-01T10:30:00.123Z", scrapedAt)
	title, _ := rec.GetString("title")
	require.Equal(t, "Sidang", title)
}

func TestProcessFetchFailureRetriesThenRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.fetcher.err = errors.New("connection refused")
	item := f.claim(t, articleURL)

	require.Equal(t, OutcomeRetry, processOK(t, f.worker, item))
	require.Equal(t, 2, f.fetcher.callCount())

	got, err := f.store.Get(context.Background(), articleURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, *got.LastError, "gave up after 2 attempts")
	require.Contains(t, *got.LastError, "connection refused")
	require.Empty(t, f.sink.records)
}

func TestProcessMarksErrorWhenBudgetSpent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.fetcher.responses[articleURL] = crawler.FetchResponse{URL: articleURL, StatusCode: http.StatusOK}
	item := f.claim(t, articleURL)

	require.Equal(t, OutcomeError, processOK(t, f.worker, item))

	got, err := f.store.Get(context.Background(), articleURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusError, got.Status)
	require.Contains(t, *got.LastError, "extract")
}

func TestProcessSinkFailureIsItemFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.fetcher.responses[articleURL] = crawler.FetchResponse{URL: articleURL, StatusCode: http.StatusOK, Body: []byte(articleBody)}
	f.sink.err = errors.New("disk full")
	item := f.claim(t, articleURL)

	processOK(t, f.worker, item)

	got, err := f.store.Get(context.Background(), articleURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, got.Status)
	require.Contains(t, *got.LastError, "disk full")
}

func TestProcessRecoversFromExtractorPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.fetcher.responses[articleURL] = crawler.FetchResponse{URL: articleURL, StatusCode: http.StatusOK, Body: []byte(articleBody)}
	f.worker.extractor = panicExtractor{}
	item := f.claim(t, articleURL)

	processOK(t, f.worker, item)

	got, err := f.store.Get(context.Background(), articleURL)
	require.NoError(t, err)
	require.Contains(t, *got.LastError, "panic: boom")
}

func TestProcessBoundsEachAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.fetcher.block = true
	f.worker.cfg.FetchTimeout = 20 * time.Millisecond
	item := f.claim(t, articleURL)

	start := time.Now()
	processOK(t, f.worker, item)
	require.Less(t, time.Since(start), time.Second)

	got, err := f.store.Get(context.Background(), articleURL)
	require.NoError(t, err)
	require.Contains(t, *got.LastError, context.DeadlineExceeded.Error())
}

func TestProcessReturnsStoreErrors(t *testing.T) {
	t.Parallel()

	store := &queue.MockStore{}
	store.On("ResolveSuccess", mock.Anything, articleURL).Return(errors.New("database is locked"))
	store.On("ResolveFailure", mock.Anything, "https://x/broken", mock.Anything).Return(errors.New("database is locked"))

	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		articleURL: {URL: articleURL, StatusCode: http.StatusOK, Body: []byte(articleBody)},
	}, missing: errors.New("not found")}
	w := New(store, fetcher, extract.NewArticleExtractor(extract.DefaultSelectors(), false), &fakeSink{},
		nil, &fakeClock{now: time.Now()}, Config{}, zap.NewNop())

	_, err := w.Process(context.Background(), crawler.WorkItem{ID: articleURL})
	require.ErrorContains(t, err, "database is locked")
	_, err = w.Process(context.Background(), crawler.WorkItem{ID: "https://x/broken"})
	require.ErrorContains(t, err, "database is locked")
	store.AssertExpectations(t)
}

func TestProcessLostClaimIsNotFatal(t *testing.T) {
	t.Parallel()

	store := &queue.MockStore{}
	store.On("ResolveSuccess", mock.Anything, articleURL).
		Return(fmt.Errorf("resolve %s: %w", articleURL, crawler.ErrNotClaimed))
	store.On("ResolveFailure", mock.Anything, "https://x/broken", mock.Anything).
		Return(crawler.ErrNotClaimed)

	fetcher := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		articleURL: {URL: articleURL, StatusCode: http.StatusOK, Body: []byte(articleBody)},
	}, missing: errors.New("not found")}
	w := New(store, fetcher, extract.NewArticleExtractor(extract.DefaultSelectors(), false), &fakeSink{},
		nil, &fakeClock{now: time.Now()}, Config{}, zap.NewNop())

	outcome, err := w.Process(context.Background(), crawler.WorkItem{ID: articleURL})
	require.NoError(t, err)
	require.Equal(t, OutcomeLost, outcome)

	outcome, err = w.Process(context.Background(), crawler.WorkItem{ID: "https://x/broken"})
	require.NoError(t, err)
	require.Equal(t, OutcomeLost, outcome)
	store.AssertExpectations(t)
}

func TestProcessHeadlessPromotion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.fetcher.responses[articleURL] = crawler.FetchResponse{URL: articleURL, StatusCode: http.StatusOK, Body: []byte(`<div id="root"></div>`)}
	headless := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		articleURL: {URL: articleURL, StatusCode: http.StatusOK, Body: []byte(articleBody)},
	}}
	f.worker.WithHeadless(headless, &fakeDetector{promote: true})
	item := f.claim(t, articleURL)

	processOK(t, f.worker, item)
	require.Equal(t, 1, headless.callCount())
	require.Len(t, f.sink.records, 1)
	title, _ := f.sink.records[0].GetString("title")
	require.Equal(t, "Sidang", title)
}

func TestProcessHeadlessFailureKeepsProbeResponse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.fetcher.responses[articleURL] = crawler.FetchResponse{URL: articleURL, StatusCode: http.StatusOK, Body: []byte(articleBody)}
	headless := &fakeFetcher{err: errors.New("chrome crashed")}
	f.worker.WithHeadless(headless, &fakeDetector{promote: true})
	item := f.claim(t, articleURL)

	processOK(t, f.worker, item)
	got, err := f.store.Get(context.Background(), articleURL)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, got.Status)
}

func processOK(t *testing.T, w *Worker, item crawler.WorkItem) Outcome {
	t.Helper()
	outcome, err := w.Process(context.Background(), item)
	require.NoError(t, err)
	return outcome
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	err       error
	missing   error
	block     bool
	calls     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return crawler.FetchResponse{}, ctx.Err()
	}
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		if f.missing != nil {
			return crawler.FetchResponse{}, f.missing
		}
		return crawler.FetchResponse{}, &crawler.HTTPStatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return resp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu      sync.Mutex
	path    string
	err     error
	records []*record.Record
}

func (s *fakeSink) Write(_ context.Context, rec *record.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.records = append(s.records, rec)
	return s.path, nil
}

type fakeDetector struct {
	promote bool
}

func (d *fakeDetector) ShouldPromote(crawler.FetchResponse) bool {
	return d.promote
}

type panicExtractor struct{}

func (panicExtractor) Extract([]byte, string) (*record.Record, error) {
	panic("boom")
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
