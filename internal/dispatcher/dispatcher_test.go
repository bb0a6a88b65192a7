package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/extract"
	"github.com/JakeFAU/newscrawler/internal/id/uuid"
	"github.com/JakeFAU/newscrawler/internal/policy/retry"
	"github.com/JakeFAU/newscrawler/internal/queue"
	"github.com/JakeFAU/newscrawler/internal/queue/memory"
	"github.com/JakeFAU/newscrawler/internal/segment"
	"github.com/JakeFAU/newscrawler/internal/worker"
)

type harness struct {
	dir     string
	store   *memory.Queue
	writer  *segment.Writer
	fetcher *pageFetcher
}

func newHarness(t *testing.T, maxRetries, maxRecords int) *harness {
	t.Helper()
	dir := t.TempDir()
	writer, err := segment.NewWriter(segment.Config{Dir: dir, Prefix: "politik", MaxRecords: maxRecords}, zap.NewNop())
	require.NoError(t, err)
	return &harness{
		dir:     dir,
		store:   memory.NewQueue(maxRetries, nil),
		writer:  writer,
		fetcher: &pageFetcher{failures: map[string]int{}},
	}
}

func (h *harness) enqueue(t *testing.T, n int) []string {
	t.Helper()
	urls := make([]string, 0, n)
	items := make([]crawler.NewItem, 0, n)
	for i := 0; i < n; i++ {
		u := fmt.Sprintf("https://news.detik.com/berita/d-%02d/artikel", i)
		urls = append(urls, u)
		items = append(items, crawler.NewItem{URL: u, Category: "politik", PublishKey: crawler.StringPtr(fmt.Sprintf("2024-05-01 %02d:00", i))})
	}
	inserted, err := h.store.Enqueue(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
	return urls
}

func (h *harness) dispatcher(maxRetries int, cfg Config) *Dispatcher {
	w := worker.New(
		h.store,
		h.fetcher,
		extract.NewArticleExtractor(extract.DefaultSelectors(), false),
		h.writer,
		retry.New(retry.Config{MaxAttempts: 1}),
		fixedClock{},
		worker.Config{FetchTimeout: time.Second, MaxRetries: maxRetries},
		zap.NewNop(),
	)
	cfg.OutputDir = h.dir
	return New(h.store, w, h.writer, uuid.New(), cfg, zap.NewNop())
}

func TestRunDrainsQueueIntoVerifiedSegments(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 5)
	h.enqueue(t, 12)

	summary, err := h.dispatcher(3, Config{BatchSize: 5, Concurrency: 3}).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.False(t, summary.Stopped)
	require.Equal(t, 3, summary.Batches)
	require.Equal(t, 12, summary.Claimed)
	require.Equal(t, 12, summary.Succeeded)
	require.Zero(t, summary.Failed)
	require.Equal(t, map[crawler.Status]int{crawler.StatusDone: 12}, summary.Counts)

	paths, err := segment.List(h.dir, "politik")
	require.NoError(t, err)
	require.Len(t, paths, 3)
	require.Equal(t, 3, summary.Integrity.OK())
	require.Equal(t, 12, summary.Integrity.Records())
	for _, p := range paths {
		_, err := os.Stat(p + segment.StampSuffix)
		require.NoError(t, err)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 100)
	urls := h.enqueue(t, 2)
	h.fetcher.failures[urls[0]] = 1

	summary, err := h.dispatcher(3, Config{BatchSize: 10, Concurrency: 2}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Batches)
	require.Equal(t, 3, summary.Claimed)
	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)

	it, err := h.store.Get(context.Background(), urls[0])
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, it.Status)
	require.Equal(t, 1, it.RetryCount)
	require.Nil(t, it.LastError)
}

func TestRunMarksPermanentFailuresAsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 100)
	urls := h.enqueue(t, 1)
	h.fetcher.failures[urls[0]] = 10

	summary, err := h.dispatcher(2, Config{BatchSize: 10, Concurrency: 2}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Failed)
	require.Equal(t, map[crawler.Status]int{crawler.StatusError: 1}, summary.Counts)

	it, err := h.store.Get(context.Background(), urls[0])
	require.NoError(t, err)
	require.Equal(t, 2, it.RetryCount)
	require.Contains(t, *it.LastError, "503")
	// Nothing was written, so there are no segments to verify.
	require.Empty(t, summary.Integrity.Results)
}

func TestRunStopFinishesInFlightBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 100)
	h.enqueue(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.onFetch = func() {
		cancel()
		time.Sleep(10 * time.Millisecond)
	}

	summary, err := h.dispatcher(3, Config{BatchSize: 2, Concurrency: 2}).Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Stopped)
	require.Equal(t, 1, summary.Batches)
	require.Equal(t, 2, summary.Succeeded)

	counts, err := h.store.StatusCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[crawler.Status]int{crawler.StatusDone: 2, crawler.StatusPending: 4}, counts)

	// Finalization still runs on stop.
	require.Equal(t, 1, summary.Integrity.OK())
	require.Empty(t, h.writer.Active())
}

func TestRunRecoversStaleClaims(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 100)
	h.enqueue(t, 3)
	_, err := h.store.ClaimBatch(context.Background(), 2)
	require.NoError(t, err)

	summary, err := h.dispatcher(3, Config{RecoverStale: true}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Recovered)
	require.Equal(t, 3, summary.Succeeded)
	require.Equal(t, map[crawler.Status]int{crawler.StatusDone: 3}, summary.Counts)
}

func TestRunWithoutRecoveryLeavesStaleClaims(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 100)
	h.enqueue(t, 3)
	_, err := h.store.ClaimBatch(context.Background(), 2)
	require.NoError(t, err)

	summary, err := h.dispatcher(3, Config{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 2, summary.Counts[crawler.StatusProcessing])
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	store := memory.NewQueue(3, nil)
	items := make([]crawler.NewItem, 0, 20)
	for i := 0; i < 20; i++ {
		items = append(items, crawler.NewItem{URL: fmt.Sprintf("https://x/%02d", i)})
	}
	_, err := store.Enqueue(context.Background(), items)
	require.NoError(t, err)

	proc := &countingProcessor{store: store}
	d := New(store, proc, nil, nil, Config{BatchSize: 10, Concurrency: 3}, zap.NewNop())
	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, summary.Succeeded)
	require.LessOrEqual(t, proc.peak.Load(), int32(3))
	require.Equal(t, int32(3), proc.peak.Load())
}

func TestRunSurvivesClaimLostToStaleReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 10)
	h.enqueue(t, 1)
	var once sync.Once
	// Another process resets every PROCESSING item while the fetch is in flight.
	h.fetcher.onFetch = func() {
		once.Do(func() {
			_, err := h.store.ResetStale(context.Background(), 0)
			require.NoError(t, err)
		})
	}

	summary, err := h.dispatcher(3, Config{BatchSize: 1, Concurrency: 1}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Claimed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, map[crawler.Status]int{crawler.StatusDone: 1}, summary.Counts)
}

func TestRunAbortsOnStoreFailure(t *testing.T) {
	t.Parallel()

	store := &queue.MockStore{}
	store.On("ClaimBatch", mock.Anything, DefaultBatchSize).Return(nil, errors.New("disk I/O error"))
	out := &closeRecorder{}

	summary, err := New(store, nil, out, nil, Config{}, zap.NewNop()).Run(context.Background())
	require.ErrorContains(t, err, "disk I/O error")
	require.Zero(t, summary.Batches)
	require.True(t, out.closed)
	store.AssertExpectations(t)
}

func TestRunReportsCloseFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewQueue(3, nil)
	out := &closeRecorder{err: errors.New("sync failed")}

	_, err := New(store, nil, out, nil, Config{}, zap.NewNop()).Run(context.Background())
	require.ErrorContains(t, err, "sync failed")
}

func TestRunIntegrityFailuresDoNotFailRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "politik_1.jsonl"), []byte("{\"ok\":1}\nnot json\n"), 0o600))
	store := memory.NewQueue(3, nil)

	summary, err := New(store, nil, nil, nil, Config{OutputDir: dir}, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Integrity.Failed(), 1)
}

type pageFetcher struct {
	mu       sync.Mutex
	failures map[string]int
	onFetch  func()
}

func (f *pageFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	hook := f.onFetch
	fail := f.failures[req.URL] > 0
	if fail {
		f.failures[req.URL]--
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return crawler.FetchResponse{}, &crawler.HTTPStatusError{URL: req.URL, StatusCode: http.StatusServiceUnavailable}
	}
	body := fmt.Sprintf(`<html><body><h1>%s</h1><div class="detail__body-text"><p>isi</p></div></body></html>`, req.URL)
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type countingProcessor struct {
	store    crawler.QueueStore
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *countingProcessor) Process(ctx context.Context, item crawler.WorkItem) (worker.Outcome, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return worker.OutcomeDone, p.store.ResolveSuccess(ctx, item.ID)
}

type closeRecorder struct {
	closed bool
	err    error
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.err
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
}
