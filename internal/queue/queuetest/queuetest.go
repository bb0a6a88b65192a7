// Package queuetest is the behavioural suite every queue store driver must pass.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

// Store is a queue store that can also look up single items.
type Store interface {
	crawler.QueueStore
	Get(ctx context.Context, id string) (crawler.WorkItem, error)
}

// Factory opens a fresh, empty store. The suite closes it.
type Factory func(t *testing.T, maxRetries int, clock crawler.Clock) Store

// Clock is a manually advanced crawler.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"EnqueueNormalizesAndDeduplicates", testEnqueueDedup},
		{"EnqueueNeverResetsExistingItems", testEnqueueKeepsState},
		{"ClaimOrderFollowsPublishKey", testClaimOrder},
		{"ClaimRespectsLimit", testClaimLimit},
		{"ConcurrentClaimsAreDisjoint", testConcurrentClaims},
		{"FailureExhaustsRetryBudget", testRetryBudget},
		{"FailureMessageIsTruncated", testFailureTruncation},
		{"SuccessClearsLastError", testSuccessClearsError},
		{"ResolveRequiresClaim", testResolveRequiresClaim},
		{"ResetStaleRequeuesAbandonedClaims", testResetStale},
		{"TwoItemFlow", testTwoItemFlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open)
		})
	}
}

func start() time.Time {
	return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
}

func openStore(t *testing.T, open Factory, maxRetries int, clock crawler.Clock) Store {
	t.Helper()
	if clock == nil {
		clock = NewClock(start())
	}
	store := open(t, maxRetries, clock)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enqueueURLs(t *testing.T, store Store, urls ...string) {
	t.Helper()
	items := make([]crawler.NewItem, 0, len(urls))
	for _, u := range urls {
		items = append(items, crawler.NewItem{URL: u, Category: "politik"})
	}
	_, err := store.Enqueue(context.Background(), items)
	require.NoError(t, err)
}

func ids(items []crawler.WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func testEnqueueDedup(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)

	n, err := store.Enqueue(ctx, []crawler.NewItem{
		{URL: "https://news.example.com/a?utm=1", Category: "politik"},
		{URL: "https://news.example.com/a/", Category: "politik"},
		{URL: "   ", Category: "politik"},
		{URL: "https://news.example.com/b", Category: "politik"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.Enqueue(ctx, []crawler.NewItem{{URL: "https://news.example.com/a", Category: "other"}})
	require.NoError(t, err)
	require.Zero(t, n)

	it, err := store.Get(ctx, "https://news.example.com/a")
	require.NoError(t, err)
	require.Equal(t, "politik", it.Category)
	require.Equal(t, crawler.StatusPending, it.Status)
	require.Zero(t, it.RetryCount)
	require.Nil(t, it.LastError)

	_, err = store.Get(ctx, "https://news.example.com/missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[crawler.StatusPending])
}

func testEnqueueKeepsState(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)
	enqueueURLs(t, store, "https://x/done", "https://x/failed")

	claimed, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, store.ResolveSuccess(ctx, "https://x/done"))
	require.NoError(t, store.ResolveFailure(ctx, "https://x/failed", "timeout"))

	n, err := store.Enqueue(ctx, []crawler.NewItem{
		{URL: "https://x/done"},
		{URL: "https://x/failed"},
	})
	require.NoError(t, err)
	require.Zero(t, n)

	done, err := store.Get(ctx, "https://x/done")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, done.Status)

	failed, err := store.Get(ctx, "https://x/failed")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, failed.Status)
	require.Equal(t, 1, failed.RetryCount)
}

func testClaimOrder(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)

	_, err := store.Enqueue(ctx, []crawler.NewItem{
		{URL: "https://x/no-key-b"},
		{URL: "https://x/late", PublishKey: crawler.StringPtr("2024-05-03T10:00")},
		{URL: "https://x/no-key-a"},
		{URL: "https://x/early", PublishKey: crawler.StringPtr("2024-05-01T10:00")},
		{URL: "https://x/mid", PublishKey: crawler.StringPtr("2024-05-02T10:00")},
	})
	require.NoError(t, err)

	first, err := store.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"https://x/early", "https://x/mid"}, ids(first))
	require.NotNil(t, first[0].PublishKey)
	require.Equal(t, "2024-05-01T10:00", *first[0].PublishKey)

	rest, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"https://x/late", "https://x/no-key-a", "https://x/no-key-b"}, ids(rest))
	for _, it := range rest {
		require.Equal(t, crawler.StatusProcessing, it.Status)
	}
}

func testClaimLimit(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)
	enqueueURLs(t, store, "https://x/1", "https://x/2", "https://x/3", "https://x/4", "https://x/5")

	none, err := store.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, none)

	claimed, err := store.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[crawler.StatusProcessing])
	require.Equal(t, 3, counts[crawler.StatusPending])

	rest, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)

	drained, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, drained)
}

func testConcurrentClaims(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)
	const total = 60
	urls := make([]string, 0, total)
	for i := 0; i < total; i++ {
		urls = append(urls, fmt.Sprintf("https://x/item-%02d", i))
	}
	enqueueURLs(t, store, urls...)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := store.ClaimBatch(ctx, 7)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, it := range batch {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func testRetryBudget(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)
	enqueueURLs(t, store, "https://x/flaky")

	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		require.Equal(t, attempt, claimed[0].RetryCount)
		require.NoError(t, store.ResolveFailure(ctx, claimed[0].ID, fmt.Sprintf("boom %d", attempt)))
	}

	it, err := store.Get(ctx, "https://x/flaky")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusError, it.Status)
	require.Equal(t, 3, it.RetryCount)
	require.NotNil(t, it.LastError)
	require.Equal(t, "boom 2", *it.LastError)

	drained, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, drained)
}

func testFailureTruncation(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 5, nil)
	enqueueURLs(t, store, "https://x/long")

	_, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.ResolveFailure(ctx, "https://x/long", strings.Repeat("é", 800)))

	it, err := store.Get(ctx, "https://x/long")
	require.NoError(t, err)
	require.NotNil(t, it.LastError)
	require.Equal(t, crawler.MaxErrorLength, len([]rune(*it.LastError)))
}

func testSuccessClearsError(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)
	enqueueURLs(t, store, "https://x/recovers")

	_, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.ResolveFailure(ctx, "https://x/recovers", "503"))
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.ResolveSuccess(ctx, "https://x/recovers"))

	it, err := store.Get(ctx, "https://x/recovers")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, it.Status)
	require.Equal(t, 1, it.RetryCount)
	require.Nil(t, it.LastError)
}

func testResolveRequiresClaim(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)
	enqueueURLs(t, store, "https://x/pending")

	err := store.ResolveSuccess(ctx, "https://x/pending")
	require.True(t, errors.Is(err, crawler.ErrNotClaimed), "got %v", err)
	err = store.ResolveFailure(ctx, "https://x/unknown", "nope")
	require.ErrorIs(t, err, crawler.ErrNotClaimed)

	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.ResolveSuccess(ctx, "https://x/pending"))
	require.ErrorIs(t, store.ResolveSuccess(ctx, "https://x/pending"), crawler.ErrNotClaimed)

	it, err := store.Get(ctx, "https://x/pending")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusDone, it.Status)
}

func testResetStale(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock(start())
	store := openStore(t, open, 3, clock)
	enqueueURLs(t, store, "https://x/1", "https://x/2", "https://x/3", "https://x/4")

	old, err := store.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, old, 2)
	require.NotNil(t, old[0].ClaimedAt)
	require.True(t, old[0].ClaimedAt.Equal(start()))

	clock.Advance(10 * time.Minute)
	fresh, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	n, err := store.ResetStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, it := range old {
		got, err := store.Get(ctx, it.ID)
		require.NoError(t, err)
		require.Equal(t, crawler.StatusPending, got.Status)
		require.Zero(t, got.RetryCount)
	}
	got, err := store.Get(ctx, fresh[0].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusProcessing, got.Status)

	n, err = store.ResetStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, counts[crawler.StatusPending])
	require.Zero(t, counts[crawler.StatusProcessing])
}

func testTwoItemFlow(t *testing.T, open Factory) {
	ctx := context.Background()
	store := openStore(t, open, 3, nil)

	n, err := store.Enqueue(ctx, []crawler.NewItem{
		{URL: "https://news.detik.com/berita/d-1/satu", Category: "politik", PublishKey: crawler.StringPtr("2024-05-01 10:00")},
		{URL: "https://news.detik.com/berita/d-2/dua?single=1", Category: "politik", PublishKey: crawler.StringPtr("2024-05-01 11:00")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	batch, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://news.detik.com/berita/d-1/satu",
		"https://news.detik.com/berita/d-2/dua",
	}, ids(batch))

	require.NoError(t, store.ResolveSuccess(ctx, batch[0].ID))
	require.NoError(t, store.ResolveFailure(ctx, batch[1].ID, "unexpected status 500"))

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[crawler.StatusDone])
	require.Equal(t, 1, counts[crawler.StatusPending])
	require.Zero(t, counts[crawler.StatusProcessing])
	require.Zero(t, counts[crawler.StatusError])
}
