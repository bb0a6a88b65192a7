// Package memory provides an in-process queue store for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

var errClosed = errors.New("memory queue is closed")

// Queue is a mutex-guarded crawler.QueueStore. State is lost on exit.
type Queue struct {
	mu         sync.Mutex
	items      map[string]*crawler.WorkItem
	maxRetries int
	clock      crawler.Clock
	closed     bool
}

// NewQueue constructs an empty queue.
func NewQueue(maxRetries int, clock crawler.Clock) *Queue {
	if clock == nil {
		clock = wallClock{}
	}
	return &Queue{
		items:      make(map[string]*crawler.WorkItem),
		maxRetries: maxRetries,
		clock:      clock,
	}
}

// Enqueue inserts items whose normalized identifier is new.
func (q *Queue) Enqueue(ctx context.Context, items []crawler.NewItem) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, errClosed
	}
	inserted := 0
	for _, it := range items {
		id := crawler.NormalizeURL(it.URL)
		if id == "" {
			continue
		}
		if _, ok := q.items[id]; ok {
			continue
		}
		q.items[id] = &crawler.WorkItem{
			ID:         id,
			Category:   it.Category,
			PublishKey: copyString(it.PublishKey),
			Status:     crawler.StatusPending,
		}
		inserted++
	}
	return inserted, nil
}

// ClaimBatch moves up to limit PENDING items to PROCESSING in claim order.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]crawler.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("claim canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errClosed
	}
	if limit <= 0 {
		return []crawler.WorkItem{}, nil
	}
	pending := make([]crawler.WorkItem, 0, len(q.items))
	for _, it := range q.items {
		if it.Status == crawler.StatusPending {
			pending = append(pending, *it)
		}
	}
	crawler.SortForClaim(pending)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	now := q.clock.Now()
	out := make([]crawler.WorkItem, 0, len(pending))
	for _, p := range pending {
		it := q.items[p.ID]
		it.Status = crawler.StatusProcessing
		claimed := now
		it.ClaimedAt = &claimed
		out = append(out, snapshot(it))
	}
	return out, nil
}

// ResolveSuccess marks a claimed item DONE.
func (q *Queue) ResolveSuccess(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resolve canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.claimed(id)
	if err != nil {
		return err
	}
	it.Status = crawler.StatusDone
	it.LastError = nil
	it.ClaimedAt = nil
	return nil
}

// ResolveFailure requeues a claimed item or marks it ERROR.
func (q *Queue) ResolveFailure(ctx context.Context, id string, message string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resolve canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.claimed(id)
	if err != nil {
		return err
	}
	it.Status = crawler.FailureStatus(it.RetryCount, q.maxRetries)
	it.RetryCount++
	msg := crawler.TruncateError(message)
	it.LastError = &msg
	it.ClaimedAt = nil
	return nil
}

// StatusCounts returns the number of items per status.
func (q *Queue) StatusCounts(ctx context.Context) (map[crawler.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("status counts canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errClosed
	}
	counts := make(map[crawler.Status]int, len(crawler.AllStatuses))
	for _, it := range q.items {
		counts[it.Status]++
	}
	return counts, nil
}

// ResetStale returns PROCESSING items claimed before now-olderThan to PENDING.
func (q *Queue) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("reset canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, errClosed
	}
	cutoff := q.clock.Now().Add(-olderThan)
	n := 0
	for _, it := range q.items {
		if it.Status != crawler.StatusProcessing {
			continue
		}
		if olderThan > 0 && it.ClaimedAt != nil && it.ClaimedAt.After(cutoff) {
			continue
		}
		it.Status = crawler.StatusPending
		it.ClaimedAt = nil
		n++
	}
	return n, nil
}

// Get returns a copy of the item with the given identifier.
func (q *Queue) Get(ctx context.Context, id string) (crawler.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return crawler.WorkItem{}, fmt.Errorf("get canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[crawler.NormalizeURL(id)]
	if !ok {
		return crawler.WorkItem{}, fmt.Errorf("get %s: %w", id, crawler.ErrNotFound)
	}
	return snapshot(it), nil
}

// Close marks the queue closed. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) claimed(id string) (*crawler.WorkItem, error) {
	if q.closed {
		return nil, errClosed
	}
	it, ok := q.items[id]
	if !ok || it.Status != crawler.StatusProcessing {
		return nil, fmt.Errorf("resolve %s: %w", id, crawler.ErrNotClaimed)
	}
	return it, nil
}

func snapshot(it *crawler.WorkItem) crawler.WorkItem {
	out := *it
	out.PublishKey = copyString(it.PublishKey)
	out.LastError = copyString(it.LastError)
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		out.ClaimedAt = &t
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
