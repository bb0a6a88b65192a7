package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

// Enqueue is the mock implementation of the Enqueue method.
func (m *MockStore) Enqueue(ctx context.Context, items []crawler.NewItem) (int, error) {
	args := m.Called(ctx, items)
	return args.Int(0), args.Error(1)
}

// ClaimBatch is the mock implementation of the ClaimBatch method.
func (m *MockStore) ClaimBatch(ctx context.Context, limit int) ([]crawler.WorkItem, error) {
	args := m.Called(ctx, limit)
	items, _ := args.Get(0).([]crawler.WorkItem)
	return items, args.Error(1)
}

// ResolveSuccess is the mock implementation of the ResolveSuccess method.
func (m *MockStore) ResolveSuccess(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// ResolveFailure is the mock implementation of the ResolveFailure method.
func (m *MockStore) ResolveFailure(ctx context.Context, id string, message string) error {
	return m.Called(ctx, id, message).Error(0)
}

// StatusCounts is the mock implementation of the StatusCounts method.
func (m *MockStore) StatusCounts(ctx context.Context) (map[crawler.Status]int, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[crawler.Status]int)
	return counts, args.Error(1)
}

// ResetStale is the mock implementation of the ResetStale method.
func (m *MockStore) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

// Get is the mock implementation of the Get method.
func (m *MockStore) Get(ctx context.Context, id string) (crawler.WorkItem, error) {
	args := m.Called(ctx, id)
	item, _ := args.Get(0).(crawler.WorkItem)
	return item, args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockStore) Close() error {
	return m.Called().Error(0)
}
