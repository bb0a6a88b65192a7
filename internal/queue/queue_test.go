package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/queue/memory"
	"github.com/JakeFAU/newscrawler/internal/queue/queuetest"
	"github.com/JakeFAU/newscrawler/internal/queue/sqlite"
)

func TestOpenSelectsDriver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := queuetest.NewClock(time.Now())

	s, err := Open(ctx, Config{Driver: DriverMemory, MaxRetries: 3}, clock)
	require.NoError(t, err)
	require.IsType(t, &memory.Queue{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{SQLitePath: filepath.Join(t.TempDir(), "state.db"), MaxRetries: 3}, clock)
	require.NoError(t, err)
	require.IsType(t, &sqlite.Store{}, s)
	require.NoError(t, s.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "redis"}, queuetest.NewClock(time.Now()))
	require.ErrorContains(t, err, "unknown queue driver")
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: DriverPostgres}, queuetest.NewClock(time.Now()))
	require.ErrorContains(t, err, "queue.dsn is required")
}

func TestMockStoreSatisfiesStore(t *testing.T) {
	t.Parallel()

	m := &MockStore{}
	var s Store = m
	m.On("StatusCounts", context.Background()).Return(map[crawler.Status]int{crawler.StatusDone: 1}, nil)
	counts, err := s.StatusCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts[crawler.StatusDone])
	m.AssertExpectations(t)
}
