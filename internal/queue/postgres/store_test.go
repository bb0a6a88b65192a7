package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/queue/queuetest"
)

var itemColumns = []string{"url", "category", "publish_key", "status", "retry_count", "last_error", "claimed_at"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, *queuetest.Clock) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clock := queuetest.NewClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	store, err := NewStoreWithPool(mock, "queue", 3, clock)
	require.NoError(t, err)
	return store, mock, clock
}

func TestNewStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	clock := queuetest.NewClock(time.Now())

	_, err = NewStoreWithPool(mock, "queue; DROP TABLE x", 3, clock)
	require.Error(t, err)
	_, err = NewStoreWithPool(nil, "queue", 3, clock)
	require.Error(t, err)

	store, err := NewStoreWithPool(mock, "", 3, clock)
	require.NoError(t, err)
	require.Equal(t, "queue", store.table)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueCountsInsertedRows(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	key := crawler.StringPtr("2024-05-01 10:00")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO queue").
		WithArgs("https://x/a", "politik", key).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO queue").
		WithArgs("https://x/b", "politik", (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := store.Enqueue(context.Background(), []crawler.NewItem{
		{URL: "https://x/a/?ref=home", Category: "politik", PublishKey: key},
		{URL: " ", Category: "politik"},
		{URL: "https://x/b", Category: "politik"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO queue").
		WithArgs("https://x/a", "", (*string)(nil)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.Enqueue(context.Background(), []crawler.NewItem{{URL: "https://x/a"}})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchReturnsItemsInClaimOrder(t *testing.T) {
	t.Parallel()

	store, mock, clock := newMockStore(t)
	now := clock.Now()
	early := crawler.StringPtr("2024-05-01")
	late := crawler.StringPtr("2024-05-02")
	lastErr := crawler.StringPtr("timeout")

	mock.ExpectQuery("UPDATE queue SET status = 'PROCESSING'").
		WithArgs(now, 3).
		WillReturnRows(pgxmock.NewRows(itemColumns).
			AddRow("https://x/none", "politik", (*string)(nil), "PROCESSING", int32(0), (*string)(nil), &now).
			AddRow("https://x/late", "politik", late, "PROCESSING", int32(1), lastErr, &now).
			AddRow("https://x/early", "politik", early, "PROCESSING", int32(0), (*string)(nil), &now))

	items, err := store.ClaimBatch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "https://x/early", items[0].ID)
	require.Equal(t, "https://x/late", items[1].ID)
	require.Equal(t, "https://x/none", items[2].ID)
	require.Equal(t, 1, items[1].RetryCount)
	require.Equal(t, "timeout", *items[1].LastError)
	require.Equal(t, crawler.StatusProcessing, items[2].Status)
	require.True(t, items[0].ClaimedAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchSelectsInByteOrder(t *testing.T) {
	t.Parallel()

	store, mock, clock := newMockStore(t)
	mock.ExpectQuery(`ORDER BY publish_key COLLATE "C" ASC NULLS LAST, url COLLATE "C" ASC`).
		WithArgs(clock.Now(), 2).
		WillReturnRows(pgxmock.NewRows(itemColumns))

	items, err := store.ClaimBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Empty(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchZeroLimitSkipsQuery(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	items, err := store.ClaimBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSuccess(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectExec("UPDATE queue SET status = 'DONE'").
		WithArgs("https://x/a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE queue SET status = 'DONE'").
		WithArgs("https://x/b").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.ResolveSuccess(context.Background(), "https://x/a"))
	require.ErrorIs(t, store.ResolveSuccess(context.Background(), "https://x/b"), crawler.ErrNotClaimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveFailurePassesBudgetAndTruncatedMessage(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	long := make([]rune, 600)
	for i := range long {
		long[i] = 'x'
	}
	mock.ExpectExec("retry_count \\+ 1 < \\$1").
		WithArgs(3, string(long[:crawler.MaxErrorLength]), "https://x/a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ResolveFailure(context.Background(), "https://x/a", string(long)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusCounts(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("PENDING", int64(4)).
			AddRow("DONE", int64(7)))

	counts, err := store.StatusCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[crawler.Status]int{crawler.StatusPending: 4, crawler.StatusDone: 7}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStale(t *testing.T) {
	t.Parallel()

	store, mock, clock := newMockStore(t)
	mock.ExpectExec("claimed_at <= \\$1").
		WithArgs(clock.Now().Add(-30 * time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("WHERE status = 'PROCESSING'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 5))

	n, err := store.ResetStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.ResetStale(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT url, category").
		WithArgs("https://x/missing").
		WillReturnRows(pgxmock.NewRows(itemColumns))

	_, err := store.Get(context.Background(), "https://x/missing/")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
