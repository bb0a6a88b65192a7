// Package postgres provides a Postgres-backed queue store for crawls whose
// state lives in a shared database.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the queue.
type Config struct {
	DSN             string
	Table           string
	MaxRetries      int
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements crawler.QueueStore on Postgres.
type Store struct {
	pool       pool
	table      string
	maxRetries int
	clock      crawler.Clock
}

// Open connects to Postgres and creates the queue table if it is missing.
func Open(ctx context.Context, cfg Config, clock crawler.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewStoreWithPool(p, cfg.Table, cfg.MaxRetries, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, table string, maxRetries int, clock crawler.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = "queue"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table, maxRetries: maxRetries, clock: clock}, nil
}

// EnsureSchema creates the queue table and its claim index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	url         TEXT PRIMARY KEY,
	category    TEXT NOT NULL DEFAULT '',
	publish_key TEXT,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	claimed_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %[1]s_status_publish_idx ON %[1]s (status, publish_key)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

// Enqueue inserts new items in one transaction, skipping known identifiers.
func (s *Store) Enqueue(ctx context.Context, items []crawler.NewItem) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, category, publish_key, status)
VALUES ($1, $2, $3, 'PENDING')
ON CONFLICT (url) DO NOTHING`, s.table)

	inserted := 0
	for _, it := range items {
		id := crawler.NormalizeURL(it.URL)
		if id == "" {
			continue
		}
		tag, err := tx.Exec(ctx, query, id, it.Category, it.PublishKey)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("enqueue %s: %w", id, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return inserted, nil
}

// ClaimBatch locks and marks up to limit PENDING items in one statement.
// SKIP LOCKED lets concurrent claimers take disjoint rows. Both sort keys use
// the "C" collation so the rows selected are the first ones in byte order,
// matching crawler.SortForClaim.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]crawler.WorkItem, error) {
	if limit <= 0 {
		return []crawler.WorkItem{}, nil
	}
	query := fmt.Sprintf(`
UPDATE %[1]s SET status = 'PROCESSING', claimed_at = $1
WHERE url IN (
	SELECT url FROM %[1]s
	WHERE status = 'PENDING'
	ORDER BY publish_key COLLATE "C" ASC NULLS LAST, url COLLATE "C" ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING url, category, publish_key, status, retry_count, last_error, claimed_at`, s.table)
	rows, err := s.pool.Query(ctx, query, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	crawler.SortForClaim(items)
	return items, nil
}

// ResolveSuccess marks a claimed item DONE.
func (s *Store) ResolveSuccess(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'DONE', last_error = NULL, claimed_at = NULL
WHERE url = $1 AND status = 'PROCESSING'`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("resolve success %s: %w", id, err)
	}
	return requireOne(tag, id)
}

// ResolveFailure requeues a claimed item or marks it ERROR.
func (s *Store) ResolveFailure(ctx context.Context, id string, message string) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = CASE WHEN retry_count + 1 < $1 THEN 'PENDING' ELSE 'ERROR' END,
	retry_count = retry_count + 1,
	last_error = $2,
	claimed_at = NULL
WHERE url = $3 AND status = 'PROCESSING'`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.maxRetries, crawler.TruncateError(message), id)
	if err != nil {
		return fmt.Errorf("resolve failure %s: %w", id, err)
	}
	return requireOne(tag, id)
}

// StatusCounts returns the number of items per status.
func (s *Store) StatusCounts(ctx context.Context) (map[crawler.Status]int, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table))
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[crawler.Status]int, len(crawler.AllStatuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[crawler.Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	return counts, nil
}

// ResetStale returns PROCESSING items claimed at or before now-olderThan to
// PENDING. Zero resets every PROCESSING item.
func (s *Store) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if olderThan <= 0 {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET status = 'PENDING', claimed_at = NULL WHERE status = 'PROCESSING'`, s.table))
	} else {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET status = 'PENDING', claimed_at = NULL
WHERE status = 'PROCESSING' AND (claimed_at IS NULL OR claimed_at <= $1)`, s.table),
			s.clock.Now().Add(-olderThan))
	}
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns the item with the given identifier.
func (s *Store) Get(ctx context.Context, id string) (crawler.WorkItem, error) {
	query := fmt.Sprintf(`
SELECT url, category, publish_key, status, retry_count, last_error, claimed_at
FROM %s WHERE url = $1`, s.table)
	rows, err := s.pool.Query(ctx, query, crawler.NormalizeURL(id))
	if err != nil {
		return crawler.WorkItem{}, fmt.Errorf("get %s: %w", id, err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return crawler.WorkItem{}, fmt.Errorf("get %s: %w", id, err)
	}
	if len(items) == 0 {
		return crawler.WorkItem{}, fmt.Errorf("get %s: %w", id, crawler.ErrNotFound)
	}
	return items[0], nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanItems(rows pgx.Rows) ([]crawler.WorkItem, error) {
	defer rows.Close()
	items := []crawler.WorkItem{}
	for rows.Next() {
		var (
			it        crawler.WorkItem
			status    string
			retries   int32
			claimedAt *time.Time
		)
		if err := rows.Scan(&it.ID, &it.Category, &it.PublishKey, &status, &retries, &it.LastError, &claimedAt); err != nil {
			return nil, err
		}
		it.Status = crawler.Status(status)
		it.RetryCount = int(retries)
		if claimedAt != nil {
			t := claimedAt.UTC()
			it.ClaimedAt = &t
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func requireOne(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve %s: %w", id, crawler.ErrNotClaimed)
	}
	return nil
}
