// Package sqlite stores the work queue in a single SQLite file so crawl state
// survives restarts and can be shared by processes on one machine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	url         TEXT PRIMARY KEY,
	category    TEXT NOT NULL DEFAULT '',
	publish_key TEXT,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	claimed_at  INTEGER,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_status_publish_idx ON queue (status, publish_key);
`

const columns = `url, category, publish_key, status, retry_count, last_error, claimed_at`

// Config controls the SQLite store.
type Config struct {
	Path        string
	MaxRetries  int
	BusyTimeout time.Duration
}

// Store implements crawler.QueueStore on SQLite.
type Store struct {
	db         *sql.DB
	maxRetries int
	clock      crawler.Clock
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg Config, clock crawler.Clock) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue.sqlite_path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// One connection serializes writers inside the process; busy_timeout
	// covers other processes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &Store{db: db, maxRetries: cfg.MaxRetries, clock: clock}, nil
}

// Enqueue inserts new items in one transaction, skipping known identifiers.
func (s *Store) Enqueue(ctx context.Context, items []crawler.NewItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO queue (url, category, publish_key, status, created_at)
VALUES (?, ?, ?, 'PENDING', ?)
ON CONFLICT (url) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare enqueue: %w", err)
	}
	defer stmt.Close()

	now := s.clock.Now().UnixMilli()
	inserted := 0
	for _, it := range items {
		id := crawler.NormalizeURL(it.URL)
		if id == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, id, it.Category, nullString(it.PublishKey), now)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", id, err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return inserted, nil
}

// ClaimBatch selects and marks up to limit PENDING items in one statement.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]crawler.WorkItem, error) {
	if limit <= 0 {
		return []crawler.WorkItem{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
UPDATE queue SET status = 'PROCESSING', claimed_at = ?
WHERE url IN (
	SELECT url FROM queue
	WHERE status = 'PENDING'
	ORDER BY publish_key IS NULL, publish_key, url
	LIMIT ?
)
RETURNING `+columns, s.clock.Now().UnixMilli(), limit)
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
	res, err := s.db.ExecContext(ctx, `
UPDATE queue SET status = 'DONE', last_error = NULL, claimed_at = NULL
WHERE url = ? AND status = 'PROCESSING'`, id)
	if err != nil {
		return fmt.Errorf("resolve success %s: %w", id, err)
	}
	return requireOne(res, id)
}

// ResolveFailure requeues a claimed item or marks it ERROR.
func (s *Store) ResolveFailure(ctx context.Context, id string, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue SET
	status = CASE WHEN retry_count + 1 < ? THEN 'PENDING' ELSE 'ERROR' END,
	retry_count = retry_count + 1,
	last_error = ?,
	claimed_at = NULL
WHERE url = ? AND status = 'PROCESSING'`, s.maxRetries, crawler.TruncateError(message), id)
	if err != nil {
		return fmt.Errorf("resolve failure %s: %w", id, err)
	}
	return requireOne(res, id)
}

// StatusCounts returns the number of items per status.
func (s *Store) StatusCounts(ctx context.Context) (map[crawler.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[crawler.Status]int, len(crawler.AllStatuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[crawler.Status(status)] = n
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
		res sql.Result
		err error
	)
	if olderThan <= 0 {
		res, err = s.db.ExecContext(ctx, `
UPDATE queue SET status = 'PENDING', claimed_at = NULL WHERE status = 'PROCESSING'`)
	} else {
		cutoff := s.clock.Now().Add(-olderThan).UnixMilli()
		res, err = s.db.ExecContext(ctx, `
UPDATE queue SET status = 'PENDING', claimed_at = NULL
WHERE status = 'PROCESSING' AND (claimed_at IS NULL OR claimed_at <= ?)`, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return int(n), nil
}

// Get returns the item with the given identifier.
func (s *Store) Get(ctx context.Context, id string) (crawler.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM queue WHERE url = ?`, crawler.NormalizeURL(id))
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

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func scanItems(rows *sql.Rows) ([]crawler.WorkItem, error) {
	defer rows.Close()
	var items []crawler.WorkItem
	for rows.Next() {
		var (
			it         crawler.WorkItem
			status     string
			publishKey sql.NullString
			lastError  sql.NullString
			claimedAt  sql.NullInt64
		)
		if err := rows.Scan(&it.ID, &it.Category, &publishKey, &status, &it.RetryCount, &lastError, &claimedAt); err != nil {
			return nil, err
		}
		it.Status = crawler.Status(status)
		if publishKey.Valid {
			it.PublishKey = &publishKey.String
		}
		if lastError.Valid {
			it.LastError = &lastError.String
		}
		if claimedAt.Valid {
			t := time.UnixMilli(claimedAt.Int64).UTC()
			it.ClaimedAt = &t
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if items == nil {
		items = []crawler.WorkItem{}
	}
	return items, nil
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("resolve %s: %w", id, crawler.ErrNotClaimed)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
