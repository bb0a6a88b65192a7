// Package queue selects and opens the configured work queue store.
// Drivers live in subpackages so each one can be used on its own.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/queue/memory"
	"github.com/JakeFAU/newscrawler/internal/queue/postgres"
	"github.com/JakeFAU/newscrawler/internal/queue/sqlite"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config selects a driver and carries the settings of every driver.
type Config struct {
	Driver      string
	SQLitePath  string
	BusyTimeout time.Duration
	DSN         string
	Table       string
	MaxConns    int32
	MaxRetries  int
}

// Store is a queue store that can also look up single items.
type Store interface {
	crawler.QueueStore
	Get(ctx context.Context, id string) (crawler.WorkItem, error)
}

// Open returns the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config, clock crawler.Clock) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLitePath,
			MaxRetries:  cfg.MaxRetries,
			BusyTimeout: cfg.BusyTimeout,
		}, clock)
	case DriverPostgres:
		return postgres.Open(ctx, postgres.Config{
			DSN:        cfg.DSN,
			Table:      cfg.Table,
			MaxRetries: cfg.MaxRetries,
			MaxConns:   cfg.MaxConns,
		}, clock)
	case DriverMemory:
		return memory.NewQueue(cfg.MaxRetries, clock), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
