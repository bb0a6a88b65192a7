// Package app builds the long-lived services for one CLI invocation and
// hands out the components each command needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/newscrawler/internal/api"
	"github.com/JakeFAU/newscrawler/internal/archive"
	"github.com/JakeFAU/newscrawler/internal/archive/gcs"
	"github.com/JakeFAU/newscrawler/internal/archive/local"
	"github.com/JakeFAU/newscrawler/internal/clock/system"
	"github.com/JakeFAU/newscrawler/internal/config"
	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/dispatcher"
	"github.com/JakeFAU/newscrawler/internal/extract"
	collyfetcher "github.com/JakeFAU/newscrawler/internal/fetcher/colly"
	"github.com/JakeFAU/newscrawler/internal/fetcher/detector"
	"github.com/JakeFAU/newscrawler/internal/fetcher/headless"
	"github.com/JakeFAU/newscrawler/internal/id/uuid"
	"github.com/JakeFAU/newscrawler/internal/indexer"
	"github.com/JakeFAU/newscrawler/internal/notify/pubsub"
	"github.com/JakeFAU/newscrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/newscrawler/internal/policy/retry"
	"github.com/JakeFAU/newscrawler/internal/queue"
	"github.com/JakeFAU/newscrawler/internal/segment"
	"github.com/JakeFAU/newscrawler/internal/worker"
)

// App holds the shared services. Fetchers are created on first use so
// commands that only read the queue never start a browser.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	store  queue.Store
	clock  crawler.Clock
	// limiter is nil when http.rate_per_second is zero.
	limiter *ratelimit.Limiter

	mu        sync.Mutex
	http      *collyfetcher.Fetcher
	headless  *headless.Fetcher
	archiver  *archive.Archiver
	gcs       *gcsstorage.Client
	pubsub    *gpubsub.Client
	publisher *pubsub.Publisher
}

// New opens the queue store named by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	store, err := queue.Open(ctx, queue.Config{
		Driver:     cfg.Queue.Driver,
		SQLitePath: cfg.Queue.SQLitePath,
		DSN:        cfg.Queue.DSN,
		Table:      cfg.Queue.Table,
		MaxConns:   cfg.Queue.MaxConns,
		MaxRetries: cfg.Queue.MaxRetries,
	}, clock)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	logger.Info("queue store ready", zap.String("driver", cfg.Queue.Driver))
	a := &App{cfg: cfg, logger: logger, store: store, clock: clock}
	if cfg.HTTP.RatePerSecond > 0 {
		a.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RatePerSecond, Burst: cfg.HTTP.Burst})
	}
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the queue store.
func (a *App) Store() queue.Store { return a.store }

// RetryPolicy builds the fetch retry policy from the http settings.
func (a *App) RetryPolicy() *retry.Policy {
	h := a.cfg.HTTP
	return retry.New(retry.Config{
		MaxAttempts: h.MaxAttempts,
		BaseDelay:   time.Duration(h.RetryDelaySeconds) * time.Second,
		JitterMin:   time.Duration(h.JitterMinMs) * time.Millisecond,
		JitterMax:   time.Duration(h.JitterMaxMs) * time.Millisecond,
	})
}

// Fetcher returns the primary fetcher for the configured fetch mode.
func (a *App) Fetcher() (crawler.Fetcher, error) {
	if a.cfg.Fetch.Mode == config.FetchModeHeadless {
		f, err := a.headlessFetcher()
		if err != nil {
			return nil, err
		}
		return a.limit(f), nil
	}
	return a.limit(a.httpFetcher()), nil
}

// NewWorker builds a worker writing to sink.
func (a *App) NewWorker(sink crawler.RecordSink) (*worker.Worker, error) {
	fetcher, err := a.Fetcher()
	if err != nil {
		return nil, err
	}
	w := worker.New(
		a.store,
		fetcher,
		extract.NewArticleExtractor(extract.DefaultSelectors(), a.cfg.Extract.ReadabilityFallback),
		sink,
		a.RetryPolicy(),
		a.clock,
		worker.Config{FetchTimeout: a.cfg.FetchTimeout(), MaxRetries: a.cfg.Queue.MaxRetries},
		a.logger.Named("worker"),
	)
	if a.cfg.Fetch.Mode == config.FetchModeAuto {
		renderer, err := a.headlessFetcher()
		if err != nil {
			return nil, err
		}
		w.WithHeadless(a.limit(renderer), detector.NewHeuristic(a.cfg.Headless.PromotionMinBytes, a.cfg.Headless.ContentMarkers...))
	}
	return w, nil
}

// NewDispatcher builds the segment writer, worker and dispatcher for a crawl.
// A positive batchSize overrides crawler.batch_size.
func (a *App) NewDispatcher(batchSize int) (*dispatcher.Dispatcher, error) {
	writer, err := segment.NewWriter(segment.Config{
		Dir:        a.cfg.Output.Dir,
		Prefix:     a.cfg.Output.Prefix,
		MaxRecords: a.cfg.Output.MaxLinesPerFile,
	}, a.logger.Named("segment"))
	if err != nil {
		return nil, fmt.Errorf("open segment writer: %w", err)
	}
	w, err := a.NewWorker(writer)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = a.cfg.Crawler.BatchSize
	}
	return dispatcher.New(a.store, w, writer, uuid.New(), dispatcher.Config{
		BatchSize:    batchSize,
		Concurrency:  a.cfg.Crawler.Concurrency,
		RecoverStale: a.cfg.Queue.RecoverOnStart,
		StaleAfter:   a.cfg.Queue.StaleAfter,
		OutputDir:    a.cfg.Output.Dir,
	}, a.logger.Named("dispatcher")), nil
}

// NewIndexer builds the index crawler. Index pages are always fetched over
// plain HTTP.
func (a *App) NewIndexer() *indexer.Indexer {
	return indexer.New(a.store, a.limit(a.httpFetcher()), a.RetryPolicy(), indexer.Config{
		BaseURL:      a.cfg.Crawler.BaseURL,
		IndexPath:    a.cfg.Crawler.IndexPath,
		FetchTimeout: a.cfg.FetchTimeout(),
	}, a.logger.Named("indexer"))
}

// Archiver returns the segment archiver, or nil when archive.driver is none.
func (a *App) Archiver(ctx context.Context) (*archive.Archiver, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archiver != nil || a.cfg.Archive.Driver == "none" {
		return a.archiver, nil
	}

	var store archive.BlobStore
	switch a.cfg.Archive.Driver {
	case "local":
		s, err := local.New(a.cfg.Archive.Dir)
		if err != nil {
			return nil, err
		}
		store = s
	case "gcs":
		var opts []option.ClientOption
		if a.cfg.Archive.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(a.cfg.Archive.Endpoint), option.WithoutAuthentication())
		}
		client, err := gcsstorage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.gcs = client
		s, err := gcs.New(client, a.cfg.Archive.Bucket)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown archive driver %q", a.cfg.Archive.Driver)
	}

	var pub archive.Publisher
	if a.cfg.Notify.Driver == "pubsub" {
		client, err := gpubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsub = client
		a.publisher = pubsub.New(client.Publisher(a.cfg.Notify.Topic))
		pub = a.publisher
	}

	a.archiver = archive.New(store, pub, archive.Config{
		Prefix: a.cfg.Archive.Prefix,
		Topic:  a.cfg.Notify.Topic,
	}, a.clock, a.logger.Named("archive"))
	return a.archiver, nil
}

// ServeStatus runs the status server until ctx is done. It returns
// immediately when metrics.addr is empty.
func (a *App) ServeStatus(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	return api.NewServer(a.store, a.logger.Named("api")).ListenAndServe(ctx, a.cfg.Metrics.Addr)
}

// Close releases the browser and the queue store.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.publisher != nil {
		a.publisher.Stop()
		a.publisher = nil
	}
	if a.pubsub != nil {
		errs = append(errs, a.pubsub.Close())
		a.pubsub = nil
	}
	if a.gcs != nil {
		errs = append(errs, a.gcs.Close())
		a.gcs = nil
	}
	if a.headless != nil {
		errs = append(errs, a.headless.Close())
		a.headless = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) limit(f crawler.Fetcher) crawler.Fetcher {
	if a.limiter == nil {
		return f
	}
	return a.limiter.Wrap(f)
}

func (a *App) httpFetcher() *collyfetcher.Fetcher {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http == nil {
		a.http = collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Crawler.UserAgent,
			RespectRobots: a.cfg.Crawler.RespectRobots,
			Timeout:       a.cfg.FetchTimeout(),
		})
	}
	return a.http
}

func (a *App) headlessFetcher() (*headless.Fetcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.headless != nil {
		return a.headless, nil
	}
	f, err := headless.New(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.NavTimeout(),
		WaitSelector:      a.cfg.Headless.WaitSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("start headless fetcher: %w", err)
	}
	a.headless = f
	return f, nil
}
