// Package dispatcher runs the claim/process loop: it claims batches from the
// queue store, fans each batch out to a bounded set of workers, and verifies
// the output segments once the queue drains or the run is stopped.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/metrics"
	"github.com/JakeFAU/newscrawler/internal/segment"
	"github.com/JakeFAU/newscrawler/internal/worker"
)

// Default batch sizing.
const (
	DefaultBatchSize   = 25
	DefaultConcurrency = 5
)

// Processor handles one claimed item.
type Processor interface {
	Process(ctx context.Context, item crawler.WorkItem) (worker.Outcome, error)
}

// Config controls the run loop.
type Config struct {
	BatchSize   int
	Concurrency int
	// RecoverStale resets items left PROCESSING by an earlier run before the
	// first claim. StaleAfter bounds how old a claim must be; zero resets all.
	RecoverStale bool
	StaleAfter   time.Duration
	// OutputDir is verified after the run. Empty skips verification.
	OutputDir string
}

// Summary describes one run.
type Summary struct {
	RunID     string
	Batches   int
	Claimed   int
	Succeeded int
	Failed    int
	Recovered int
	// Stopped is set when the run ended on an external stop rather than a
	// drained queue.
	Stopped   bool
	Counts    map[crawler.Status]int
	Integrity segment.Report
}

// Dispatcher coordinates workers over the queue store.
type Dispatcher struct {
	store  crawler.QueueStore
	proc   Processor
	output io.Closer
	ids    crawler.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher. output is closed when the run ends.
func New(
	store crawler.QueueStore,
	proc Processor,
	output io.Closer,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, proc: proc, output: output, ids: ids, cfg: cfg, logger: logger}
}

// Run claims and processes batches until the queue drains or ctx is done.
// Cancelling ctx stops further claims; items already claimed run to
// completion. The returned error is non-nil only for queue store failures
// or a failure to close the output.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: d.newRunID()}
	logger := d.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("run started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("concurrency", d.cfg.Concurrency),
	)

	runErr := d.loop(ctx, logger, &summary)
	if err := d.finalize(ctx, logger, &summary); err != nil {
		runErr = errors.Join(runErr, err)
	}

	logger.Info("run finished",
		zap.Int("batches", summary.Batches),
		zap.Int("claimed", summary.Claimed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Bool("stopped", summary.Stopped),
		zap.Error(runErr),
	)
	return summary, runErr
}

func (d *Dispatcher) loop(ctx context.Context, logger *zap.Logger, summary *Summary) error {
	// Store calls are not cancelled by a stop request so a claim or
	// resolution is never abandoned halfway.
	storeCtx := context.WithoutCancel(ctx)

	if d.cfg.RecoverStale {
		n, err := d.store.ResetStale(storeCtx, d.cfg.StaleAfter)
		if err != nil {
			return fmt.Errorf("recover stale items: %w", err)
		}
		summary.Recovered = n
		if n > 0 {
			logger.Warn("recovered stale items", zap.Int("count", n), zap.Duration("older_than", d.cfg.StaleAfter))
		}
	}

	for {
		if ctx.Err() != nil {
			summary.Stopped = true
			logger.Info("stop requested; no further batches will be claimed")
			return nil
		}
		items, err := d.store.ClaimBatch(storeCtx, d.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(items) == 0 {
			logger.Info("queue drained")
			return nil
		}
		summary.Batches++
		summary.Claimed += len(items)

		start := time.Now()
		succeeded, failed, err := d.runBatch(storeCtx, items)
		metrics.ObserveBatch(time.Since(start))
		summary.Succeeded += succeeded
		summary.Failed += failed
		if err != nil {
			return err
		}

		counts, err := d.store.StatusCounts(storeCtx)
		if err != nil {
			return fmt.Errorf("status counts: %w", err)
		}
		summary.Counts = counts
		metrics.SetQueueCounts(countsByName(counts))
		logger.Info("batch complete",
			zap.Int("batch", summary.Batches),
			zap.Int("claimed", len(items)),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed),
			zap.Duration("duration", time.Since(start)),
			zap.Int("pending", counts[crawler.StatusPending]),
			zap.Int("processing", counts[crawler.StatusProcessing]),
			zap.Int("done", counts[crawler.StatusDone]),
			zap.Int("error", counts[crawler.StatusError]),
		)
	}
}

// runBatch processes every item of the batch with at most Concurrency in
// flight and waits for all of them. A store failure does not cancel the
// remaining items.
func (d *Dispatcher) runBatch(ctx context.Context, items []crawler.WorkItem) (int, int, error) {
	var (
		mu        sync.Mutex
		succeeded int
		failed    int
		g         errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			outcome, err := d.proc.Process(ctx, item)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if outcome == worker.OutcomeDone {
				succeeded++
			} else {
				failed++
			}
			return nil
		})
	}
	err := g.Wait()
	return succeeded, failed, err
}

func (d *Dispatcher) finalize(ctx context.Context, logger *zap.Logger, summary *Summary) error {
	var closeErr error
	if d.output != nil {
		if err := d.output.Close(); err != nil {
			closeErr = fmt.Errorf("close output: %w", err)
			logger.Error("close output failed", zap.Error(err))
		}
	}
	if d.cfg.OutputDir == "" {
		return closeErr
	}
	report, err := segment.VerifyAll(context.WithoutCancel(ctx), d.cfg.OutputDir, nil, logger)
	if err != nil {
		logger.Error("integrity pass failed", zap.Error(err))
	}
	summary.Integrity = report
	logger.Info("integrity report",
		zap.Int("segments", len(report.Results)),
		zap.Int("failed", len(report.Failed())),
		zap.Int("records", report.Records()),
	)
	return closeErr
}

func (d *Dispatcher) newRunID() string {
	if d.ids == nil {
		return ""
	}
	id, err := d.ids.NewID()
	if err != nil {
		d.logger.Warn("run id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func countsByName(counts map[crawler.Status]int) map[string]int {
	out := make(map[string]int, len(crawler.AllStatuses))
	for _, s := range crawler.AllStatuses {
		out[string(s)] = counts[s]
	}
	return out
}
