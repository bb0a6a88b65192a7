// Package worker processes one claimed work item: fetch, extract, append to
// the segment writer and resolve the item in the queue store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/metrics"
	"github.com/JakeFAU/newscrawler/internal/policy/retry"
	"github.com/JakeFAU/newscrawler/internal/record"
)

// ScrapedAtLayout is RFC 3339 with millisecond precision.
const ScrapedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Outcome is the queue transition applied to a processed item.
type Outcome string

// Outcomes reported by Process.
const (
	OutcomeDone  Outcome = "done"
	OutcomeRetry Outcome = "retry"
	OutcomeError Outcome = "error"
	// OutcomeLost means the item stopped being PROCESSING before it could be
	// resolved, typically because a stale reset handed it back to the queue.
	OutcomeLost Outcome = "lost"
)

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration
	// MaxRetries is the queue retry budget, used to label failure outcomes.
	MaxRetries int
}

// Worker executes the per-item pipeline. It is safe for concurrent use when
// its collaborators are.
type Worker struct {
	store     crawler.QueueStore
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	sink      crawler.RecordSink
	policy    *retry.Policy
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	headless crawler.Fetcher
	detector crawler.HeadlessDetector
}

// New constructs a Worker.
func New(
	store crawler.QueueStore,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	sink crawler.RecordSink,
	policy *retry.Policy,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.New(retry.Config{MaxAttempts: 1})
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Worker{
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		sink:      sink,
		policy:    policy,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// WithHeadless enables promotion to a browser render when detector flags a
// fetched page.
func (w *Worker) WithHeadless(fetcher crawler.Fetcher, detector crawler.HeadlessDetector) *Worker {
	w.headless = fetcher
	w.detector = detector
	return w
}

// Process runs the pipeline for item and resolves it. Item failures are
// recorded in the queue store; the returned error is non-nil only when the
// store itself failed.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) (Outcome, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("url", item.ID), zap.Int("retry_count", item.RetryCount))
	segment, err := w.crawl(ctx, item)
	if err != nil {
		outcome := OutcomeRetry
		next := crawler.FailureStatus(item.RetryCount, w.cfg.MaxRetries)
		if next == crawler.StatusError {
			outcome = OutcomeError
		}
		logger.Warn("item failed", zap.Error(err), zap.String("next_status", string(next)))
		if rerr := w.store.ResolveFailure(ctx, item.ID, err.Error()); rerr != nil {
			if errors.Is(rerr, crawler.ErrNotClaimed) {
				return w.lost(logger, item), nil
			}
			return outcome, fmt.Errorf("resolve failure %s: %w", item.ID, rerr)
		}
		metrics.ObserveItem(item.Category, string(outcome))
		return outcome, nil
	}

	if err := w.store.ResolveSuccess(ctx, item.ID); err != nil {
		if errors.Is(err, crawler.ErrNotClaimed) {
			// The record is already in the segment; the next claim writes it again.
			logger.Info("record written before claim was lost", zap.String("segment", segment))
			return w.lost(logger, item), nil
		}
		return OutcomeDone, fmt.Errorf("resolve success %s: %w", item.ID, err)
	}
	metrics.ObserveItem(item.Category, string(OutcomeDone))
	logger.Info("item done", zap.String("segment", segment))
	return OutcomeDone, nil
}

func (w *Worker) lost(logger *zap.Logger, item crawler.WorkItem) Outcome {
	logger.Warn("item no longer claimed; leaving it to its current owner")
	metrics.ObserveItem(item.Category, string(OutcomeLost))
	return OutcomeLost
}

// crawl returns the segment the record landed in.
func (w *Worker) crawl(ctx context.Context, item crawler.WorkItem) (segment string, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("item pipeline panicked",
				zap.String("url", item.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	resp, err := w.fetch(ctx, item.ID)
	if err != nil {
		return "", err
	}
	resp = w.maybePromote(ctx, item.ID, resp)

	rec, err := w.extractor.Extract(resp.Body, item.ID)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	rec.Set("scraped_at", record.String(w.clock.Now().UTC().Format(ScrapedAtLayout)))

	segment, err = w.sink.Write(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("write record: %w", err)
	}
	return segment, nil
}

func (w *Worker) fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	var resp crawler.FetchResponse
	err := w.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()

		r, err := w.fetcher.Fetch(attemptCtx, crawler.FetchRequest{URL: url})
		if err != nil {
			w.logger.Debug("fetch attempt failed",
				zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: %w", err)
	}
	return resp, nil
}

// maybePromote re-fetches url in a browser when the detector asks for it.
// A failed render keeps the plain response.
func (w *Worker) maybePromote(ctx context.Context, url string, resp crawler.FetchResponse) crawler.FetchResponse {
	if w.headless == nil || w.detector == nil || !w.detector.ShouldPromote(resp) {
		return resp
	}
	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	rendered, err := w.headless.Fetch(renderCtx, crawler.FetchRequest{URL: url})
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return resp
	}
	rendered.UsedHeadless = true
	w.logger.Debug("headless promotion applied", zap.String("url", url))
	return rendered
}
