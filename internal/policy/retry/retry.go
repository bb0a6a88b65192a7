// Package retry implements the fetch retry policy: a randomized jitter before
// every attempt and linearly increasing backoff between failed attempts.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Config holds the policy knobs.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	JitterMin   time.Duration
	JitterMax   time.Duration
}

// DefaultConfig mirrors the crawler defaults: three attempts, five second
// base delay and one to three seconds of jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		JitterMin:   time.Second,
		JitterMax:   3 * time.Second,
	}
}

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy runs an operation under the configured attempt budget.
type Policy struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Policy. Non-positive attempt counts become one attempt and an
// inverted jitter range is collapsed to its minimum.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.JitterMin < 0 {
		cfg.JitterMin = 0
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	return &Policy{cfg: cfg, sleep: sleepCtx}
}

// MaxAttempts returns the attempt budget.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Backoff returns the wait after the given failed attempt (1-based).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.cfg.BaseDelay * time.Duration(attempt)
}

// Jitter returns a uniformly random delay within the jitter range.
func (p *Policy) Jitter() time.Duration {
	span := p.cfg.JitterMax - p.cfg.JitterMin
	return p.cfg.JitterMin + randomJitter(span)
}

// Do invokes fn until it succeeds or the attempt budget is spent. fn receives
// the 1-based attempt number. Context cancellation stops waiting and returns
// the context error.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := p.sleep(ctx, p.Jitter()); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.Backoff(attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: p.cfg.MaxAttempts, Err: lastErr}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
