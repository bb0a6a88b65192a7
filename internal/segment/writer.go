// Package segment implements the append-only, line-count rotated JSONL output
// and the integrity stamping of finished segments.
package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/metrics"
	"github.com/JakeFAU/newscrawler/internal/record"
)

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("segment writer is closed")
	// ErrSegmentActive is returned when stamping the segment still being written.
	ErrSegmentActive = errors.New("segment is still being written")
)

// Config controls where and how segments are written.
type Config struct {
	Dir        string
	Prefix     string
	MaxRecords int
}

// Validate checks the writer configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("segment dir is required")
	}
	if strings.TrimSpace(c.Prefix) == "" {
		return fmt.Errorf("segment prefix is required")
	}
	if strings.ContainsAny(c.Prefix, `/\`) {
		return fmt.Errorf("segment prefix %q must not contain path separators", c.Prefix)
	}
	if c.MaxRecords <= 0 {
		return fmt.Errorf("segment max records must be > 0")
	}
	return nil
}

// Writer appends records to {prefix}_{index}.jsonl files, opening a new
// segment once the current one holds MaxRecords records. A single Writer is
// shared by every worker; it is the only mutator of its prefix.
type Writer struct {
	mu     sync.Mutex
	cfg    Config
	index  int
	count  int
	file   *os.File
	torn   bool
	closed bool
	logger *zap.Logger
}

// NewWriter resumes from whatever segments already exist for the prefix.
func NewWriter(cfg Config, logger *zap.Logger) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{cfg: cfg, index: 1, logger: logger}
	if err := w.resume(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) resume() error {
	existing, err := scan(w.cfg.Dir, w.cfg.Prefix)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	last := existing[len(existing)-1]
	count, torn, err := countRecords(last.path)
	if err != nil {
		return fmt.Errorf("inspect segment %s: %w", last.path, err)
	}
	switch {
	case torn:
		w.logger.Warn("last segment ends with a partial line; starting a new segment",
			zap.String("segment", last.path))
		w.index = last.index + 1
	case count < w.cfg.MaxRecords:
		w.index = last.index
		w.count = count
	default:
		w.index = last.index + 1
	}
	w.logger.Info("segment writer resumed",
		zap.String("segment", w.path(w.index)),
		zap.Int("records", w.count),
	)
	return nil
}

// Write appends rec as one line, flushes it to stable storage and returns the
// segment path it was written to.
func (w *Writer) Write(ctx context.Context, rec *record.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("segment write canceled: %w", err)
	}
	line, err := rec.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}
	if w.count >= w.cfg.MaxRecords || w.torn {
		if err := w.rotate(); err != nil {
			return "", err
		}
	}
	if w.file == nil {
		if err := w.open(); err != nil {
			return "", err
		}
	}
	path := w.path(w.index)
	n, err := w.file.Write(line)
	if err != nil {
		if n > 0 {
			w.torn = true
		}
		return "", fmt.Errorf("append to %s: %w", path, err)
	}
	if err := w.file.Sync(); err != nil {
		w.torn = true
		return "", fmt.Errorf("sync %s: %w", path, err)
	}
	w.count++
	metrics.ObserveSegmentRecord(w.cfg.Prefix)
	return path, nil
}

// Active returns the segment currently targeted by writes, or "" once closed.
func (w *Writer) Active() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ""
	}
	return w.path(w.index)
}

// IsActive reports whether path names the segment currently being written.
func (w *Writer) IsActive(path string) bool {
	active := w.Active()
	if active == "" {
		return false
	}
	return samePath(active, path)
}

// Stamp stamps a finished segment. The active segment is refused.
func (w *Writer) Stamp(path string) (string, error) {
	if w.IsActive(path) {
		return "", fmt.Errorf("stamp %s: %w", path, ErrSegmentActive)
	}
	return Stamp(path)
}

// Close releases the open segment. Further writes fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	return nil
}

func (w *Writer) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close segment %s: %w", w.path(w.index), err)
		}
		w.file = nil
	}
	w.index++
	w.count = 0
	w.torn = false
	metrics.ObserveSegmentRotation(w.cfg.Prefix)
	w.logger.Info("segment rotated", zap.String("segment", w.path(w.index)))
	return nil
}

func (w *Writer) open() error {
	if err := os.MkdirAll(w.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create output dir %s: %w", w.cfg.Dir, err)
	}
	path := w.path(w.index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path built from config
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	w.file = f
	return nil
}

func (w *Writer) path(index int) string {
	return filepath.Join(w.cfg.Dir, FileName(w.cfg.Prefix, index))
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
