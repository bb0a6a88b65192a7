package segment

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/hash/sha256"
	"github.com/JakeFAU/newscrawler/internal/metrics"
	"github.com/JakeFAU/newscrawler/internal/record"
)

// StampSuffix is appended to a segment path to name its checksum descriptor.
const StampSuffix = ".sha256"

// IntegrityError reports the first unit of a segment that failed to parse.
type IntegrityError struct {
	Path string
	Line int
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("segment %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Validate parses every non-blank line of the segment as a record and returns
// the number of records. The segment is valid exactly when err is nil; a
// failing segment counts zero records and the error names the first bad line.
func Validate(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- caller supplies a segment path
	if err != nil {
		return 0, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count := 0
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				if _, err := record.Parse(trimmed); err != nil {
					return 0, &IntegrityError{Path: path, Line: lineNo, Err: err}
				}
				count++
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return count, nil
			}
			return 0, fmt.Errorf("read segment %s: %w", path, readErr)
		}
	}
}

// Stamp hashes the full content of the segment and writes a sibling
// descriptor "<digest>  <base name>". Stamps describe the bytes present when
// they were computed.
func Stamp(path string) (string, error) {
	digest, err := sha256.New().HashFile(path)
	if err != nil {
		return "", fmt.Errorf("stamp %s: %w", path, err)
	}
	stampPath := path + StampSuffix
	content := fmt.Sprintf("%s  %s\n", digest, filepath.Base(path))
	if err := writeFileAtomic(stampPath, []byte(content)); err != nil {
		return "", fmt.Errorf("write stamp %s: %w", stampPath, err)
	}
	return stampPath, nil
}

// ReadStamp returns the digest and file name recorded in a stamp descriptor.
func ReadStamp(stampPath string) (string, string, error) {
	raw, err := os.ReadFile(stampPath) // #nosec G304 -- caller supplies a stamp path
	if err != nil {
		return "", "", fmt.Errorf("read stamp: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 {
		return "", "", fmt.Errorf("malformed stamp %s", stampPath)
	}
	return fields[0], fields[1], nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Result is the outcome of verifying one segment.
type Result struct {
	Path      string
	Records   int
	StampPath string
	Skipped   bool
	Err       error
}

// Report aggregates a verification pass.
type Report struct {
	Results []Result
}

// OK counts segments that validated and were stamped.
func (r Report) OK() int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped && res.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the segments that failed validation or stamping.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Records sums the records of segments that passed verification.
func (r Report) Records() int {
	n := 0
	for _, res := range r.Results {
		if res.Skipped || res.Err != nil {
			continue
		}
		n += res.Records
	}
	return n
}

// VerifyAll validates and stamps every segment in dir. Segments for which
// skip returns true are reported as skipped. Per-segment failures are logged
// and recorded, never returned; only a failure to list dir is.
func VerifyAll(ctx context.Context, dir string, skip func(string) bool, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	paths, err := List(dir, "")
	if err != nil {
		return Report{}, err
	}
	report := Report{Results: make([]Result, 0, len(paths))}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("verify canceled: %w", err)
		}
		res := Result{Path: path}
		if skip != nil && skip(path) {
			res.Skipped = true
			report.Results = append(report.Results, res)
			logger.Info("integrity_skip", zap.String("segment", filepath.Base(path)))
			continue
		}
		res.Records, res.Err = Validate(path)
		if res.Err == nil {
			res.StampPath, res.Err = Stamp(path)
		}
		if res.Err != nil {
			metrics.ObserveIntegrity("failed")
			logger.Error("integrity_error",
				zap.String("segment", filepath.Base(path)),
				zap.Error(res.Err),
			)
		} else {
			metrics.ObserveIntegrity("ok")
			logger.Info("integrity_ok",
				zap.String("segment", filepath.Base(path)),
				zap.Int("records", res.Records),
				zap.String("stamp", res.StampPath),
			)
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}
