// Package archive copies verified segments and their stamps to a blob store
// and announces each archived segment.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/metrics"
	"github.com/JakeFAU/newscrawler/internal/segment"
)

// Content types used for uploaded objects.
const (
	SegmentContentType = "application/x-ndjson"
	StampContentType   = "text/plain; charset=utf-8"
)

// BlobStore stores one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher announces an archived segment on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Config controls object naming and notifications.
type Config struct {
	// Prefix is prepended to every object name.
	Prefix string
	// Topic receives one Event per archived segment when a Publisher is set.
	Topic string
}

// Event is published once a segment and its stamp are archived.
type Event struct {
	Segment    string    `json:"segment"`
	URI        string    `json:"uri"`
	StampURI   string    `json:"stamp_uri"`
	SHA256     string    `json:"sha256"`
	Records    int       `json:"records"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Result summarises one upload pass.
type Result struct {
	Uploaded int
	Notified int
	// Failed lists segment paths that could not be archived or announced.
	Failed []string
}

// Archiver uploads verified segments.
type Archiver struct {
	store  BlobStore
	pub    Publisher
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// New returns an Archiver. pub may be nil.
func New(store BlobStore, pub Publisher, cfg Config, clock crawler.Clock, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, pub: pub, cfg: cfg, clock: clock, logger: logger}
}

// Upload archives every segment the report marks as verified and stamped.
// A failing segment is logged and listed in the result; the pass continues.
// Only cancellation is returned as an error.
func (a *Archiver) Upload(ctx context.Context, report segment.Report) (Result, error) {
	var res Result
	for _, r := range report.Results {
		if r.Skipped || r.Err != nil || r.StampPath == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("archive canceled: %w", err)
		}
		ev, err := a.uploadOne(ctx, r)
		if err != nil {
			metrics.ObserveArchiveUpload("failed")
			a.logger.Error("archive_error", zap.String("segment", filepath.Base(r.Path)), zap.Error(err))
			res.Failed = append(res.Failed, r.Path)
			continue
		}
		metrics.ObserveArchiveUpload("ok")
		res.Uploaded++
		a.logger.Info("segment archived", zap.String("segment", ev.Segment), zap.String("uri", ev.URI))

		if a.pub == nil {
			continue
		}
		if _, err := a.pub.Publish(ctx, a.cfg.Topic, ev); err != nil {
			metrics.ObserveNotification("failed")
			a.logger.Error("notify_error", zap.String("segment", ev.Segment), zap.Error(err))
			res.Failed = append(res.Failed, r.Path)
			continue
		}
		metrics.ObserveNotification("ok")
		res.Notified++
	}
	return res, nil
}

func (a *Archiver) uploadOne(ctx context.Context, r segment.Result) (Event, error) {
	digest, _, err := segment.ReadStamp(r.StampPath)
	if err != nil {
		return Event{}, err
	}
	name := filepath.Base(r.Path)
	uri, err := a.put(ctx, r.Path, name, SegmentContentType)
	if err != nil {
		return Event{}, err
	}
	stampURI, err := a.put(ctx, r.StampPath, filepath.Base(r.StampPath), StampContentType)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Segment:    name,
		URI:        uri,
		StampURI:   stampURI,
		SHA256:     digest,
		Records:    r.Records,
		ArchivedAt: a.clock.Now().UTC(),
	}, nil
}

func (a *Archiver) put(ctx context.Context, localPath, name, contentType string) (string, error) {
	f, err := os.Open(localPath) // #nosec G304 -- paths come from the segment listing
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	uri, err := a.store.PutObject(ctx, path.Join(a.cfg.Prefix, name), contentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return uri, nil
}
