// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal                 *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	queueItems                 *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	batchDurationSeconds       prometheus.Histogram
	segmentRecordsTotal        *prometheus.CounterVec
	segmentRotationsTotal      *prometheus.CounterVec
	integrityChecksTotal       *prometheus.CounterVec
	indexPagesTotal            *prometheus.CounterVec
	discoveredURLsTotal        *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	archiveUploadsTotal        *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_items_total",
				Help: "Work items processed, labeled by category and outcome.",
			},
			[]string{"category", "outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newscrawler_fetch_duration_seconds",
				Help:    "Latency of successful fetches, labeled by fetch mode.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		)

		queueItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "newscrawler_queue_items",
				Help: "Work items in the queue store, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "newscrawler_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "newscrawler_batch_duration_seconds",
				Help:    "Wall time to process one claimed batch.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		segmentRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_segment_records_total",
				Help: "Records durably appended to segments, labeled by prefix.",
			},
			[]string{"prefix"},
		)

		segmentRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_segment_rotations_total",
				Help: "Segment rotations, labeled by prefix.",
			},
			[]string{"prefix"},
		)

		integrityChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_integrity_checks_total",
				Help: "Segment verifications, labeled by result.",
			},
			[]string{"result"},
		)

		indexPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_index_pages_total",
				Help: "Index pages visited, labeled by category and result.",
			},
			[]string{"category", "result"},
		)

		discoveredURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_discovered_urls_total",
				Help: "Article URLs newly enqueued by the indexer, labeled by category.",
			},
			[]string{"category"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newscrawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting for the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		archiveUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_archive_uploads_total",
				Help: "Segment archive uploads, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_notifications_total",
				Help: "Segment notifications published, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveItem counts a resolved work item. Outcome is "done", "retry" or "error".
func ObserveItem(category, outcome string) {
	Init()
	itemsTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveFetchAttempt counts one fetch attempt against the page's host.
func ObserveFetchAttempt(rawURL, result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(SanitizeSite(rawURL), result).Inc()
}

// ObserveFetchDuration records the latency of a successful fetch.
func ObserveFetchDuration(mode string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// SetQueueCounts publishes a status count snapshot.
func SetQueueCounts(counts map[string]int) {
	Init()
	for status, n := range counts {
		queueItems.WithLabelValues(status).Set(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveBatch records how long a batch took.
func ObserveBatch(d time.Duration) {
	Init()
	batchDurationSeconds.Observe(d.Seconds())
}

// ObserveSegmentRecord counts one durable append.
func ObserveSegmentRecord(prefix string) {
	Init()
	segmentRecordsTotal.WithLabelValues(prefix).Inc()
}

// ObserveSegmentRotation counts one rotation to a fresh segment.
func ObserveSegmentRotation(prefix string) {
	Init()
	segmentRotationsTotal.WithLabelValues(prefix).Inc()
}

// ObserveIntegrity counts one segment verification.
func ObserveIntegrity(result string) {
	Init()
	integrityChecksTotal.WithLabelValues(result).Inc()
}

// ObserveIndexPage counts one index page visit.
func ObserveIndexPage(category, result string) {
	Init()
	indexPagesTotal.WithLabelValues(category, result).Inc()
}

// ObserveDiscovered adds newly enqueued URLs for a category.
func ObserveDiscovered(category string, n int) {
	Init()
	if n > 0 {
		discoveredURLsTotal.WithLabelValues(category).Add(float64(n))
	}
}

// ObserveRateLimitDelay records a wait imposed by the rate limiter.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveArchiveUpload counts one uploaded object.
func ObserveArchiveUpload(result string) {
	Init()
	archiveUploadsTotal.WithLabelValues(result).Inc()
}

// ObserveNotification counts one published notification.
func ObserveNotification(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
