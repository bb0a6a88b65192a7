package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://news.detik.com/berita", "news.detik.com"},
		{"standard https", "https://News.Detik.com/berita", "news.detik.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := itemsTotal
	Init()
	require.NotNil(t, first)
	require.Same(t, first, itemsTotal)
}

func TestObserversRecord(t *testing.T) {
	Init()

	before := testutil.ToFloat64(itemsTotal.WithLabelValues("politik", "done"))
	ObserveItem("politik", "done")
	require.InDelta(t, before+1, testutil.ToFloat64(itemsTotal.WithLabelValues("politik", "done")), 0)

	before = testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("news.detik.com", "ok"))
	ObserveFetchAttempt("https://news.detik.com/berita/d-1", "ok")
	require.InDelta(t, before+1, testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("news.detik.com", "ok")), 0)

	before = testutil.ToFloat64(segmentRecordsTotal.WithLabelValues("metrics-test"))
	ObserveSegmentRecord("metrics-test")
	ObserveSegmentRecord("metrics-test")
	require.InDelta(t, before+2, testutil.ToFloat64(segmentRecordsTotal.WithLabelValues("metrics-test")), 0)

	ObserveSegmentRotation("metrics-test")
	require.GreaterOrEqual(t, testutil.ToFloat64(segmentRotationsTotal.WithLabelValues("metrics-test")), 1.0)

	before = testutil.ToFloat64(discoveredURLsTotal.WithLabelValues("metrics-test"))
	ObserveDiscovered("metrics-test", 0)
	ObserveDiscovered("metrics-test", 4)
	require.InDelta(t, before+4, testutil.ToFloat64(discoveredURLsTotal.WithLabelValues("metrics-test")), 0)

	SetQueueCounts(map[string]int{"PENDING": 3, "DONE": 9})
	require.InDelta(t, 3.0, testutil.ToFloat64(queueItems.WithLabelValues("PENDING")), 0)
	require.InDelta(t, 9.0, testutil.ToFloat64(queueItems.WithLabelValues("DONE")), 0)

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	require.InDelta(t, 1.0, testutil.ToFloat64(activeWorkers), 0)
	DecActiveWorkers()

	ObserveBatch(2 * time.Second)
	ObserveFetchDuration("http", time.Second)
	ObserveIntegrity("ok")
	ObserveIndexPage("politik", "ok")
	require.Positive(t, testutil.CollectAndCount(batchDurationSeconds))
	require.Positive(t, testutil.CollectAndCount(fetchDurationSeconds))
	require.Positive(t, testutil.CollectAndCount(integrityChecksTotal))
	require.Positive(t, testutil.CollectAndCount(indexPagesTotal))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://news.detik.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
