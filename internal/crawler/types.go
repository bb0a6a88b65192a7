package crawler

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Status represents the lifecycle state of a work item.
type Status string

// Work item status values persisted in the queue store.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusDone, StatusError}

// MaxErrorLength bounds the stored last-error message, in characters.
const MaxErrorLength = 500

// NewItem is a producer-supplied row for Enqueue.
type NewItem struct {
	URL        string
	Category   string
	PublishKey *string
}

// WorkItem is one unit of crawl work tracked by the queue store.
type WorkItem struct {
	ID         string
	Category   string
	PublishKey *string
	Status     Status
	RetryCount int
	LastError  *string
	ClaimedAt  *time.Time
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// CheckStatus returns a *HTTPStatusError when resp does not carry a 2xx status.
func CheckStatus(resp FetchResponse) error {
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &HTTPStatusError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return nil
}

// TruncateError shortens msg to at most MaxErrorLength characters.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorLength {
		return msg
	}
	return string(runes[:MaxErrorLength])
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FailureStatus is the status an item moves to after a failed attempt, given
// its retry count before the failure.
func FailureStatus(retryCount, maxRetries int) Status {
	if retryCount+1 < maxRetries {
		return StatusPending
	}
	return StatusError
}

// ClaimLess orders items for claiming: items with a publish key first,
// ascending by key, then by identifier.
func ClaimLess(a, b WorkItem) bool {
	switch {
	case a.PublishKey != nil && b.PublishKey == nil:
		return true
	case a.PublishKey == nil && b.PublishKey != nil:
		return false
	case a.PublishKey != nil && *a.PublishKey != *b.PublishKey:
		return *a.PublishKey < *b.PublishKey
	}
	return a.ID < b.ID
}

// SortForClaim sorts items in claim order.
func SortForClaim(items []WorkItem) {
	sort.SliceStable(items, func(i, j int) bool { return ClaimLess(items[i], items[j]) })
}
