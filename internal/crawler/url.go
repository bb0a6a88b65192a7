package crawler

import "strings"

// NormalizeURL produces the work item identity for rawURL: surrounding space,
// the query string and fragment are dropped and trailing slashes removed.
func NormalizeURL(rawURL string) string {
	u := strings.TrimSpace(rawURL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.TrimRight(u, "/")
}
