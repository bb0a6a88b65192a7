package crawler

import "testing"

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "https://news.detik.com/berita/d-1", "https://news.detik.com/berita/d-1"},
		{"query stripped", "https://news.detik.com/berita/d-1?single=1", "https://news.detik.com/berita/d-1"},
		{"trailing slash", "https://news.detik.com/berita/d-1/", "https://news.detik.com/berita/d-1"},
		{"slash then query", "https://news.detik.com/berita/d-1/?utm=x", "https://news.detik.com/berita/d-1"},
		{"fragment", "https://news.detik.com/berita/d-1#comments", "https://news.detik.com/berita/d-1"},
		{"whitespace", "  https://news.detik.com/a  ", "https://news.detik.com/a"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeURL(tc.in); got != tc.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
