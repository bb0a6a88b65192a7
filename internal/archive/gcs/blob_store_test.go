package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, "crawl-archive")
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/crawl-archive/o")
		assert.Equal(t, "runs/politik_1.jsonl", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"url":"a"}`)
		assert.Contains(t, string(body), "application/x-ndjson")
		assert.Contains(t, string(body), `"writer":"newscrawler"`)
		_, _ = io.WriteString(w, `{"name":"runs/politik_1.jsonl","bucket":"crawl-archive"}`)
	}))

	uri, err := store.PutObject(context.Background(), "/runs/politik_1.jsonl", "application/x-ndjson", strings.NewReader(`{"url":"a"}`+"\n"))
	require.NoError(t, err)
	require.Equal(t, "gs://crawl-archive/runs/politik_1.jsonl", uri)
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "politik_1.jsonl", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "gs://crawl-archive/politik_1.jsonl")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "bucket")
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, "")
	require.Error(t, err)

	store, err := New(client, "b")
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " / ", "", strings.NewReader("x"))
	require.Error(t, err)
}
