package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "archive", "nested")
	store, err := New(dir)
	require.NoError(t, err)
	require.NotNil(t, store)
	require.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNewRejectsBadDirs(t *testing.T) {
	t.Parallel()

	_, err := New(" ")
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(file)
	require.ErrorContains(t, err, "not a directory")
}

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "2024/politik_1.jsonl", "application/x-ndjson", strings.NewReader("{\"a\":1}\n"))
	require.NoError(t, err)
	want := filepath.Join(dir, "2024", "politik_1.jsonl")
	require.Equal(t, "file://"+want, uri)

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "{\"a\":1}\n", string(data))

	// Overwrites replace the whole object.
	_, err = store.PutObject(context.Background(), "2024/politik_1.jsonl", "", strings.NewReader("x"))
	require.NoError(t, err)
	data, err = os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path traversal")
	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
