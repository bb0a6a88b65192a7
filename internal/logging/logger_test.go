package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestNewWritesLogFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := New(Config{Dir: dir, Name: "worker"})
	require.NoError(t, err)
	logger.Info("batch complete")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "worker.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"batch complete"`)
	require.Contains(t, string(data), `"logger":"worker"`)
	require.Contains(t, string(data), `"ts":`)
}

func TestNewRequiresNameWithDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Dir: t.TempDir()})
	require.Error(t, err)
}
