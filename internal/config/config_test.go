package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitModelList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitModelList(`"a,    b , c ,,  "`))
	assert.Empty(t, SplitModelList(""))
	assert.Equal(t, []string{"m1"}, SplitModelList("m1"))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 16, cfg.Executor.QueueDepth)
	assert.Equal(t, 2*time.Minute, cfg.Executor.TaskTimeout)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, cfg.P2P.ListenAddrs)
	assert.Equal(t, 1<<20, cfg.Dispatch.MaxPayloadBytes)
	assert.Empty(t, cfg.Node.Models)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
node:
  models: "m1, m2"
  version: "1.2.3"
executor:
  max_concurrent: 2
  queue_depth: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, cfg.Node.Models)
	assert.Equal(t, "1.2.3", cfg.Node.Version)
	assert.Equal(t, 2, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 8, cfg.Executor.QueueDepth)
}

func TestLoadRejectsBadBounds(t *testing.T) {
	dir := t.TempDir()
	yaml := `
executor:
  max_concurrent: 8
  queue_depth: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue_depth")
}
