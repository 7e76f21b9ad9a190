package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	os.Setenv("GOATSYNC_SYNC_REMOTE_BASE_URL", "https://example.test/api")
	os.Setenv("GOATSYNC_NETWORK_PROBE_URL", "https://example.test/healthz")
	defer os.Unsetenv("GOATSYNC_SYNC_REMOTE_BASE_URL")
	defer os.Unsetenv("GOATSYNC_NETWORK_PROBE_URL")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ProfileLite, cfg.Profile)
	assert.Equal(t, 100, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.SaveDebounce)
	assert.True(t, cfg.IsLiteProfile())
}

func TestLoadRejectsMissingRemoteURL(t *testing.T) {
	os.Unsetenv("GOATSYNC_SYNC_REMOTE_BASE_URL")
	os.Unsetenv("GOATSYNC_NETWORK_PROBE_URL")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profile: standard
storage:
  postgres_dsn: "postgres://goatsync@localhost/goatsync"
sync:
  remote_base_url: "https://example.test/api"
network:
  probe_url: "https://example.test/healthz"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProfileStandard, cfg.Profile)
	assert.False(t, cfg.IsLiteProfile())
}
