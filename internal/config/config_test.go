package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9090
recording:
  poll_timeout: 3s
storage:
  driver: local
  local_dir: /var/rec
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.False(t, cfg.Production())
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.Recording.PollTimeout)
	assert.Equal(t, 30*time.Second, cfg.Recording.MediaTimeout)
	assert.Equal(t, "/var/rec", cfg.Storage.LocalDir)
	assert.Equal(t, "pion", cfg.Media.Engine)
	assert.Equal(t, 10, cfg.RateLimit.Attempts)
	assert.Equal(t, 600*time.Second, cfg.Storage.S3.SignedTTL)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "file:///tmp/kurento", cfg.Recording.URIBase)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 9090\n")
	t.Setenv("RECORDER_PORT", "7070")
	t.Setenv("RECORDER_STORAGE_S3_REGION", "eu-west-1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
}

func TestValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "media:\n  engine: gstreamer\n"))
	assert.ErrorContains(t, err, "media.engine")

	_, err = Load(writeConfig(t, "storage:\n  driver: ftp\n"))
	assert.ErrorContains(t, err, "storage.driver")

	_, err = Load(writeConfig(t, "storage:\n  driver: s3\n"))
	assert.ErrorContains(t, err, "bucket")

	_, err = Load(writeConfig(t, "storage:\n  driver: s3\n  s3:\n    bucket: recordings\n"))
	assert.NoError(t, err)
}
