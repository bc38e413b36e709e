package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvStateDir, t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, cfg.FlushInterval.D())
	assert.Equal(t, 100, cfg.FlushThreshold)
	assert.Equal(t, 60*time.Second, cfg.SnapshotEvery.D())
	assert.Equal(t, 60*time.Second, cfg.IdleGrace.D())
	assert.Zero(t, cfg.TCPPort)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
idle_grace: 30s
notify_command: notify-send
tcp_port: 9999
auth_token: from-file
`), 0o644))
	t.Setenv(EnvStateDir, dir)
	t.Setenv(EnvAuthToken, "from-env")
	t.Setenv(EnvTCPPort, "7777")
	t.Setenv(EnvLogStdout, "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.IdleGrace.D())
	assert.Equal(t, "notify-send", cfg.NotifyCommand)
	assert.Equal(t, "from-env", cfg.AuthToken, "environment wins over the file")
	assert.Equal(t, 7777, cfg.TCPPort)
	assert.True(t, cfg.LogStdout)
}

func TestTCPRequiresToken(t *testing.T) {
	t.Setenv(EnvStateDir, t.TempDir())
	t.Setenv(EnvTCPPort, "8888")
	t.Setenv(EnvAuthToken, "")
	_, err := Load()
	assert.Error(t, err)
}

func TestInvalidTCPPort(t *testing.T) {
	t.Setenv(EnvStateDir, t.TempDir())
	t.Setenv(EnvTCPPort, "not-a-port")
	_, err := Load()
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Config{StateDir: "/var/lib/foreman"}
	assert.Equal(t, "/var/lib/foreman/wal.log", cfg.WALPath())
	assert.Equal(t, "/var/lib/foreman/snapshot.bin", cfg.SnapshotPath())
	assert.Equal(t, "/var/lib/foreman/logs/breadcrumbs", cfg.BreadcrumbsDir())
	assert.Equal(t, "/var/lib/foreman/daemon.sock", cfg.SocketPath())
}
