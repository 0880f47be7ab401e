package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgnet"
	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func clearEnv(t *testing.T) {
	for _, name := range []string{"CODEC", "LOG_LEVEL", "MAX_FRAME_SIZE", "ATTACH_TIMEOUT", "AUTH", "WEBSOCKET_PATH"} {
		t.Setenv(EnvPrefix+name, "")
	}
}

func TestDefaultMatchesTransportDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, msgnet.DefaultConfig(), cfg.NetConfig())
	assert.Equal(t, logger.LogLevelInfo, cfg.LogLevel)
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "msgport.toml")
	writeFile(t, path, `
codec = "proto"
max_pending_scopes = 0
attach_timeout = "250ms"
websocket_path = "/ports"
auth = "user:pass"
log_level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "proto", cfg.Codec)
	assert.Equal(t, 0, cfg.MaxPendingScopes)
	assert.Equal(t, 250*time.Millisecond, cfg.AttachTimeout)
	assert.Equal(t, "/ports", cfg.WebSocketPath)
	assert.Equal(t, "user:pass", cfg.Auth)
	assert.Equal(t, logger.LogLevelDebug, cfg.LogLevel)

	def := Default()
	assert.Equal(t, def.MaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, def.KeepAlive, cfg.KeepAlive)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "msgport.toml")
	writeFile(t, path, "codec = \"proto\"\nmax_frame_size = 1024\n")
	t.Setenv("MSGPORT_CODEC", "json")
	t.Setenv("MSGPORT_ATTACH_TIMEOUT", "3s")
	t.Setenv("MSGPORT_LOG_LEVEL", "trace")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, 1024, cfg.MaxFrameSize)
	assert.Equal(t, 3*time.Second, cfg.AttachTimeout)
	assert.Equal(t, logger.LogLevelTrace, cfg.LogLevel)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cases := map[string]string{
		"unknown key":  "colour = \"red\"\n",
		"bad duration": "keepalive = \"soon\"\n",
		"bad level":    "log_level = \"loud\"\n",
		"bad codec":    "codec = \"xml\"\n",
		"bad path":     "websocket_path = \"ports\"\n",
		"bad auth":     "auth = \"nobody\"\n",
		"bad size":     "max_frame_size = 0\n",
		"not toml":     "codec = \n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			writeFile(t, path, content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	t.Setenv("MSGPORT_MAX_FRAME_SIZE", "big")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidateIsMisuse(t *testing.T) {
	cfg := Default()
	cfg.Codec = "yaml"
	assert.ErrorIs(t, cfg.Validate(), msgport.ErrMisuse)
}

func TestWatchLogLevel(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "msgport.toml")
	writeFile(t, path, "log_level = \"warning\"\n")
	lg, err := logger.New(logger.WithLogLevel(logger.LogLevelWarning), logger.WithWriter(os.Stderr))
	require.NoError(t, err)
	child := lg.ForkLog("child")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchLogLevel(ctx, lg, path) }()

	// the watcher may not be registered yet, so keep rewriting until it is seen
	assert.Eventually(t, func() bool {
		writeFile(t, path, "log_level = \"debug\"\n")
		return child.GetLogLevel() == logger.LogLevelDebug
	}, 5*time.Second, 50*time.Millisecond)

	writeFile(t, path, "log_level = \"loud\"\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, logger.LogLevelDebug, lg.GetLogLevel())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
