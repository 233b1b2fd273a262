package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/duplex"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DUPLEX_CONFIG", "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "duplexd.yaml", `
client:
  host: example.net
  port: 7000
  reconnect: false
  reconnect_delay: 500ms
server:
  encoding: UTF16LE
  keepalive:
    idle: 1m
    count: 3
tls:
  cert_file: cert.pem
  key_file: key.pem
correlation:
  timeout: 5s
log:
  level: DEBUG
  backend: zap
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "example.net", cfg.Client.Host)
	assert.Equal(t, uint16(7000), cfg.Client.Port)
	assert.False(t, cfg.Client.Reconnect)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.ReconnectDelay)
	assert.Equal(t, duplex.DefaultBufferSize, cfg.Client.BufferSize)
	assert.Equal(t, "utf16le", cfg.Server.Encoding)
	assert.Equal(t, time.Minute, cfg.Server.KeepAlive.Idle)
	assert.Equal(t, 3, cfg.Server.KeepAlive.Count)
	assert.Equal(t, duplex.DefaultServerKeepAlive.Interval, cfg.Server.KeepAlive.Interval)
	assert.Equal(t, duplex.DefaultClientKeepAlive, cfg.Client.KeepAlive.Value())
	assert.True(t, cfg.TLS.Enabled())
	assert.Equal(t, 5*time.Second, cfg.Correlation.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "zap", cfg.Log.Backend)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "duplexd.yaml", "client:\n  port: 7000\n")
	t.Setenv("DUPLEX_CLIENT_PORT", "7100")
	t.Setenv("DUPLEX_LOG_LEVEL", "warn")
	t.Setenv("DUPLEX_HUB_ADDRESS", "hub:1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(7100), cfg.Client.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "hub:1", cfg.Hub.Address)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"level", "log:\n  level: loud\n"},
		{"format", "log:\n  format: xml\n"},
		{"backend", "log:\n  backend: glog\n"},
		{"encoding", "server:\n  encoding: latin1\n"},
		{"buffer", "client:\n  buffer_size: -1\n"},
		{"tls key", "tls:\n  cert_file: cert.pem\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "duplexd.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEncodingByName(t *testing.T) {
	enc, err := EncodingByName("utf-8")
	require.NoError(t, err)
	assert.Equal(t, duplex.UTF8, enc)

	enc, err = EncodingByName("unicode")
	require.NoError(t, err)
	assert.Equal(t, duplex.UTF16LE, enc)

	_, err = EncodingByName("ebcdic")
	assert.Error(t, err)
}

func TestKeepAliveValue(t *testing.T) {
	ka := KeepAliveConfig{Idle: time.Second, Interval: 2 * time.Second, Count: 4}
	assert.Equal(t, duplex.KeepAlive{Idle: time.Second, Interval: 2 * time.Second, Count: 4}, ka.Value())
}

func TestDefault_KeepAlivePerSide(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.Client.KeepAlive.Count)
	assert.Equal(t, 15, cfg.Server.KeepAlive.Count)
	assert.Equal(t, duplex.DefaultClientKeepAlive, cfg.Client.KeepAlive.Value())
	assert.Equal(t, duplex.DefaultServerKeepAlive, cfg.Server.KeepAlive.Value())
}

func TestLoad_KeepAliveEnv(t *testing.T) {
	path := writeFile(t, "duplexd.yaml", "client:\n  host: h\n")
	t.Setenv("DUPLEX_CLIENT_KEEPALIVE_COUNT", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Client.KeepAlive.Count)
	assert.Equal(t, 15, cfg.Server.KeepAlive.Count)
}
