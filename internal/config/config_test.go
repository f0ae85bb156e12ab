package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/framehub/internal/testutil/testlog"
	"github.com/danmuck/framehub/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
}

func TestTemplateParses(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hubctl.toml")
	require.NoError(t, WriteTemplate(path, false))
	assert.Error(t, WriteTemplate(path, false))
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)
	assert.Equal(t, 3, cfg.Transport.ConnectAttempts)
	assert.Equal(t, uint32(8388608), cfg.Transport.MaxFrameBytes)
}

func TestFileOverlaysOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "partial.toml", `
port = 9001

[transport]
write_timeout = "2s"
send_rate = 50.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Host, cfg.Host)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.Transport.WriteTimeout)
	assert.Equal(t, def.Transport.ConnectTimeout, cfg.Transport.ConnectTimeout)
	assert.InDelta(t, 50.5, cfg.Transport.SendRate, 0.0001)
}

func TestFileErrors(t *testing.T) {
	testlog.Start(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.toml", `[transport]
connect_timeout = "soon"
`))
	assert.ErrorContains(t, err, "transport.connect_timeout")

	_, err = Load(writeFile(t, "unknown.toml", `colour = "blue"`))
	assert.ErrorContains(t, err, "colour")

	_, err = Load(writeFile(t, "port.toml", `port = 70000`))
	assert.ErrorContains(t, err, "port out of range")
}

func TestEnvOverridesFile(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "base.toml", `host = "10.0.0.1"
port = 9001
`)
	t.Setenv(EnvHost, "example.internal")
	t.Setenv(EnvConnectTimeout, "750ms")
	t.Setenv(EnvMaxFrameBytes, "1024")
	t.Setenv(EnvSendBurst, "3")
	t.Setenv(EnvConnectAttempts, "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.internal", cfg.Host)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Transport.ConnectTimeout)
	assert.Equal(t, uint32(1024), cfg.Transport.MaxFrameBytes)
	assert.Equal(t, 3, cfg.Transport.SendBurst)
	assert.Equal(t, 4, cfg.Transport.ConnectAttempts)
}

func TestEnvParseErrors(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		EnvPort:          "eighty",
		EnvIdleTimeout:   "1 minute",
		EnvSendRate:      "fast",
		EnvMaxFrameBytes: "0",
	}
	for key, val := range cases {
		cfg := Default()
		err := applyEnv(&cfg, func(k string) (string, bool) {
			if k == key {
				return val, true
			}
			return "", false
		})
		assert.ErrorContains(t, err, key)
	}

	cfg := Default()
	require.NoError(t, applyEnv(&cfg, func(string) (string, bool) { return "  ", true }))
	assert.Equal(t, Default(), cfg)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, ".env", "FRAMEHUB_PORT=7001\nFRAMEHUB_LISTEN=:7001\n")
	t.Setenv(EnvListen, ":6000")
	t.Setenv(EnvPort, "")
	require.NoError(t, os.Unsetenv(EnvPort))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, ":6000", cfg.Listen)
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.Transport = transport.Config{SendRate: -1}
	assert.Error(t, Validate(cfg))

	cfg = Default()
	cfg.Listen = ""
	assert.Error(t, Validate(cfg))
}
