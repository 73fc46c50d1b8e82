package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abooow/EzLiveServer/internal/config"
)

func execute(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var got *config.Config
	cmd := newRootCmd(func(_ context.Context, cfg *config.Config) error {
		got = cfg
		return nil
	})
	cmd.SetArgs(args)
	cmd.SetOut(os.Stderr)
	cmd.SetErr(os.Stderr)
	err := cmd.Execute()
	return got, err
}

func TestFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "ezlive.yaml")
	require.NoError(t, os.WriteFile(file, []byte("host: 0.0.0.0\nport: 7000\nlog_level: warn\n"), 0o644))
	t.Setenv(config.FileEnv, "")
	t.Setenv("EZLIVE_PORT", "7100")

	cfg, err := execute(t, "--config", file, "-d", dir, "-p", "7200")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, 7200, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host, "file value kept when the flag is unset")
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestUnsetFlagsKeepEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.FileEnv, "")
	t.Setenv("EZLIVE_DIR", dir)
	t.Setenv("EZLIVE_PORT", "7300")

	cfg, err := execute(t)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, 7300, cfg.Port)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	t.Setenv(config.FileEnv, "")

	cfg, err := execute(t, "-d", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.Nil(t, cfg)

	_, err = execute(t, "-d", t.TempDir(), "--log-format", "xml")
	assert.ErrorContains(t, err, "log_format")
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/", serverURL(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}))
	assert.Equal(t, "http://localhost:3000/", serverURL(&net.TCPAddr{IP: net.IPv4zero, Port: 3000}))
	assert.Equal(t, "http://192.168.1.5:3000/", serverURL(&net.TCPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 3000}))
	assert.Equal(t, "http://localhost:4000/", serverURL(&net.TCPAddr{IP: net.IPv6loopback, Port: 4000}))
}
