package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-bridge/errors"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Boundary.StackSize)
	assert.Equal(t, 30*time.Second, cfg.Module.FetchTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Zero(t, cfg.Engine.MemoryPages)
	assert.False(t, cfg.Engine.WASI)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
module:
  url: https://example.com/app_bg.wasm
  manifest: bindings.yaml
  fetch_timeout: 5s
engine:
  memory_pages: 256
  cache_dir: /tmp/wasm-cache
  wasi: true
boundary:
  stack_size: 64
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/app_bg.wasm", cfg.Module.URL)
	assert.Equal(t, "bindings.yaml", cfg.Module.Manifest)
	assert.Equal(t, 5*time.Second, cfg.Module.FetchTimeout)
	assert.Equal(t, uint32(256), cfg.Engine.MemoryPages)
	assert.Equal(t, 64, cfg.Boundary.StackSize)
	assert.Equal(t, "debug", cfg.Log.Level)

	ec := cfg.EngineOptions()
	assert.Equal(t, uint32(256), ec.MemoryLimitPages)
	assert.Equal(t, "/tmp/wasm-cache", ec.CacheDir)
	assert.True(t, ec.EnableWASI)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "boundary:\n  stack_size: 64\n")
	t.Setenv("WASMBRIDGE_BOUNDARY_STACK_SIZE", "128")
	t.Setenv("WASMBRIDGE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Boundary.StackSize)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"stack too small", "boundary:\n  stack_size: 1\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"too many pages", "engine:\n  memory_pages: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidInput}), "got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindNotFound}))
}

func TestNewLogger(t *testing.T) {
	for _, lc := range []LogConfig{
		{Level: "debug", Format: "console"},
		{Level: "error", Format: "json"},
	} {
		l, err := NewLogger(lc)
		require.NoError(t, err)
		assert.NotNil(t, l)
	}

	_, err := NewLogger(LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
