package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/logger"
)

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(flagBackend, gc.BackendGo, "")
	flags.Uint64(flagStaticHeapSize, 0, "")
	flags.Uint64(flagGoMaxBlock, 0, "")
	flags.Bool(flagFinalizeOnDemand, false, "")
	flags.Bool(flagDebugLog, false, "")
	flags.String(flagLogLevel, "info", "")
	require.NoError(t, flags.Parse(args))
	return flags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gcalloc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefault(t *testing.T) {
	cfg, err := loadConfig("", testFlags(t))
	require.NoError(t, err)
	assert.Equal(t, gc.BackendGo, cfg.GC.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, logger.INFO, cfg.loggerConfig().Level)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
gc:
  backend: static
  static_heap_size: 1048576
  go_max_block: 4096
  finalize_on_demand: true
log:
  level: warn
  track_thread: true
`)
	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, gc.BackendStatic, cfg.GC.Backend)
	assert.Equal(t, uint64(1048576), cfg.GC.StaticHeapSize)
	assert.True(t, cfg.GC.FinalizeOnDemand)
	assert.Equal(t, uint64(4096), cfg.GC.GoMaxBlock)
	assert.False(t, cfg.GC.DebugLog)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Log.TrackThread)
	assert.True(t, cfg.Log.TrackLine)
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	path := writeConfig(t, "gc:\n  backend: static\n  static_heap_size: 1048576\nlog:\n  level: warn\n")
	cfg, err := loadConfig(path, testFlags(t, "--static-heap-size=2097152", "--go-max-block=65536", "--debug-log", "--log-level=debug"))
	require.NoError(t, err)
	assert.Equal(t, gc.BackendStatic, cfg.GC.Backend)
	assert.Equal(t, uint64(2097152), cfg.GC.StaticHeapSize)
	assert.True(t, cfg.GC.DebugLog)
	assert.Equal(t, uint64(65536), cfg.GC.GoMaxBlock)
	assert.Equal(t, logger.DEBUG, cfg.loggerConfig().Level)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "gc: [1, 2"), nil)
	assert.Error(t, err)

	_, err = loadConfig("", testFlags(t, "--backend=tcmalloc"))
	assert.ErrorIs(t, err, gc.ErrUnknownBackend)
}
