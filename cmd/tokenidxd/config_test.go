package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/tokenidx"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  listen: "127.0.0.1:9000"
storage:
  engine: badger
  path: /var/lib/tokenidx
driver:
  io_threads: 4
  queue_size: 256
query:
  limit_max: 200
log:
  level: debug
  format: json
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Service.Listen)
	assert.Equal(t, 30, cfg.Service.ReadTimeoutSeconds, "defaults survive partial sections")
	assert.Equal(t, tokenidx.EngineBadger, cfg.Storage.Engine)
	assert.Equal(t, 4, cfg.Driver.IOThreads)
	assert.Equal(t, 200, cfg.Query.LimitMax)
	assert.Equal(t, 50, cfg.Query.LimitDefault)

	lvl, err := cfg.Log.level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"unknown key", "storage:\n  engin: bolt\n", "engin"},
		{"unknown engine", "storage:\n  engine: leveldb\n", "unknown engine"},
		{"bolt without path", "storage:\n  engine: bolt\n  path: \"\"\n", "storage.path"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"bad query limits", "query:\n  limit_default: 500\n", "default limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.errText)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
