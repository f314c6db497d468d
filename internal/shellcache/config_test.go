package shellcache_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellcache/internal/shellcache"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := shellcache.ParseConfig([]byte(`
server:
  origin: http://localhost:3000/
manifest:
  url: /shellcache-manifest.json
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Server.Origin)
	assert.Equal(t, "/__shellcache", cfg.Server.ControlPrefix)
	assert.Equal(t, "leveldb", cfg.Storage.Backend)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Zero(t, cfg.RAMMaxBytes())
	assert.Zero(t, cfg.RediscoverEvery())
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 8, cfg.Fetch.Concurrency)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseConfig_Full(t *testing.T) {
	cfg, err := shellcache.ParseConfig([]byte(`
server:
  port: 9000
  origin: https://app.example.com
  controlPrefix: /_sw/
storage:
  backend: SQLite
  ram:
    max: 64mb
manifest:
  path: ./build/web/manifest.json
  core: [main.dart.js, index.html]
  initialDelay: 1s
  rediscoverEvery: 5m
fetch:
  timeout: 10s
  concurrency: 2
logging:
  level: debug
  format: console
  logStatsEvery: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/_sw", cfg.Server.ControlPrefix)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "./data/shellcache.db", cfg.Storage.Path)
	assert.Equal(t, int64(64<<20), cfg.RAMMaxBytes())
	assert.Equal(t, []string{"main.dart.js", "index.html"}, cfg.Manifest.Core)
	assert.Equal(t, 5*time.Minute, cfg.RediscoverEvery())
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 2, cfg.Fetch.Concurrency)
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SHELLCACHE_ORIGIN", "http://from-env:8000")
	t.Setenv("SHELLCACHE_PORT", "7070")
	t.Setenv("SHELLCACHE_STORAGE_BACKEND", "memory")
	t.Setenv("SHELLCACHE_LOG_LEVEL", "warn")

	cfg, err := shellcache.ParseConfig([]byte(`
server:
  origin: http://from-yaml
manifest:
  path: ./manifest.json
`))
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:8000", cfg.Server.Origin)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Empty(t, cfg.Storage.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing origin", `manifest: {path: m.json}`, "server.origin is required"},
		{"no manifest source", `server: {origin: "http://o"}`, "one of manifest.path or manifest.url"},
		{"both manifest sources", `{server: {origin: "http://o"}, manifest: {path: m.json, url: /m.json}}`, "mutually exclusive"},
		{"bad backend", `{server: {origin: "http://o"}, manifest: {path: m.json}, storage: {backend: redis}}`, "unknown backend"},
		{"bad ram size", `{server: {origin: "http://o"}, manifest: {path: m.json}, storage: {ram: {max: lots}}}`, "storage.ram.max"},
		{"bad duration", `{server: {origin: "http://o"}, manifest: {path: m.json, rediscoverEvery: soon}}`, "manifest.rediscoverEvery"},
		{"negative duration", `{server: {origin: "http://o"}, manifest: {path: m.json, initialDelay: -1s}}`, "manifest.initialDelay"},
		{"bad prefix", `{server: {origin: "http://o", controlPrefix: admin}, manifest: {path: m.json}}`, "controlPrefix"},
		{"bad format", `{server: {origin: "http://o"}, manifest: {path: m.json}, logging: {format: xml}}`, "logging.format"},
		{"negative concurrency", `{server: {origin: "http://o"}, manifest: {path: m.json}, fetch: {concurrency: -1}}`, "fetch.concurrency"},
		{"bad yaml", `server: [`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shellcache.ParseConfig([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shellcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {origin: \"http://o\"}\nmanifest: {path: m.json}\n"), 0o644))

	cfg, err := shellcache.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://o", cfg.Server.Origin)

	_, err = shellcache.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg, err := shellcache.ParseConfig([]byte(`{server: {origin: "http://o"}, manifest: {path: m.json}, logging: {level: debug, format: console}}`))
	require.NoError(t, err)
	log, err := shellcache.NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, log)

	cfg.Logging.Level = "loud"
	_, err = shellcache.NewLogger(cfg)
	assert.ErrorContains(t, err, "logging.level")
}
