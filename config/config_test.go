package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `{
  "redis": {"addr": "localhost:6379"},
  "api": {"addr": "0.0.0.0:8000", "heartbeat_path": "/health"},
  "processor": {
    "staging_dir": "/tmp/staging",
    "downloads_dir": "/tmp/downloads",
    "user_agent": "avagodots/1.0",
    "chunk_threshold": 2097152,
    "chunk_workers": 4,
    "idle_timeout": 30
  },
  "installer": {
    "versions_dir": "/tmp/versions",
    "mime_pattern": "application/zip,!text/html"
  },
  "notifier": {"concurrency": 2},
  "backends": {
    "http": {"destination": "https://example.com/cb", "timeout": 5}
  }
}`

func parseSample(t *testing.T) Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestParse(t *testing.T) {
	cfg := parseSample(t)

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.API.Addr != "0.0.0.0:8000" || cfg.API.HeartbeatPath != "/health" {
		t.Errorf("API section = %+v", cfg.API)
	}
	if cfg.Processor.StagingDir != "/tmp/staging" {
		t.Errorf("StagingDir = %q", cfg.Processor.StagingDir)
	}
	if cfg.Processor.ChunkThreshold != 2097152 || cfg.Processor.ChunkWorkers != 4 {
		t.Errorf("Strategy settings = %+v", cfg.Processor)
	}
	if cfg.Processor.IdleTimeout != 30 {
		t.Errorf("IdleTimeout = %d", cfg.Processor.IdleTimeout)
	}
	if cfg.Installer.MimePattern != "application/zip,!text/html" {
		t.Errorf("MimePattern = %q", cfg.Installer.MimePattern)
	}
	if cfg.Notifier.Concurrency != 2 {
		t.Errorf("Concurrency = %d", cfg.Notifier.Concurrency)
	}
}

func TestParseBackends(t *testing.T) {
	cfg := parseSample(t)

	httpCfg, ok := cfg.Backends["http"]
	if !ok {
		t.Fatal("Expected an http backend entry")
	}
	if httpCfg["destination"] != "https://example.com/cb" {
		t.Errorf("destination = %v", httpCfg["destination"])
	}

	// Numbers must come through as json.Number so the backends can do
	// their own integer conversion.
	if _, ok := httpCfg["timeout"].(json.Number); !ok {
		t.Errorf("timeout is %T, want json.Number", httpCfg["timeout"])
	}
}

func TestParseMissingFile(t *testing.T) {
	if _, err := Parse("/does/not/exist.json"); err == nil {
		t.Fatal("Expected an error for a missing file")
	}
}
