package config

import (
	"encoding/json"
	"os"
)

// Config holds the app's configuration
type Config struct {
	Redis struct {
		Addr string `json:"addr"`
		// Sentinel settings
		// List of Sentinel Hosts
		Sentinel []string `json:"sentinel"`
		// Sentinel Master Name
		MasterName string `json:"master_name"`
	} `json:"redis"`

	API struct {
		Addr          string `json:"addr"`
		HeartbeatPath string `json:"heartbeat_path"`
	} `json:"api"`

	Processor struct {
		// StagingDir holds in-progress artifacts and their part files.
		StagingDir string `json:"staging_dir"`
		// DownloadsDir is where completed non-editor artifacts end up.
		DownloadsDir   string            `json:"downloads_dir"`
		StorageBackend map[string]string `json:"filestorage"`
		UserAgent      string            `json:"user_agent"`
		ChunkThreshold int64             `json:"chunk_threshold"`
		ChunkWorkers   int               `json:"chunk_workers"`
		// IdleTimeout in seconds; 0 disables the watchdog.
		IdleTimeout   int `json:"idle_timeout"`
		StatsInterval int `json:"stats_interval"`
	} `json:"processor"`

	Installer struct {
		// VersionsDir holds one subdirectory per installed editor build.
		VersionsDir string `json:"versions_dir"`
		// MimePattern to check archives against, eg.
		// "application/zip,!text/html". Empty disables the check.
		MimePattern string `json:"mime_pattern"`
	} `json:"installer"`

	Notifier struct {
		Concurrency int `json:"concurrency"`
	} `json:"notifier"`

	// Backends maps a backend id ("http", "kafka", "sqs") to its
	// settings. Every map must carry a "destination" entry; the rest is
	// passed verbatim to the backend's Start.
	Backends map[string]map[string]interface{}
}

// Parse loads a given file name and creates a Configuration
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	return cfg, dec.Decode(&cfg)
}
