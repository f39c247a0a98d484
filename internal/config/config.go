// Package config handles loading and managing padron-importer configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// GraphConfig holds the Microsoft Graph credentials and mailbox settings.
type GraphConfig struct {
	TenantID     string `toml:"tenant_id"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Mailbox      string `toml:"mailbox"` // user principal that receives the exports
	Folder       string `toml:"folder"`  // mail folder holding the daily deliveries
	RateLimitQPS int    `toml:"rate_limit_qps"`
}

// ImportConfig holds pipeline tuning knobs.
type ImportConfig struct {
	SourceLabel         string `toml:"source_label"`         // origin attribution for merged rows
	ChunkSize           int    `toml:"chunk_size"`           // records per merge call
	DownloadConcurrency int    `toml:"download_concurrency"` // parallel message downloads
	Timezone            string `toml:"timezone"`             // calendar-day partitioning for batches
	Schedule            string `toml:"schedule"`             // cron expression, empty disables scheduling
}

// NotifyConfig holds the run-summary email settings.
type NotifyConfig struct {
	Recipients []string `toml:"recipients"`
	Enabled    bool     `toml:"enabled"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort int    `toml:"api_port"`
	APIKey  string `toml:"api_key"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

type Config struct {
	Data   DataConfig   `toml:"data"`
	Graph  GraphConfig  `toml:"graph"`
	Import ImportConfig `toml:"import"`
	Notify NotifyConfig `toml:"notify"`
	Server ServerConfig `toml:"server"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default padron-importer home directory.
// Respects the PADRON_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("PADRON_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".padron-importer"
	}
	return filepath.Join(home, ".padron-importer")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.padron-importer/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			DataDir: homeDir,
		},
		Graph: GraphConfig{
			Folder:       "Padron",
			RateLimitQPS: 5,
		},
		Import: ImportConfig{
			SourceLabel:         "padron",
			ChunkSize:           5000,
			DownloadConcurrency: 5,
			Timezone:            "America/Bogota",
		},
		Server: ServerConfig{
			APIPort: 8080,
		},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	return cfg, nil
}

// Validate checks that the settings required to reach the mailbox are present.
// A missing credential or folder name is a configuration error and must be
// caught before the pipeline performs any side effect.
func (c *Config) Validate() error {
	switch {
	case c.Graph.TenantID == "":
		return fmt.Errorf("graph.tenant_id is required")
	case c.Graph.ClientID == "":
		return fmt.Errorf("graph.client_id is required")
	case c.Graph.ClientSecret == "":
		return fmt.Errorf("graph.client_secret is required")
	case c.Graph.Mailbox == "":
		return fmt.Errorf("graph.mailbox is required")
	case c.Graph.Folder == "":
		return fmt.Errorf("graph.folder is required")
	}
	return nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "padron.db")
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Import.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EnsureHomeDir creates the data directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.Data.DataDir, 0700)
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
