package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration loaded from config.yaml plus environment
// overrides for credentials.
type Config struct {
	Jira     JiraConfig    `yaml:"jira"`
	Scan     ScanConfig    `yaml:"scan"`
	Storage  StorageConfig `yaml:"storage"`
	Filters  FilterConfig  `yaml:"filters"`
	Output   OutputConfig  `yaml:"output"`
	LogLevel string        `yaml:"log_level"`
}

// JiraConfig identifies the remote instance and how to authenticate.
// Exactly one credential form is required: Token, or Username+Password.
type JiraConfig struct {
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	VerifySSL *bool  `yaml:"verify_ssl"`
}

// ScanConfig holds tuning knobs for the scan pipeline.
type ScanConfig struct {
	PageSize               int   `yaml:"page_size"`
	WorkerCount            int   `yaml:"worker_count"`
	MaxFileBytes           int64 `yaml:"max_file_bytes"`
	DownloadTimeoutSeconds int   `yaml:"download_timeout_seconds"`
	RateLimitPerSecond     int   `yaml:"rate_limit_per_second"`
	UseContentHash         *bool `yaml:"use_content_hash"`
}

// StorageConfig locates the SQLite database and sets checkpoint cadence.
type StorageConfig struct {
	DatabasePath       string `yaml:"database_path"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
}

// FilterConfig narrows the issue population. CustomJQL overrides the
// assembled project/date filters when set.
type FilterConfig struct {
	CustomJQL string   `yaml:"custom_jql"`
	Projects  []string `yaml:"projects"`
	DateFrom  string   `yaml:"date_from"`
	DateTo    string   `yaml:"date_to"`
}

// OutputConfig locates report artifacts.
type OutputConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Jira.VerifySSL == nil {
		t := true
		c.Jira.VerifySSL = &t
	}
	if c.Scan.PageSize == 0 {
		c.Scan.PageSize = 100
	}
	if c.Scan.WorkerCount == 0 {
		c.Scan.WorkerCount = 12
	}
	if c.Scan.MaxFileBytes == 0 {
		c.Scan.MaxFileBytes = 5 << 30
	}
	if c.Scan.DownloadTimeoutSeconds == 0 {
		c.Scan.DownloadTimeoutSeconds = 300
	}
	if c.Scan.RateLimitPerSecond == 0 {
		c.Scan.RateLimitPerSecond = 50
	}
	if c.Scan.UseContentHash == nil {
		t := true
		c.Scan.UseContentHash = &t
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./scans/scan.db"
	}
	if c.Storage.CheckpointInterval == 0 {
		c.Storage.CheckpointInterval = 100
	}
	if c.Output.OutputDir == "" {
		c.Output.OutputDir = "./reports"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnv overlays credentials from the environment. Environment values win
// over the YAML file so secrets can stay out of it.
func (c *Config) applyEnv() {
	if v := os.Getenv("ATTIC_BASE_URL"); v != "" {
		c.Jira.BaseURL = v
	}
	if v := os.Getenv("ATTIC_TOKEN"); v != "" {
		c.Jira.Token = v
	}
	if v := os.Getenv("ATTIC_USERNAME"); v != "" {
		c.Jira.Username = v
	}
	if v := os.Getenv("ATTIC_PASSWORD"); v != "" {
		c.Jira.Password = v
	}
}

// Validate checks that the configuration is usable for a scan.
func (c *Config) Validate() error {
	if c.Jira.BaseURL == "" {
		return errors.New("jira.base_url must be set (config file or ATTIC_BASE_URL)")
	}
	hasToken := c.Jira.Token != ""
	hasBasic := c.Jira.Username != "" && c.Jira.Password != ""
	if !hasToken && !hasBasic {
		return errors.New("either jira.token or jira.username+jira.password must be set")
	}
	if hasToken && hasBasic {
		return errors.New("configure only one of jira.token or jira.username+jira.password")
	}
	return nil
}

// Load reads and parses the YAML config file at path, overlays environment
// credentials, and applies defaults. A missing file yields a default Config
// so that credential-only setups (pure environment) still work.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		// fall through with an empty config
	case err != nil:
		return nil, fmt.Errorf("open config %q: %w", path, err)
	default:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}
