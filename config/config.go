package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// IDPlaceholder marks where the external identifier goes in ResultsPath.
const IDPlaceholder = "{id}"

// Config holds collector configuration.
type Config struct {
	BaseURL         string        `koanf:"base_url"`
	ResultsPath     string        `koanf:"results_path"`
	Timeout         time.Duration `koanf:"timeout"`
	UserAgent       string        `koanf:"user_agent"`
	MaxRetries      int           `koanf:"max_retries"`
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
	RetryBackoffMax time.Duration `koanf:"retry_backoff_max"`
	RequestInterval time.Duration `koanf:"request_interval"`

	EntitiesFile      string `koanf:"entities_file"`
	StoreFile         string `koanf:"store_file"`
	ExportFile        string `koanf:"export_file"`
	ExportFormat      string `koanf:"export_format"` // csv, json, or dual
	SnapshotCacheSize int    `koanf:"snapshot_cache_size"`

	MetricsAddr string `koanf:"metrics_addr"`
	Verbose     bool   `koanf:"verbose"`
}

// DefaultConfig returns defaults for the public parkrun UK site.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://www.parkrun.org.uk",
		ResultsPath:       "/parkrunner/" + IDPlaceholder + "/all/",
		Timeout:           30 * time.Second,
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		MaxRetries:        2,
		RetryBackoff:      500 * time.Millisecond,
		RetryBackoffMax:   5 * time.Second,
		RequestInterval:   2 * time.Second,
		EntitiesFile:      "data/athletes.csv",
		StoreFile:         "data/results.csv",
		ExportFormat:      "csv",
		SnapshotCacheSize: 8,
	}
}

// ResultsURL returns the all-results page for externalID.
func (c *Config) ResultsURL(externalID string) string {
	base := strings.TrimSuffix(c.BaseURL, "/")
	return base + strings.ReplaceAll(c.ResultsPath, IDPlaceholder, url.PathEscape(externalID))
}

// Referer returns the site root sent as the Referer header.
func (c *Config) Referer() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/"
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if !strings.Contains(c.ResultsPath, IDPlaceholder) {
		return fmt.Errorf("results path must contain %s", IDPlaceholder)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RequestInterval < 0 {
		return fmt.Errorf("request interval cannot be negative")
	}
	if c.StoreFile == "" {
		return fmt.Errorf("store file cannot be empty")
	}
	if c.ExportFile != "" && c.ExportFormat != "csv" && c.ExportFormat != "json" && c.ExportFormat != "dual" {
		return fmt.Errorf("export format must be csv, json, or dual")
	}
	if c.SnapshotCacheSize <= 0 {
		return fmt.Errorf("snapshot cache size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
