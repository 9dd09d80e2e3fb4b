package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid url format",
			mutate: func(cfg *Config) {
				cfg.BaseURL = "http://"
			},
			wantErr: "base URL",
		},
		{
			name: "results path without placeholder",
			mutate: func(cfg *Config) {
				cfg.ResultsPath = "/parkrunner/all/"
			},
			wantErr: "results path",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "negative retries",
			mutate: func(cfg *Config) {
				cfg.MaxRetries = -1
			},
			wantErr: "max retries",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = 10 * time.Second
				cfg.RetryBackoffMax = time.Second
			},
			wantErr: "cannot exceed",
		},
		{
			name: "negative request interval",
			mutate: func(cfg *Config) {
				cfg.RequestInterval = -time.Millisecond
			},
			wantErr: "request interval",
		},
		{
			name: "empty store file",
			mutate: func(cfg *Config) {
				cfg.StoreFile = ""
			},
			wantErr: "store file",
		},
		{
			name: "unknown export format",
			mutate: func(cfg *Config) {
				cfg.ExportFile = "out/results.xml"
				cfg.ExportFormat = "xml"
			},
			wantErr: "export format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", cfg.Timeout)
	}
}

func TestResultsURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://www.parkrun.org.uk/"

	if got, want := cfg.ResultsURL("123456"), "https://www.parkrun.org.uk/parkrunner/123456/all/"; got != want {
		t.Fatalf("ResultsURL = %q, want %q", got, want)
	}
	if got, want := cfg.Referer(), "https://www.parkrun.org.uk/"; got != want {
		t.Fatalf("Referer = %q, want %q", got, want)
	}
}
