package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// ErrInvalidConfig marks configuration problems; they are fatal at startup.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds crawler configuration.
type Config struct {
	BaseURL              string            `mapstructure:"base_url"`
	Schema               string            `mapstructure:"schema"`
	Categories           []string          `mapstructure:"categories"`
	MaxPages             int               `mapstructure:"max_pages"`
	MaxItems             int               `mapstructure:"max_items"`
	Parallelism          int               `mapstructure:"parallelism"`
	Delay                time.Duration     `mapstructure:"delay"`
	RandomDelay          time.Duration     `mapstructure:"random_delay"`
	Timeout              time.Duration     `mapstructure:"timeout"`
	MaxRetries           int               `mapstructure:"max_retries"`
	RetryBackoff         time.Duration     `mapstructure:"retry_backoff"`
	RetryBackoffMax      time.Duration     `mapstructure:"retry_backoff_max"`
	UserAgent            string            `mapstructure:"user_agent"`
	Accept               string            `mapstructure:"accept"`
	Headers              map[string]string `mapstructure:"headers"`
	Cookies              map[string]string `mapstructure:"cookies"`
	OutputDir            string            `mapstructure:"output_dir"`
	DatabasePath         string            `mapstructure:"database_path"`
	FailedURLsFile       string            `mapstructure:"failed_urls_file"`
	Resume               bool              `mapstructure:"resume"`
	FetchDetails         bool              `mapstructure:"fetch_details"`
	DedupeMaxSize        int               `mapstructure:"dedupe_max_size"`
	PipelineBufferSize   int               `mapstructure:"pipeline_buffer_size"`
	LowVolumeThreshold   int               `mapstructure:"low_volume_threshold"`
	HighFailureThreshold int               `mapstructure:"high_failure_threshold"`
	MetricsAddr          string            `mapstructure:"metrics_addr"`
	RespectRobotsTxt     bool              `mapstructure:"respect_robots_txt"`
	Verbose              bool              `mapstructure:"verbose"`
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:              "",
		Schema:               "digikala-api",
		MaxPages:             5,
		MaxItems:             5000,
		Parallelism:          4,
		Delay:                time.Second,
		RandomDelay:          0,
		Timeout:              30 * time.Second,
		MaxRetries:           3,
		RetryBackoff:         500 * time.Millisecond,
		RetryBackoffMax:      10 * time.Second,
		UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
		Accept:               "application/json, text/plain, */*",
		Headers:              map[string]string{},
		Cookies:              map[string]string{},
		OutputDir:            "output",
		DatabasePath:         filepath.Join("output", "crawl.db"),
		FailedURLsFile:       filepath.Join("output", "failed_urls.txt"),
		FetchDetails:         true,
		DedupeMaxSize:        1_000_000,
		PipelineBufferSize:   512,
		LowVolumeThreshold:   100,
		HighFailureThreshold: 50,
		Verbose:              false,
		RespectRobotsTxt:     false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	// an empty base URL keeps the schema's site_url
	if c.BaseURL != "" {
		parsedURL, err := url.Parse(c.BaseURL)
		if err != nil {
			return invalid("invalid base URL: %v", err)
		}
		if parsedURL.Host == "" {
			return invalid("base URL must include a host")
		}
	}

	if c.Schema == "" {
		return invalid("schema cannot be empty")
	}
	if c.MaxPages <= 0 {
		return invalid("max pages must be positive")
	}
	if c.MaxItems <= 0 {
		return invalid("max items must be positive")
	}
	if c.Parallelism <= 0 {
		return invalid("parallelism must be positive")
	}
	if c.Delay < 0 {
		return invalid("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return invalid("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return invalid("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return invalid("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return invalid("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return invalid("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return invalid("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.OutputDir == "" {
		return invalid("output dir cannot be empty")
	}
	if c.DatabasePath == "" {
		return invalid("database path cannot be empty")
	}
	if c.FailedURLsFile == "" {
		return invalid("failed urls file cannot be empty")
	}
	if c.DedupeMaxSize <= 0 {
		return invalid("dedupe max size must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return invalid("pipeline buffer size must be positive")
	}
	if c.LowVolumeThreshold < 0 || c.HighFailureThreshold < 0 {
		return invalid("report thresholds cannot be negative")
	}
	if c.UserAgent == "" {
		return invalid("user agent cannot be empty")
	}

	return nil
}

// OutputPath joins name onto the output directory.
func (c *Config) OutputPath(name string) string {
	return filepath.Join(c.OutputDir, name)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
