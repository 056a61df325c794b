package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. SCRAPER_MAX_ITEMS.
const EnvPrefix = "SCRAPER"

// Load reads configuration from defaults, an optional YAML file and the
// environment. Priority (highest to lowest): env vars > config file > defaults.
// CLI flags are applied on top by the caller.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config file: %v", ErrInvalidConfig, err)
		}
	} else {
		v.SetConfigName("scraper")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: read config file: %v", ErrInvalidConfig, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("base_url", cfg.BaseURL)
	v.SetDefault("schema", cfg.Schema)
	v.SetDefault("categories", cfg.Categories)
	v.SetDefault("max_pages", cfg.MaxPages)
	v.SetDefault("max_items", cfg.MaxItems)
	v.SetDefault("parallelism", cfg.Parallelism)
	v.SetDefault("delay", cfg.Delay)
	v.SetDefault("random_delay", cfg.RandomDelay)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("retry_backoff", cfg.RetryBackoff)
	v.SetDefault("retry_backoff_max", cfg.RetryBackoffMax)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("accept", cfg.Accept)
	v.SetDefault("headers", cfg.Headers)
	v.SetDefault("cookies", cfg.Cookies)
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("failed_urls_file", cfg.FailedURLsFile)
	v.SetDefault("resume", cfg.Resume)
	v.SetDefault("fetch_details", cfg.FetchDetails)
	v.SetDefault("dedupe_max_size", cfg.DedupeMaxSize)
	v.SetDefault("pipeline_buffer_size", cfg.PipelineBufferSize)
	v.SetDefault("low_volume_threshold", cfg.LowVolumeThreshold)
	v.SetDefault("high_failure_threshold", cfg.HighFailureThreshold)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("respect_robots_txt", cfg.RespectRobotsTxt)
	v.SetDefault("verbose", cfg.Verbose)
}
