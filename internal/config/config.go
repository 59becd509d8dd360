// Package config loads configuration from environment variables,
// optionally overlaid with a YAML file pointed at by POMELO_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all client configuration.
type Config struct {
	// Server
	ServerURL string `yaml:"server_url"`
	ClientID  string `yaml:"client_id"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Event polling
	EventPollInterval time.Duration `yaml:"event_poll_interval"`

	// Transfers
	MaxUploadFolders     int   `yaml:"max_upload_folders"`
	MaxUploadBlocks      int   `yaml:"max_upload_blocks"`
	MaxDownloadBlocks    int   `yaml:"max_download_blocks"`
	MaxThumbnailFetches  int   `yaml:"max_thumbnail_fetches"`
	UploadConfirmCount   int   `yaml:"upload_confirm_count"`
	BlockSize            int64 `yaml:"block_size"`
	RequestBatchSize     int   `yaml:"request_batch_size"`
	HashCheckBatchSize   int   `yaml:"hash_check_batch_size"`
	MaxConcurrentPerCall int   `yaml:"max_concurrent_per_call"`

	// Retry
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

// Load reads configuration from environment variables with defaults,
// then applies the YAML file named by POMELO_CONFIG when set.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:            envOr("POMELO_SERVER_URL", "https://localhost:8080"),
		ClientID:             envOr("POMELO_CLIENT_ID", "pomelo-cli"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "json"),
		EventPollInterval:    envDuration("POMELO_EVENT_POLL_INTERVAL", 30*time.Second),
		MaxUploadFolders:     envInt("POMELO_MAX_UPLOAD_FOLDERS", 5),
		MaxUploadBlocks:      envInt("POMELO_MAX_UPLOAD_BLOCKS", 10),
		MaxDownloadBlocks:    envInt("POMELO_MAX_DOWNLOAD_BLOCKS", 10),
		MaxThumbnailFetches:  envInt("POMELO_MAX_THUMBNAIL_FETCHES", 5),
		UploadConfirmCount:   envInt("POMELO_UPLOAD_CONFIRM_COUNT", 500),
		BlockSize:            envInt64("POMELO_BLOCK_SIZE", 4*1024*1024),
		RequestBatchSize:     envInt("POMELO_REQUEST_BATCH_SIZE", 50),
		HashCheckBatchSize:   envInt("POMELO_HASH_CHECK_BATCH_SIZE", 10),
		MaxConcurrentPerCall: envInt("POMELO_MAX_CONCURRENT_PER_CALL", 5),
		RetryMaxAttempts:     envInt("POMELO_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:       envDuration("POMELO_RETRY_BASE_DELAY", time.Second),
	}

	if path := os.Getenv("POMELO_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("POMELO_SERVER_URL is required")
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", cfg.BlockSize)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
