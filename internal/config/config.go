package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Backend
	APIBaseURL string

	// Stream resolution
	StreamURLTTL         time.Duration // lifetime of a cached stream URL (default: 4h)
	RefreshThreshold     float64       // fraction of TTL after which a background refresh fires (default: 0.75)
	ResolveTimeout       time.Duration // per-call resolution deadline (default: 10s)
	ManifestFallbackWait time.Duration // inter-item delay in sequential fallback (default: 400ms)

	// Request client
	MaxRetries     int           // retry attempts for 5xx/network failures (default: 3)
	RetryBaseDelay time.Duration // initial backoff delay, doubles each attempt (default: 1s)

	// Position sync
	PositionSyncInterval time.Duration // periodic sync while playing (default: 30s)
	PositionMinDeltaMs   int64         // minimum position change worth writing (default: 1000)

	// Downloads
	DownloadTimeoutMinutes int // minutes before an in-flight download is considered stuck (default: 30)

	// Server
	ServerPort string

	// Paths
	TokenFile    string // $CONFIG_DIR/token.json
	DatabaseFile string // $CONFIG_DIR/kolcast.db
	DownloadsDir string // $CONFIG_DIR/downloads or DOWNLOADS_DIR

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Setup viper FIRST to load .env file
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = viper.ReadInConfig()

	// Set defaults
	viper.SetDefault("STREAM_URL_TTL_HOURS", 4)
	viper.SetDefault("REFRESH_THRESHOLD", 0.75)
	viper.SetDefault("RESOLVE_TIMEOUT_SECONDS", 10)
	viper.SetDefault("MANIFEST_FALLBACK_WAIT_MS", 400)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_BASE_DELAY_MS", 1000)
	viper.SetDefault("POSITION_SYNC_SECONDS", 30)
	viper.SetDefault("POSITION_MIN_DELTA_MS", 1000)
	viper.SetDefault("DOWNLOAD_TIMEOUT_MINUTES", 30)
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")

	// NOW read CONFIG_DIR from viper (which has loaded .env file)
	configDir := viper.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "kolcast")
	} else {
		// Convert relative path to absolute path
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for CONFIG_DIR: %w", err)
		}
		configDir = absPath
	}

	// Create config directory if it doesn't exist
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	downloadsDir := viper.GetString("DOWNLOADS_DIR")
	if downloadsDir == "" {
		downloadsDir = filepath.Join(configDir, "downloads")
	}

	config := &Config{
		// Backend
		APIBaseURL: viper.GetString("API_BASE_URL"),

		// Stream resolution
		StreamURLTTL:         time.Duration(viper.GetInt("STREAM_URL_TTL_HOURS")) * time.Hour,
		RefreshThreshold:     viper.GetFloat64("REFRESH_THRESHOLD"),
		ResolveTimeout:       time.Duration(viper.GetInt("RESOLVE_TIMEOUT_SECONDS")) * time.Second,
		ManifestFallbackWait: time.Duration(viper.GetInt("MANIFEST_FALLBACK_WAIT_MS")) * time.Millisecond,

		// Request client
		MaxRetries:     viper.GetInt("MAX_RETRIES"),
		RetryBaseDelay: time.Duration(viper.GetInt("RETRY_BASE_DELAY_MS")) * time.Millisecond,

		// Position sync
		PositionSyncInterval: time.Duration(viper.GetInt("POSITION_SYNC_SECONDS")) * time.Second,
		PositionMinDeltaMs:   viper.GetInt64("POSITION_MIN_DELTA_MS"),

		// Downloads
		DownloadTimeoutMinutes: viper.GetInt("DOWNLOAD_TIMEOUT_MINUTES"),

		// Server
		ServerPort: viper.GetString("SERVER_PORT"),

		// Paths
		TokenFile:    filepath.Join(configDir, "token.json"),
		DatabaseFile: filepath.Join(configDir, "kolcast.db"),
		DownloadsDir: downloadsDir,

		// Logging
		LogLevel: viper.GetString("LOG_LEVEL"),
	}

	// Validate required fields
	if config.APIBaseURL == "" {
		return nil, fmt.Errorf("API_BASE_URL is required")
	}
	if config.RefreshThreshold <= 0 || config.RefreshThreshold >= 1 {
		return nil, fmt.Errorf("REFRESH_THRESHOLD must be between 0 and 1")
	}

	return config, nil
}
