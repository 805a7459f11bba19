// Package config loads daemon configuration from environment variables
// and an optional .env file.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration. Per-user behaviour (categories,
// excluded URLs, API endpoint) lives in the settings store; this is only
// what the process needs before the store is open.
type Config struct {
	// WebSocket port the bridge extension connects to.
	Port int

	// Path to the SQLite database.
	DBPath string

	// Directory for log files.
	LogDir   string
	LogLevel string

	// Rate limiter policy for outbound classification requests.
	MaxRequests   int
	WindowMS      int
	MaxConcurrent int
}

// Load reads configuration from the environment, with an optional .env
// file merged in first. Missing values fall back to defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "ai-tab-sorter")

	cfg := &Config{
		Port:          getEnvIntOrDefault("AITABSORTER_PORT", 19400),
		DBPath:        getEnvOrDefault("AITABSORTER_DB", filepath.Join(dataDir, "ai-tab-sorter.db")),
		LogDir:        getEnvOrDefault("AITABSORTER_LOG_DIR", dataDir),
		LogLevel:      getEnvOrDefault("AITABSORTER_LOG_LEVEL", "info"),
		MaxRequests:   getEnvIntOrDefault("AITABSORTER_MAX_REQUESTS", 10),
		WindowMS:      getEnvIntOrDefault("AITABSORTER_WINDOW_MS", 60000),
		MaxConcurrent: getEnvIntOrDefault("AITABSORTER_MAX_CONCURRENT", 5),
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
