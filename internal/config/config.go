// Package config provides configuration loading for the exercise agent server.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Workspace settings
	WorkspacesDir  string
	ExercisesFile  string
	ReleaseAPIBase string

	// Download settings
	DownloadTimeout time.Duration

	// Claude CLI settings
	ClaudeBin   string
	DefaultRows int
	DefaultCols int

	// Transport settings
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WSReadBufferSize  int
	WSWriteBufferSize int

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
	ShutdownTimeout time.Duration

	// Persistence settings
	EventDBPath string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("EXERCISE_AGENT_DIR", defaultDataDir())

	cfg := &Config{
		Port:           getEnvInt("EXERCISE_AGENT_PORT", 3100),
		Host:           getEnv("EXERCISE_AGENT_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		WorkspacesDir:  getEnv("WORKSPACES_DIR", filepath.Join(dataDir, "workspaces")),
		ExercisesFile:  getEnv("EXERCISES_FILE", ""),
		ReleaseAPIBase: getEnv("RELEASE_API_BASE", "https://api.github.com"),

		DownloadTimeout: getEnvDuration("DOWNLOAD_TIMEOUT", 60*time.Second),

		ClaudeBin:   getEnv("CLAUDE_BIN", "claude"),
		DefaultRows: getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols: getEnvInt("DEFAULT_COLS", 80),

		PingInterval:      getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		PongTimeout:       getEnvDuration("WS_PONG_TIMEOUT", 10*time.Second),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		EventDBPath: getEnv("EVENT_DB_PATH", filepath.Join(dataDir, "events.db")),
	}

	return cfg, nil
}

// defaultDataDir returns the per-user data directory for workspaces and the
// event database. Falls back to the system temp dir when no home directory
// is resolvable (containers without a passwd entry).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "exercise-agent")
	}
	return filepath.Join(home, ".exercise-agent")
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
