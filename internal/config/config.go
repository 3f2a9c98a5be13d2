// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// AuthBaseURL is the identity service (login, /auth/me).
	AuthBaseURL string
	// SupportBaseURL is the support service (classify, admin requests, broker).
	SupportBaseURL string
	// WSBaseURL is the broker handshake endpoint; derived from SupportBaseURL
	// when unset.
	WSBaseURL string
	// LinkBase is the storefront origin used to absolutize bot links.
	LinkBase string

	// Token and TokenFile locate the durable credential. Token wins when both
	// are set. This subsystem only ever reads it.
	Token     string
	TokenFile string

	HistoryDBPath  string
	LogPath        string
	Port           string
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	PendingWindow  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AuthBaseURL:    getEnv("AUTH_BASE_URL", "http://localhost:8080"),
		SupportBaseURL: getEnv("SUPPORT_BASE_URL", "http://localhost:8082"),
		WSBaseURL:      getEnv("WS_BASE_URL", ""),
		LinkBase:       getEnv("LINK_BASE", "http://localhost:3000"),
		Token:          getEnv("SUPPORT_TOKEN", ""),
		TokenFile:      getEnv("SUPPORT_TOKEN_FILE", defaultTokenFile()),
		HistoryDBPath:  getEnv("HISTORY_DB_PATH", filepath.Join(os.TempDir(), "supportchat-history.db")),
		LogPath:        getEnv("LOG_PATH", filepath.Join(os.TempDir(), "supportchat.log")),
		Port:           getEnv("PORT", "8082"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
		ReconnectDelay: getEnvDuration("RECONNECT_DELAY", 3*time.Second),
		PendingWindow:  getEnvDuration("PENDING_WINDOW", 20*time.Second),
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = strings.TrimRight(cfg.SupportBaseURL, "/") + "/ws"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.AuthBaseURL == "" {
		return fmt.Errorf("AUTH_BASE_URL cannot be empty")
	}
	if c.SupportBaseURL == "" {
		return fmt.Errorf("SUPPORT_BASE_URL cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.PendingWindow <= 0 {
		return fmt.Errorf("PENDING_WINDOW must be > 0")
	}
	return nil
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".supportchat", "token")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are read as seconds.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
