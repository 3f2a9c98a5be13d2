package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuthBaseURL != "http://localhost:8080" {
		t.Errorf("AuthBaseURL = %q", cfg.AuthBaseURL)
	}
	if cfg.WSBaseURL != "http://localhost:8082/ws" {
		t.Errorf("WSBaseURL = %q, want derived from SupportBaseURL", cfg.WSBaseURL)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	if cfg.PendingWindow != 20*time.Second {
		t.Errorf("PendingWindow = %v", cfg.PendingWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SUPPORT_BASE_URL", "http://support.internal:9000")
	t.Setenv("WS_BASE_URL", "http://broker.internal:9001/ws")
	t.Setenv("RECONNECT_DELAY", "500ms")
	t.Setenv("PENDING_WINDOW", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WSBaseURL != "http://broker.internal:9001/ws" {
		t.Errorf("WSBaseURL = %q", cfg.WSBaseURL)
	}
	if cfg.ReconnectDelay != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	// Bare numbers are seconds.
	if cfg.PendingWindow != 30*time.Second {
		t.Errorf("PendingWindow = %v", cfg.PendingWindow)
	}
}

func TestLoadRejectsInvalidDurations(t *testing.T) {
	t.Setenv("RECONNECT_DELAY", "0s")
	if _, err := Load(); err == nil {
		t.Error("Load() accepted zero reconnect delay")
	}
}

func TestTokenStorePrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "token")
	if err := os.WriteFile(file, []byte("  file-token\n"), 0600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	store := NewTokenStore(&Config{Token: "env-token", TokenFile: file})
	if got := store.Token(); got != "env-token" {
		t.Errorf("Token() = %q, literal should win", got)
	}

	store = NewTokenStore(&Config{TokenFile: file})
	if got := store.Token(); got != "file-token" {
		t.Errorf("Token() = %q, want trimmed file content", got)
	}

	store = NewTokenStore(&Config{TokenFile: filepath.Join(dir, "missing")})
	if got := store.Token(); got != "" {
		t.Errorf("Token() = %q, want empty for missing file", got)
	}
}
