package config

import (
	"os"
	"strings"
)

// TokenStore exposes the durable credential read-only. The credential is
// written by the login flow, which lives outside this subsystem.
type TokenStore struct {
	token string
	file  string
}

// NewTokenStore builds a token store from configuration. A literal token
// takes precedence over the token file.
func NewTokenStore(cfg *Config) *TokenStore {
	return &TokenStore{token: cfg.Token, file: cfg.TokenFile}
}

// Token returns the current credential, or "" when none is available.
func (s *TokenStore) Token() string {
	if s.token != "" {
		return s.token
	}
	if s.file == "" {
		return ""
	}
	data, err := os.ReadFile(s.file)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
