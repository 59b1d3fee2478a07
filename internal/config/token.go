package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TokenPath returns the path of the generated bearer token file.
func TokenPath(homeDir string) string {
	return filepath.Join(homeDir, "auth.token")
}

// EnsureAuthToken resolves the bearer token guarding push and host endpoints.
// PUSHKEEPER_AUTH_TOKEN (already applied to cfg.AuthToken) wins; otherwise the
// token is read from <home>/auth.token, generated on first run.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.AuthToken != "" {
		return cfg.AuthToken, nil
	}
	path := TokenPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			cfg.AuthToken = tok
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read auth token: %w", err)
	}

	tok := uuid.NewString()
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write auth token: %w", err)
	}
	cfg.AuthToken = tok
	return tok, nil
}

// ReadAuthToken returns the token a CLI client should present, without
// generating one.
func ReadAuthToken(homeDir string) string {
	if tok := os.Getenv("PUSHKEEPER_AUTH_TOKEN"); tok != "" {
		return tok
	}
	data, err := os.ReadFile(TokenPath(homeDir))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
