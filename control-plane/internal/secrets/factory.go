package secrets

import (
	"fmt"
	"log/slog"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", or "auto".
	// "auto" (default) uses 1Password if configured, otherwise local.
	Backend string

	// 1Password Connect configuration
	ConnectHost  string
	ConnectToken string
	Vault        string

	// Local storage directory (default: ~/.beatmon/secrets)
	LocalDir string
}

func (c Config) onePassword() OnePasswordConfig {
	return OnePasswordConfig{Host: c.ConnectHost, Token: c.ConnectToken, VaultID: c.Vault}
}

func (c Config) onePasswordConfigured() bool {
	return c.ConnectHost != "" && c.ConnectToken != ""
}

// NewTokenStore creates a TokenStore based on configuration.
func NewTokenStore(cfg Config, logger *slog.Logger) (TokenStore, error) {
	logger = logger.With("component", "secrets")

	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		if !cfg.onePasswordConfigured() {
			return nil, fmt.Errorf("1Password backend requested but connect host or token not set")
		}
		return NewOnePasswordTokenStore(cfg.onePassword(), logger)

	case "local":
		return NewLocalTokenStore(cfg.LocalDir, logger)

	case "auto":
		// Try 1Password first, fall back to local
		if cfg.onePasswordConfigured() {
			s, err := NewOnePasswordTokenStore(cfg.onePassword(), logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local storage",
					"error", err)
				return NewLocalTokenStore(cfg.LocalDir, logger)
			}
			return s, nil
		}
		logger.Info("1Password Connect not configured, using local token storage")
		return NewLocalTokenStore(cfg.LocalDir, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}
