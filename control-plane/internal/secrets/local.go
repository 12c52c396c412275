package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalTokenStore stores tokens on the local filesystem.
// This is intended for development and testing only.
//
// Tokens are stored one per file:
//
//	<base_dir>/
//	  <name>.token
type LocalTokenStore struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewLocalTokenStore creates a new local filesystem-backed token store.
// If baseDir is empty, it defaults to ~/.beatmon/secrets.
func NewLocalTokenStore(baseDir string, logger *slog.Logger) (*LocalTokenStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".beatmon", "secrets")
	}

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}

	logger.Info("using local token store", "path", baseDir)

	return &LocalTokenStore{
		baseDir: baseDir,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// GetToken reads the token from disk.
func (s *LocalTokenStore) GetToken(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", s.path(name))
	}

	s.mu.Lock()
	s.cache[name] = token
	s.mu.Unlock()
	return token, nil
}

// GetOrCreateToken returns the stored token or writes a new one.
func (s *LocalTokenStore) GetOrCreateToken(ctx context.Context, name string) (string, bool, error) {
	token, err := s.GetToken(ctx, name)
	if err == nil {
		return token, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}

	s.logger.Info("creating new API token", "name", name)

	token, err = GenerateToken()
	if err != nil {
		return "", false, err
	}
	// O_EXCL so two processes racing on first start never both write.
	f, err := os.OpenFile(s.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		token, err := s.GetToken(ctx, name)
		return token, false, err
	}
	if err != nil {
		return "", false, fmt.Errorf("creating token file: %w", err)
	}
	if _, err := f.WriteString(token + "\n"); err != nil {
		f.Close()
		return "", false, fmt.Errorf("writing token: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("writing token: %w", err)
	}

	s.mu.Lock()
	s.cache[name] = token
	s.mu.Unlock()

	s.logger.Info("created new API token", "name", name, "path", s.path(name))
	return token, true, nil
}

// Close releases any resources.
func (s *LocalTokenStore) Close() error {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *LocalTokenStore) path(name string) string {
	return filepath.Join(s.baseDir, filepath.Base(name)+".token")
}
