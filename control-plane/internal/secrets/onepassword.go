package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

const tokenFieldID = "password"

// OnePasswordTokenStore reads tokens from 1Password using the Connect API.
// Each token is a Password item whose title is the token name.
type OnePasswordTokenStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordTokenStore creates a new 1Password-backed token store.
func NewOnePasswordTokenStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordTokenStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "beatmon-control-plane")
	return newOnePasswordTokenStore(client, cfg.VaultID, logger), nil
}

func newOnePasswordTokenStore(client connect.Client, vaultID string, logger *slog.Logger) *OnePasswordTokenStore {
	return &OnePasswordTokenStore{
		client:  client,
		vaultID: vaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}
}

// GetToken returns the token stored in the item titled name.
func (s *OnePasswordTokenStore) GetToken(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	token, err := s.getTokenFromVault(name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[name] = token
	s.mu.Unlock()
	return token, nil
}

// GetOrCreateToken returns the stored token or creates a new item.
func (s *OnePasswordTokenStore) GetOrCreateToken(ctx context.Context, name string) (string, bool, error) {
	token, err := s.GetToken(ctx, name)
	if err == nil {
		return token, false, nil
	}
	if !isNotFoundError(err) {
		return "", false, fmt.Errorf("checking for existing token: %w", err)
	}

	s.logger.Info("creating new API token", "name", name)

	token, err = GenerateToken()
	if err != nil {
		return "", false, err
	}

	item := &onepassword.Item{
		Title:    name,
		Category: onepassword.Password,
		Vault:    onepassword.ItemVault{ID: s.vaultID},
		Fields: []*onepassword.ItemField{
			{
				ID:      tokenFieldID,
				Label:   "password",
				Type:    "CONCEALED",
				Purpose: "PASSWORD",
				Value:   token,
			},
		},
	}
	if _, err := s.client.CreateItem(item, s.vaultID); err != nil {
		return "", false, fmt.Errorf("storing token in 1Password: %w", err)
	}

	s.mu.Lock()
	s.cache[name] = token
	s.mu.Unlock()

	s.logger.Info("created new API token", "name", name, "vault", s.vaultID)
	return token, true, nil
}

// Close releases any resources.
func (s *OnePasswordTokenStore) Close() error {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *OnePasswordTokenStore) getTokenFromVault(name string) (string, error) {
	items, err := s.client.GetItemsByTitle(name, s.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	// Get the full item (including fields)
	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	for _, f := range item.Fields {
		if (f.ID == tokenFieldID || f.Purpose == "PASSWORD") && f.Value != "" {
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("item %q has no password field", name)
}

// isNotFoundError checks if an error indicates the item was not found.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "404") ||
		strings.Contains(msg, "no items")
}
