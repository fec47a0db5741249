package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"upbit-trading-bot/config"

	"github.com/hashicorp/vault/api"
)

var (
	ErrVaultDisabled = errors.New("vault is disabled")
	ErrKeysNotFound  = errors.New("upbit keys not found in vault")
)

// UpbitKeys is the access/secret key pair stored in Vault
type UpbitKeys struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Client wraps the HashiCorp Vault client for the KV v2 secret holding exchange keys
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *UpbitKeys
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// GetUpbitKeys reads the key pair, serving repeat calls from memory
func (c *Client) GetUpbitKeys(ctx context.Context) (*UpbitKeys, error) {
	if !c.config.Enabled {
		return nil, ErrVaultDisabled
	}

	c.mu.RLock()
	if c.cached != nil {
		keys := *c.cached
		c.mu.RUnlock()
		return &keys, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read upbit keys from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrKeysNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	keys := &UpbitKeys{
		AccessKey: getString(data, "access_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if keys.AccessKey == "" || keys.SecretKey == "" {
		return nil, ErrKeysNotFound
	}

	c.mu.Lock()
	c.cached = keys
	c.mu.Unlock()

	out := *keys
	return &out, nil
}

// StoreUpbitKeys writes the key pair to the KV v2 secret
func (c *Client) StoreUpbitKeys(ctx context.Context, keys UpbitKeys) error {
	if !c.config.Enabled {
		return ErrVaultDisabled
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"access_key": keys.AccessKey,
			"secret_key": keys.SecretKey,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
		return fmt.Errorf("failed to store upbit keys in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = &keys
	c.mu.Unlock()
	return nil
}

// ClearCache drops the in-memory copy so the next read goes to Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath() string {
	mount := strings.Trim(c.config.MountPath, "/")
	path := strings.Trim(c.config.SecretPath, "/")
	return fmt.Sprintf("%s/data/%s", mount, path)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
