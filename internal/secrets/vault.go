// Package secrets stores exchange API credentials in HashiCorp Vault
// (KV v2), with an in-memory fallback when Vault is disabled.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"mm-control-plane/config"
	"mm-control-plane/internal/exchange"
)

// Client wraps the Vault client for per-user, per-venue credentials.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]exchange.Credentials
}

// NewClient builds the client. When Vault is disabled the client works
// purely from its in-memory cache, which suits development and tests.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]exchange.Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled reports whether Vault itself is in use.
func (c *Client) IsEnabled() bool { return c.config.Enabled }

// StoreCredentials writes credentials for a user and venue.
func (c *Client) StoreCredentials(ctx context.Context, userID, venue string, creds exchange.Credentials) error {
	venue = strings.ToLower(venue)
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[c.cacheKey(userID, venue)] = creds
		c.mu.Unlock()
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"passphrase": creds.Passphrase,
			"venue":      venue,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID, venue), payload); err != nil {
		return fmt.Errorf("vault write for %s/%s: %w", userID, venue, err)
	}

	c.mu.Lock()
	c.cache[c.cacheKey(userID, venue)] = creds
	c.mu.Unlock()
	return nil
}

// GetCredentials resolves credentials for a user and venue, serving
// from cache first.
func (c *Client) GetCredentials(ctx context.Context, userID, venue string) (exchange.Credentials, error) {
	venue = strings.ToLower(venue)
	c.mu.RLock()
	if cached, ok := c.cache[c.cacheKey(userID, venue)]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return exchange.Credentials{}, fmt.Errorf("credentials for %s/%s not found and vault is disabled", userID, venue)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID, venue))
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("vault read for %s/%s: %w", userID, venue, err)
	}
	if secret == nil || secret.Data == nil {
		return exchange.Credentials{}, fmt.Errorf("credentials for %s/%s not found", userID, venue)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return exchange.Credentials{}, fmt.Errorf("unexpected secret format for %s/%s", userID, venue)
	}

	creds := exchange.Credentials{
		APIKey:     getString(data, "api_key"),
		SecretKey:  getString(data, "secret_key"),
		Passphrase: getString(data, "passphrase"),
	}
	c.mu.Lock()
	c.cache[c.cacheKey(userID, venue)] = creds
	c.mu.Unlock()
	return creds, nil
}

// DeleteCredentials removes credentials for a user and venue.
func (c *Client) DeleteCredentials(ctx context.Context, userID, venue string) error {
	venue = strings.ToLower(venue)
	c.mu.Lock()
	delete(c.cache, c.cacheKey(userID, venue))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID, venue)); err != nil {
		return fmt.Errorf("vault delete for %s/%s: %w", userID, venue, err)
	}
	return nil
}

// InvalidateUser drops every cached credential for a user, forcing the
// next lookup back through Vault.
func (c *Client) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := userID + "/"
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
		}
	}
}

// Health verifies the Vault connection and seal state.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(userID, venue string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, venue)
}

func (c *Client) metadataPath(userID, venue string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, venue)
}

func (c *Client) cacheKey(userID, venue string) string {
	return userID + "/" + venue
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
