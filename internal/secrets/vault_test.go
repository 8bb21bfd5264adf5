package secrets

import (
	"context"
	"testing"

	"mm-control-plane/config"
	"mm-control-plane/internal/exchange"
)

func disabledClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected client, got %v", err)
	}
	return c
}

// TestDisabledStoreAndGet verifies the in-memory fallback round-trips
// credentials when Vault is off.
func TestDisabledStoreAndGet(t *testing.T) {
	c := disabledClient(t)
	ctx := context.Background()
	creds := exchange.Credentials{APIKey: "k", SecretKey: "s", Passphrase: "p"}

	if err := c.StoreCredentials(ctx, "u1", "KuCoin", creds); err != nil {
		t.Fatalf("Expected store ok, got %v", err)
	}
	// Venue lookup is case-insensitive.
	got, err := c.GetCredentials(ctx, "u1", "kucoin")
	if err != nil {
		t.Fatalf("Expected get ok, got %v", err)
	}
	if got != creds {
		t.Errorf("Expected %+v, got %+v", creds, got)
	}
}

// TestDisabledGetMissing verifies a miss is an error rather than empty
// credentials.
func TestDisabledGetMissing(t *testing.T) {
	c := disabledClient(t)
	if _, err := c.GetCredentials(context.Background(), "u1", "binance"); err == nil {
		t.Errorf("Expected error for missing credentials")
	}
}

// TestDeleteAndInvalidate verifies removal and per-user invalidation.
func TestDeleteAndInvalidate(t *testing.T) {
	c := disabledClient(t)
	ctx := context.Background()
	creds := exchange.Credentials{APIKey: "k"}

	c.StoreCredentials(ctx, "u1", "binance", creds)
	c.StoreCredentials(ctx, "u1", "mexc", creds)
	c.StoreCredentials(ctx, "u2", "binance", creds)

	if err := c.DeleteCredentials(ctx, "u1", "binance"); err != nil {
		t.Fatalf("Expected delete ok, got %v", err)
	}
	if _, err := c.GetCredentials(ctx, "u1", "binance"); err == nil {
		t.Errorf("Expected deleted credentials gone")
	}

	c.InvalidateUser("u1")
	if _, err := c.GetCredentials(ctx, "u1", "mexc"); err == nil {
		t.Errorf("Expected u1 credentials invalidated")
	}
	if _, err := c.GetCredentials(ctx, "u2", "binance"); err != nil {
		t.Errorf("Expected u2 credentials untouched, got %v", err)
	}
}

// TestDisabledHealth verifies health is a no-op without Vault.
func TestDisabledHealth(t *testing.T) {
	if err := disabledClient(t).Health(context.Background()); err != nil {
		t.Errorf("Expected nil health, got %v", err)
	}
}
