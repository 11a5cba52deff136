// Package secrets adapts the Vault secret store to the gateway's
// just-in-time credential model. Credentials are fetched per request and
// destroyed before the request frame returns.
package secrets

import (
	"context"
	"fmt"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// Provider fetches ephemeral provider credentials.
type Provider interface {
	Get(ctx context.Context, path string) (*Credential, error)
}

// Credential is an ephemeral provider API key. It must not be stored in any
// component whose lifetime exceeds one request, and its content must never
// be logged.
type Credential struct {
	key       []byte
	fetchedAt time.Time
}

// APIKey returns the credential material. Empty after Destroy.
func (c *Credential) APIKey() string {
	return string(c.key)
}

// FetchedAt returns when the credential was read from the store.
func (c *Credential) FetchedAt() time.Time {
	return c.fetchedAt
}

// Destroy zeroes the credential material. Safe to call more than once; the
// pipeline defers it on every exit path.
func (c *Credential) Destroy() {
	for i := range c.key {
		c.key[i] = 0
	}
	c.key = nil
}

// Config holds the AppRole identity used to authenticate at startup.
type Config struct {
	Address  string
	RoleID   string
	SecretID string
}

// VaultProvider is a thin wrapper over the Vault API client. The client is
// process-wide and authenticated once; only credentials are per-request.
type VaultProvider struct {
	client *vault.Client
	logger *zap.Logger
}

// NewVaultProvider creates the client and performs the AppRole login.
// A failed login is a startup failure.
func NewVaultProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*VaultProvider, error) {
	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	login, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("vault approle login failed: %w", err)
	}
	if login == nil || login.Auth == nil || login.Auth.ClientToken == "" {
		return nil, fmt.Errorf("vault approle login returned no token")
	}
	client.SetToken(login.Auth.ClientToken)

	logger.Info("Vault client authenticated")

	return &VaultProvider{client: client, logger: logger}, nil
}

// Get reads the secret at path and returns an ephemeral credential. Both KV
// v1 (api_key at the top level) and KV v2 (nested under "data") layouts are
// accepted.
func (p *VaultProvider) Get(ctx context.Context, path string) (*Credential, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault read failed for %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	key, ok := data["api_key"].(string)
	if !ok || key == "" {
		return nil, fmt.Errorf("invalid secret structure at %s: missing api_key", path)
	}

	return &Credential{key: []byte(key), fetchedAt: time.Now()}, nil
}
