package secretsource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

const (
	// DefaultVaultMount is the KV v2 mount holding the master secret.
	DefaultVaultMount = "secret"
	// DefaultVaultSecretPath is the path of the master secret within the mount.
	DefaultVaultSecretPath = "fieldkey/encryption/master-key"
)

// Vault stores the master secret in a HashiCorp Vault KV v2 engine under
// the field "key".
type Vault struct {
	kv   *vault.KVv2
	path string
	mu   sync.Mutex
}

// NewVault returns a Vault source authenticating with token.
func NewVault(addr, token, mount, path string) (*Vault, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(token)
	return NewVaultFromClient(client, mount, path), nil
}

// NewVaultFromClient wraps an existing client.
func NewVaultFromClient(client *vault.Client, mount, path string) *Vault {
	if mount == "" {
		mount = DefaultVaultMount
	}
	if path == "" {
		path = DefaultVaultSecretPath
	}
	return &Vault{kv: client.KVv2(mount), path: path}
}

func (v *Vault) Kind() Kind { return KindVault }

func (v *Vault) MasterSecret(ctx context.Context) ([]byte, error) {
	secret, err := v.kv.Get(ctx, v.path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return nil, fmt.Errorf("vault %s: %w", v.path, ErrNotFound)
		}
		return nil, fmt.Errorf("reading vault %s: %w", v.path, err)
	}
	raw, _ := secret.Data[secretField].(string)
	if raw == "" {
		return nil, fmt.Errorf("vault %s: %q field missing: %w", v.path, secretField, ErrNotFound)
	}
	return Normalize(raw)
}

func (v *Vault) RotateMasterSecret(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := newSecretString()
	if err != nil {
		return nil, err
	}
	if _, err := v.kv.Put(ctx, v.path, map[string]any{secretField: raw}); err != nil {
		return nil, fmt.Errorf("writing vault %s: %w", v.path, err)
	}
	return Normalize(raw)
}

// CreateMasterSecret writes an initial secret. KV v2 writes are upserts, so
// this is the same operation as a rotation.
func (v *Vault) CreateMasterSecret(ctx context.Context) ([]byte, error) {
	return v.RotateMasterSecret(ctx)
}
