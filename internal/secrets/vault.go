package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig holds Vault connection configuration.
type VaultConfig struct {
	Address      string        // Vault server address
	Token        string        // auth token; falls back to VAULT_TOKEN
	MountPath    string        // KV v2 mount (default "secret")
	PollInterval time.Duration // Watch polling cadence
}

// VaultStore is a Store backed by a HashiCorp Vault KV v2 mount.
// Watch is poll-based: Vault KV has no native change stream.
type VaultStore struct {
	client *vault.Client
	mount  string
	poll   time.Duration
}

// NewVaultStore creates a Vault-backed secret store.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vaultCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set VAULT_TOKEN)")
	}
	client.SetToken(token)

	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	log.Info().
		Str("address", vaultCfg.Address).
		Str("mount", mount).
		Dur("poll_interval", poll).
		Msg("Vault secret store initialized")

	return &VaultStore{client: client, mount: mount, poll: poll}, nil
}

// Get reads a secret's "value" field from the KV v2 mount.
func (s *VaultStore) Get(ctx context.Context, name string) ([]byte, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, name)
	if err != nil {
		if err == vault.ErrSecretNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
	}

	value, ok := secret.Data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("secret %s has no string \"value\" field", name)
	}
	return []byte(value), nil
}

// Put writes a secret's "value" field.
func (s *VaultStore) Put(ctx context.Context, name string, value []byte) error {
	_, err := s.client.KVv2(s.mount).Put(ctx, name, map[string]interface{}{
		"value": string(value),
	})
	if err != nil {
		return fmt.Errorf("failed to write secret %s: %w", name, err)
	}
	return nil
}

// Watch polls the secret and delivers the initial value plus changes.
func (s *VaultStore) Watch(ctx context.Context, name string) (<-chan []byte, error) {
	ch := make(chan []byte, 4)

	var last []byte
	if v, err := s.Get(ctx, name); err == nil {
		last = v
		ch <- v
	} else {
		log.Warn().Err(err).Str("secret", name).Msg("Watch started before secret exists")
	}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v, err := s.Get(ctx, name)
				if err != nil {
					log.Warn().Err(err).Str("secret", name).Msg("Secret poll failed")
					continue
				}
				if bytes.Equal(v, last) {
					continue
				}
				last = v
				select {
				case ch <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}
