package config

import (
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading key-material
// secrets (server/client key-pair files, spec.md §3) out of Vault instead
// of the local filesystem. It mirrors the shape of every other arc-self
// service's Vault-backed secret loader so operators only need to learn the
// pattern once.
type SecretManager struct {
	client *vaultapi.Client
}

// NewSecretManager creates a Vault client pointed at address and
// authenticated with token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = address

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads a secret from a KV v2 backend at path and returns the inner
// "data" map, unwrapping the v2 envelope.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ResolveKeyMaterial overlays key-file paths found under the given Vault
// KV2 path onto v, for the five key-material fields that may be
// Vault-resolved instead of read from the local filesystem (spec.md §3).
// Keys not present in the secret are left unchanged.
func (s *SecretManager) ResolveKeyMaterial(path string, v *Values) error {
	data, err := s.GetKV2(path)
	if err != nil {
		return err
	}
	assign := func(key string, dst *string) {
		if raw, ok := data[key]; ok {
			if str, ok := raw.(string); ok {
				*dst = str
			}
		}
	}
	assign("server_public_key_file", &v.ServerPublicKeyFile)
	assign("server_secret_key_file", &v.ServerSecretKeyFile)
	assign("client_public_key_file", &v.ClientPublicKeyFile)
	assign("client_secret_key_file", &v.ClientSecretKeyFile)
	assign("clients_public_keys_directory", &v.ClientsPublicKeysDirectory)
	return nil
}
