// -----------------------------------------------------------------------
// Secret Store - Resolves secret references in provider configs
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/common"
)

// Secret reference prefixes accepted in provider config values. Anything
// without a prefix is treated as the literal secret.
const (
	secretRefEnv   = "env:"
	secretRefVault = "vault:"
)

// SecretStore resolves secret references of the form "env:NAME" or
// "vault:secret/data/path#field". Plain values pass through unchanged so
// configs can inline secrets in development.
type SecretStore struct {
	vaultAddr  string
	vaultToken string
	client     *http.Client
	logger     arbor.ILogger
}

// NewSecretStore builds a resolver. Vault access is optional; vault: refs
// fail with a clear error when no address is configured.
func NewSecretStore(config *common.VaultConfig, logger arbor.ILogger) *SecretStore {
	addr := ""
	token := ""
	if config != nil {
		addr = strings.TrimRight(strings.TrimSpace(config.Addr), "/")
		token = strings.TrimSpace(config.Token)
	}
	return &SecretStore{
		vaultAddr:  addr,
		vaultToken: token,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// IsRef reports whether a value is a secret reference rather than a literal.
func IsRef(value string) bool {
	return strings.HasPrefix(value, secretRefEnv) || strings.HasPrefix(value, secretRefVault)
}

// Resolve returns the secret a reference points at. Literal values return
// unchanged.
func (s *SecretStore) Resolve(ctx context.Context, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, secretRefEnv):
		name := strings.TrimPrefix(value, secretRefEnv)
		resolved := os.Getenv(name)
		if resolved == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return resolved, nil
	case strings.HasPrefix(value, secretRefVault):
		return s.resolveVault(ctx, strings.TrimPrefix(value, secretRefVault))
	default:
		return value, nil
	}
}

// resolveVault reads "path#field" from the Vault KV HTTP API. Both KV v2
// ({data:{data:{...}}}) and v1 ({data:{...}}) response shapes are handled.
func (s *SecretStore) resolveVault(ctx context.Context, ref string) (string, error) {
	if s.vaultAddr == "" {
		return "", fmt.Errorf("vault reference %q used but vault.addr is not configured", ref)
	}

	path := ref
	field := "value"
	if idx := strings.LastIndex(ref, "#"); idx >= 0 {
		path = ref[:idx]
		field = ref[idx+1:]
	}
	path = strings.TrimLeft(path, "/")
	if path == "" || field == "" {
		return "", fmt.Errorf("invalid vault reference %q", ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.vaultAddr+"/v1/"+path, nil)
	if err != nil {
		return "", err
	}
	if s.vaultToken != "" {
		req.Header.Set("X-Vault-Token", s.vaultToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault returned HTTP %d for %s", resp.StatusCode, path)
	}

	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid vault response: %w", err)
	}

	fields := body.Data
	if nested, ok := body.Data["data"].(map[string]interface{}); ok {
		fields = nested
	}
	secret, ok := fields[field].(string)
	if !ok || secret == "" {
		return "", fmt.Errorf("vault secret %s has no field %q", path, field)
	}
	return secret, nil
}

// resolveConfigSecrets walks a provider config map and resolves every
// string value that looks like a secret reference. The map is modified in
// place; the first unresolvable reference aborts the provider load.
func resolveConfigSecrets(ctx context.Context, store *SecretStore, config map[string]interface{}) error {
	if store == nil {
		return nil
	}
	for key, raw := range config {
		value, ok := raw.(string)
		if !ok || !IsRef(value) {
			continue
		}
		resolved, err := store.Resolve(ctx, value)
		if err != nil {
			return fmt.Errorf("failed to resolve secret for %s: %w", key, err)
		}
		config[key] = resolved
	}
	return nil
}
