package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/common"
)

func TestIsRef(t *testing.T) {
	assert.True(t, IsRef("env:LDAP_BIND_PASSWORD"))
	assert.True(t, IsRef("vault:secret/data/toolbox#client_secret"))
	assert.False(t, IsRef("plain-secret"))
	assert.False(t, IsRef(""))
}

func TestResolveEnvReference(t *testing.T) {
	store := NewSecretStore(nil, arbor.NewLogger())
	t.Setenv("TOOLBOX_TEST_SECRET", "hunter2")

	resolved, err := store.Resolve(context.Background(), "env:TOOLBOX_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", resolved)

	_, err = store.Resolve(context.Background(), "env:TOOLBOX_TEST_UNSET")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOOLBOX_TEST_UNSET is not set")
}

func TestResolvePassesLiteralsThrough(t *testing.T) {
	store := NewSecretStore(nil, arbor.NewLogger())
	resolved, err := store.Resolve(context.Background(), "inline-password")
	require.NoError(t, err)
	assert.Equal(t, "inline-password", resolved)
}

func TestResolveVaultKVv2(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/toolbox/oidc", r.URL.Path)
		assert.Equal(t, "unit-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"data": {"client_secret": "s3cr3t", "other": "x"}}}`))
	}))
	defer server.Close()

	store := NewSecretStore(&common.VaultConfig{Addr: server.URL + "/", Token: "unit-token"}, arbor.NewLogger())
	resolved, err := store.Resolve(context.Background(), "vault:secret/data/toolbox/oidc#client_secret")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", resolved)
}

func TestResolveVaultKVv1DefaultsField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/toolbox/bind", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"value": "legacy-secret"}}`))
	}))
	defer server.Close()

	store := NewSecretStore(&common.VaultConfig{Addr: server.URL}, arbor.NewLogger())
	// No #field suffix: "value" is the default.
	resolved, err := store.Resolve(context.Background(), "vault:secret/toolbox/bind")
	require.NoError(t, err)
	assert.Equal(t, "legacy-secret", resolved)
}

func TestResolveVaultErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/secret/missing":
			http.Error(w, "not found", http.StatusNotFound)
		case "/v1/secret/wrong-field":
			w.Write([]byte(`{"data": {"value": "x"}}`))
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer server.Close()

	store := NewSecretStore(&common.VaultConfig{Addr: server.URL}, arbor.NewLogger())
	ctx := context.Background()

	_, err := store.Resolve(ctx, "vault:secret/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	_, err = store.Resolve(ctx, "vault:secret/wrong-field#client_secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no field "client_secret"`)

	_, err = store.Resolve(ctx, "vault:secret/garbled")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid vault response")

	_, err = store.Resolve(ctx, "vault:#field")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid vault reference")
}

func TestResolveVaultWithoutAddress(t *testing.T) {
	store := NewSecretStore(nil, arbor.NewLogger())
	_, err := store.Resolve(context.Background(), "vault:secret/toolbox#field")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault.addr is not configured")
}

func TestResolveConfigSecrets(t *testing.T) {
	t.Setenv("TOOLBOX_TEST_CLIENT_SECRET", "from-env")
	store := NewSecretStore(nil, arbor.NewLogger())

	config := map[string]interface{}{
		"name":          "corp-oidc",
		"client_secret": "env:TOOLBOX_TEST_CLIENT_SECRET",
		"client_id":     "literal-id",
		"enabled":       true,
	}
	require.NoError(t, resolveConfigSecrets(context.Background(), store, config))
	assert.Equal(t, "from-env", config["client_secret"])
	assert.Equal(t, "literal-id", config["client_id"])
	assert.Equal(t, true, config["enabled"])

	// The first unresolvable reference aborts with the offending key named.
	broken := map[string]interface{}{"bind_password": "env:TOOLBOX_TEST_ABSENT"}
	err := resolveConfigSecrets(context.Background(), store, broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve secret for bind_password")

	// A nil store is a no-op.
	require.NoError(t, resolveConfigSecrets(context.Background(), nil, broken))
}
