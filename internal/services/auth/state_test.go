package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/toolbox/internal/apperrors"
)

func TestStateSignVerifyRoundTrip(t *testing.T) {
	codec := NewStateCodec("state-secret", 10*time.Minute)

	token, err := codec.Sign(StatePayload{
		Provider:     "okta",
		Nonce:        "nonce-value",
		CodeVerifier: "verifier-value",
		Next:         "/dashboard",
		Mode:         "popup",
	})
	require.NoError(t, err)

	payload, err := codec.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "okta", payload.Provider)
	assert.Equal(t, "nonce-value", payload.Nonce)
	assert.Equal(t, "verifier-value", payload.CodeVerifier)
	assert.Equal(t, "/dashboard", payload.Next)
	assert.Equal(t, "popup", payload.Mode)
	assert.NotZero(t, payload.IssuedAt)
}

func TestStateVerifyRejectsTampering(t *testing.T) {
	codec := NewStateCodec("state-secret", 10*time.Minute)
	token, err := codec.Sign(StatePayload{Provider: "okta", Nonce: "n"})
	require.NoError(t, err)

	cases := map[string]string{
		"flipped byte":      "A" + token[1:],
		"truncated":         token[:len(token)-4],
		"no separator":      "not-a-state-token",
		"empty":             "",
		"separator at ends": "." + token,
	}
	for name, mangled := range cases {
		_, err := codec.Verify(mangled)
		require.Error(t, err, name)
		assert.Equal(t, "Invalid SSO state token", apperrors.MessageOf(err), name)
		assert.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err), name)
	}
}

func TestStateVerifyRejectsForeignKey(t *testing.T) {
	token, err := NewStateCodec("secret-a", 10*time.Minute).Sign(StatePayload{Provider: "okta", Nonce: "n"})
	require.NoError(t, err)

	_, err = NewStateCodec("secret-b", 10*time.Minute).Verify(token)
	require.Error(t, err)
	assert.Equal(t, "Invalid SSO state token", apperrors.MessageOf(err))
}

func TestStateVerifyExpiry(t *testing.T) {
	codec := NewStateCodec("state-secret", 10*time.Minute)

	stale, err := codec.Sign(StatePayload{
		Provider: "okta",
		Nonce:    "n",
		IssuedAt: time.Now().UTC().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = codec.Verify(stale)
	require.Error(t, err)
	assert.Equal(t, "SSO state token expired", apperrors.MessageOf(err))

	// A zero max age disables the expiry check entirely.
	eternal := NewStateCodec("state-secret", 0)
	staleButSigned, err := eternal.Sign(StatePayload{
		Provider: "okta",
		Nonce:    "n",
		IssuedAt: time.Now().UTC().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)
	_, err = eternal.Verify(staleButSigned)
	assert.NoError(t, err)
}
