package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/toolbox/internal/models"
)

func TestIdentityHasRole(t *testing.T) {
	var nilIdentity *Identity
	assert.False(t, nilIdentity.HasRole("admin"))
	assert.False(t, (&Identity{}).HasRole("admin"))

	operator := &Identity{
		User:   &models.User{ID: "u1"},
		Claims: &models.Claims{Roles: []string{"operator", "viewer"}},
	}
	assert.True(t, operator.HasRole("operator"))
	assert.False(t, operator.HasRole("admin"))

	super := &Identity{User: &models.User{ID: "u2", IsSuperuser: true}}
	assert.True(t, super.HasRole("admin"), "superusers hold every role")
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:52000"
	assert.Equal(t, "10.1.2.3", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.1.2.3")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}

func TestRequestMetaCapturesAgent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "toolbox-cli/1.0")
	meta := RequestMeta(req)
	assert.Equal(t, "toolbox-cli/1.0", meta.UserAgent)
	assert.NotEmpty(t, meta.SourceIP)
}

func TestActorID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, actorID(req))

	req = req.WithContext(WithIdentity(req.Context(), &Identity{User: &models.User{ID: "u1"}}))
	actor := actorID(req)
	require.NotNil(t, actor)
	assert.Equal(t, "u1", *actor)
}
