package handlers

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
)

// Identity is the authenticated caller the auth middleware attaches to the
// request context after verifying the bearer token.
type Identity struct {
	Claims *models.Claims
	User   *models.User
}

// HasRole reports whether the identity carries the role. Superusers hold
// every role implicitly.
func (id *Identity) HasRole(role string) bool {
	if id == nil || id.User == nil {
		return false
	}
	if id.User.IsSuperuser {
		return true
	}
	if id.Claims == nil {
		return false
	}
	for _, held := range id.Claims.Roles {
		if held == role {
			return true
		}
	}
	return false
}

type contextKey int

const identityContextKey contextKey = iota

// WithIdentity attaches the authenticated caller to the context.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, ident)
}

// IdentityFrom returns the authenticated caller, or nil on public routes.
func IdentityFrom(ctx context.Context) *Identity {
	ident, _ := ctx.Value(identityContextKey).(*Identity)
	return ident
}

// RequestMeta captures the caller's address and agent for audit records.
func RequestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{SourceIP: clientIP(r), UserAgent: r.UserAgent()}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// actorID returns the audit actor for the request, nil when anonymous.
func actorID(r *http.Request) *string {
	ident := IdentityFrom(r.Context())
	if ident == nil || ident.User == nil {
		return nil
	}
	id := ident.User.ID
	return &id
}
