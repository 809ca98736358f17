package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/handlers"
)

// bearerToken pulls the access token off the request. Websocket clients
// cannot set Authorization headers from the browser, so the access_token
// query parameter is accepted as a fallback.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// authenticate resolves the bearer token into an identity and stores it on
// the request context. Requests without a valid token are rejected.
func (s *Server) authenticate(next http.HandlerFunc) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			handlers.RespondError(w, apperrors.New(apperrors.KindUnauthorized, "Not authenticated"))
			return
		}

		claims, user, err := s.app.AuthService.Authenticate(r.Context(), token)
		if err != nil {
			handlers.RespondError(w, err)
			return
		}

		ident := &handlers.Identity{Claims: claims, User: user}
		next(w, r.WithContext(handlers.WithIdentity(r.Context(), ident)))
	}
}

// requireRole gates a handler behind a role slug. Superusers pass every
// role check.
func (s *Server) requireRole(role string, next http.HandlerFunc) func(http.ResponseWriter, *http.Request) {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		ident := handlers.IdentityFrom(r.Context())
		if ident == nil || !ident.HasRole(role) {
			handlers.RespondError(w, apperrors.New(apperrors.KindForbidden, "Insufficient role"))
			return
		}
		next(w, r)
	})
}

// requireSuperuser gates a handler behind the superuser flag.
func (s *Server) requireSuperuser(next http.HandlerFunc) func(http.ResponseWriter, *http.Request) {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		ident := handlers.IdentityFrom(r.Context())
		if ident == nil || ident.User == nil || !ident.User.IsSuperuser {
			handlers.RespondError(w, apperrors.New(apperrors.KindForbidden, "Superuser required"))
			return
		}
		next(w, r)
	})
}
