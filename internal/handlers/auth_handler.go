package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/services/auth"
)

const (
	refreshCookieName = "refresh_token"
	refreshCookiePath = "/auth/refresh"
)

// AuthHandler serves the login, SSO, refresh, and session surface.
type AuthHandler struct {
	service *auth.Service
	config  *common.Config
	logger  arbor.ILogger
}

func NewAuthHandler(service *auth.Service, config *common.Config, logger arbor.ILogger) *AuthHandler {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &AuthHandler{
		service: service,
		config:  config,
		logger:  logger.WithPrefix("auth-api"),
	}
}

// ListProvidersHandler handles GET /auth/providers, the public listing the
// login page renders buttons from.
func (h *AuthHandler) ListProvidersHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{"providers": h.service.Providers()})
}

type beginLoginRequest struct {
	Next string `json:"next"`
	Mode string `json:"mode"`
}

// BeginProviderHandler handles POST /auth/providers/{name}/begin. Redirect
// providers answer with the upstream authorization URL; form providers
// answer with a form marker.
func (h *AuthHandler) BeginProviderHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(PathParam(r.URL.Path, "/auth/providers/"), "/begin")

	var req beginLoginRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := DecodeJSON(r, &req); err != nil {
			RespondError(w, err)
			return
		}
	}
	if req.Next == "" {
		req.Next = r.URL.Query().Get("next")
	}
	if req.Mode == "" {
		req.Mode = r.URL.Query().Get("mode")
	}

	begun, err := h.service.Begin(r.Context(), name, &auth.BeginRequest{
		BaseURL: requestBaseURL(r),
		Next:    req.Next,
		Mode:    req.Mode,
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, begun)
}

// ProviderCallbackHandler handles GET /auth/providers/{name}/callback. The
// state token is verified first; popup-mode logins answer with a page that
// hands the tokens to the opener window, anything else 302s back to the
// frontend with only the refresh cookie set.
func (h *AuthHandler) ProviderCallbackHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(PathParam(r.URL.Path, "/auth/providers/"), "/callback")

	state, err := h.service.VerifyState(name, r.URL.Query().Get("state"))
	if err != nil {
		RespondError(w, err)
		return
	}

	login, err := h.service.CompleteSSO(r.Context(), name, &auth.CompleteRequest{
		BaseURL: requestBaseURL(r),
		Code:    r.URL.Query().Get("code"),
		State:   state,
		Meta:    RequestMeta(r),
	})
	if err != nil {
		RespondError(w, err)
		return
	}

	h.setRefreshCookie(w, login.TokenBundle)
	if state.Mode == "popup" {
		h.writePopupPage(w, r, state, login)
		return
	}
	http.Redirect(w, r, h.redirectTarget(state.Next), http.StatusFound)
}

// LoginHandler handles POST /auth/login/{provider} for form-flow
// credential providers.
func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	name := PathParam(r.URL.Path, "/auth/login/")

	var creds models.LoginRequest
	if err := DecodeJSON(r, &creds); err != nil {
		RespondError(w, err)
		return
	}
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		RespondError(w, apperrors.New(apperrors.KindInvalid, "username and password are required"))
		return
	}

	login, err := h.service.Login(r.Context(), name, &creds, RequestMeta(r))
	if err != nil {
		RespondError(w, err)
		return
	}

	h.setRefreshCookie(w, login.TokenBundle)
	WriteJSON(w, http.StatusOK, login)
}

// RefreshHandler handles POST /auth/refresh. The token is read from the
// refresh cookie first, then from a JSON body for clients that cannot
// carry cookies.
func (h *AuthHandler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		token = cookie.Value
	}
	if token == "" && r.Body != nil && r.ContentLength != 0 {
		var req models.RefreshRequest
		if err := DecodeJSON(r, &req); err == nil {
			token = req.RefreshToken
		}
	}
	if token == "" {
		RespondError(w, apperrors.New(apperrors.KindInvalid, "Refresh token missing"))
		return
	}

	login, err := h.service.Refresh(r.Context(), token, RequestMeta(r))
	if err != nil {
		RespondError(w, err)
		return
	}

	h.setRefreshCookie(w, login.TokenBundle)
	WriteJSON(w, http.StatusOK, login)
}

// LogoutHandler handles POST /auth/logout. Logout never fails for token
// reasons; an absent or stale cookie still clears state.
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		token = cookie.Value
	}
	if token != "" {
		if err := h.service.Logout(r.Context(), token, RequestMeta(r)); err != nil {
			RespondError(w, err)
			return
		}
	}

	h.clearRefreshCookie(w)
	WriteJSON(w, http.StatusOK, map[string]string{"detail": "Logged out"})
}

// MeHandler handles GET /auth/me for the authenticated caller.
func (h *AuthHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	ident := IdentityFrom(r.Context())
	if ident == nil || ident.User == nil {
		RespondError(w, apperrors.New(apperrors.KindUnauthorized, "Not authenticated"))
		return
	}

	provider := ""
	sessionID := ""
	if ident.Claims != nil {
		provider = ident.Claims.Provider
		sessionID = ident.Claims.SessionID
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":       models.NewUserProfile(ident.User),
		"provider":   provider,
		"session_id": sessionID,
	})
}

// writePopupPage renders the page a popup-mode SSO window serves: it posts
// the login payload to the opener and closes itself, falling back to a
// plain redirect when no opener survived.
func (h *AuthHandler) writePopupPage(w http.ResponseWriter, r *http.Request, state *auth.StatePayload, login *models.LoginResponse) {
	nextHint := state.Next
	if nextHint == "" {
		nextHint = h.config.Frontend.BaseURL
	}
	if nextHint == "" {
		nextHint = requestBaseURL(r)
	}
	targetOrigin := nextHint
	if parsed, err := url.Parse(nextHint); err == nil && parsed.Scheme != "" {
		targetOrigin = parsed.Scheme + "://" + parsed.Host
	}

	message, err := json.Marshal(map[string]interface{}{
		"type":    "sre-toolbox:auth",
		"payload": login,
	})
	if err != nil {
		RespondError(w, apperrors.Wrap(apperrors.KindInternal, err, "failed to encode login payload"))
		return
	}
	origin, _ := json.Marshal(targetOrigin)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Authentication Complete</title>
</head>
<body>
  <script>
    (function () {
      var message = %s;
      var targetOrigin = %s;
      if (window.opener && !window.opener.closed) {
        window.opener.postMessage(message, targetOrigin);
        window.close();
      } else {
        window.location.assign(targetOrigin || '/');
      }
    })();
  </script>
</body>
</html>
`, message, origin)
}

// redirectTarget joins the state's next hint onto the frontend base URL.
// Absolute hints win outright; everything else lands on the frontend.
func (h *AuthHandler) redirectTarget(next string) string {
	if parsed, err := url.Parse(next); err == nil && parsed.Scheme != "" {
		return next
	}

	base := strings.TrimSuffix(h.config.Frontend.BaseURL, "/")
	if next == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	if !strings.HasPrefix(next, "/") {
		next = "/" + next
	}
	return base + next
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, bundle models.TokenBundle) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    bundle.RefreshToken,
		MaxAge:   h.config.Auth.RefreshTokenTTLSeconds,
		HttpOnly: true,
		Secure:   h.config.Auth.CookieSecure,
		SameSite: sameSiteMode(h.config.Auth.CookieSameSite),
		Domain:   h.config.Auth.CookieDomain,
		Path:     refreshCookiePath,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Auth.CookieSecure,
		SameSite: sameSiteMode(h.config.Auth.CookieSameSite),
		Domain:   h.config.Auth.CookieDomain,
		Path:     refreshCookiePath,
	})
}

func sameSiteMode(value string) http.SameSite {
	switch strings.ToLower(value) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// requestBaseURL reconstructs the externally visible server root used to
// build SSO callback URLs.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
