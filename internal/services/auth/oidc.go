// -----------------------------------------------------------------------
// OIDC Provider - authorization-code flow with PKCE, nonce, and state
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

const discoveryPathSuffix = "/.well-known/openid-configuration"

// OIDCConfig is the definition shape for an OIDC provider.
type OIDCConfig struct {
	ProviderBase
	DiscoveryURL    string              `json:"discovery_url"`
	ClientID        string              `json:"client_id"`
	ClientSecret    string              `json:"client_secret"`
	RedirectBaseURL string              `json:"redirect_base_url"`
	Scopes          []string            `json:"scopes"`
	Prompt          string              `json:"prompt"`
	Audience        string              `json:"audience"`
	ClaimMappings   map[string]string   `json:"claim_mappings"`
	GroupClaim      string              `json:"group_claim"`
	RoleMappings    map[string][]string `json:"role_mappings"`
	UsePKCE         *bool               `json:"use_pkce"`
}

func (c *OIDCConfig) usePKCE() bool {
	return c.UsePKCE == nil || *c.UsePKCE
}

func (c *OIDCConfig) scopes() []string {
	if len(c.Scopes) == 0 {
		return []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	return c.Scopes
}

// claimMapping folds configured overrides over the standard claim names.
func (c *OIDCConfig) claimMapping() map[string]string {
	mapping := map[string]string{
		"username":     "preferred_username",
		"email":        "email",
		"display_name": "name",
	}
	for key, value := range c.ClaimMappings {
		mapping[key] = value
	}
	return mapping
}

// issuer derives the issuer URL go-oidc expects from a full discovery URL.
func (c *OIDCConfig) issuer() string {
	return strings.TrimSuffix(strings.TrimSuffix(c.DiscoveryURL, discoveryPathSuffix), "/")
}

// OIDCProvider drives the authorization-code flow against one upstream.
// Discovery happens lazily on first use so a provider with an unreachable
// issuer can still be registered at startup.
type OIDCProvider struct {
	config OIDCConfig
	codec  *StateCodec
	client *http.Client
	logger arbor.ILogger

	mu       sync.Mutex
	upstream *gooidc.Provider
}

func NewOIDCProvider(config OIDCConfig, codec *StateCodec, logger arbor.ILogger) *OIDCProvider {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &OIDCProvider{
		config: config,
		codec:  codec,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.WithPrefix("auth.oidc"),
	}
}

func (p *OIDCProvider) Name() string        { return p.config.Name }
func (p *OIDCProvider) Type() string        { return models.ProviderTypeOIDC }
func (p *OIDCProvider) DisplayName() string { return p.config.EffectiveDisplayName() }
func (p *OIDCProvider) Flow() string        { return FlowRedirect }

// discover fetches and caches the upstream metadata. Failures are not
// cached so a transient outage heals on the next attempt.
func (p *OIDCProvider) discover(ctx context.Context) (*gooidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upstream != nil {
		return p.upstream, nil
	}
	upstream, err := gooidc.NewProvider(gooidc.ClientContext(ctx, p.client), p.config.issuer())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBadGateway, err, "OIDC discovery failed")
	}
	p.upstream = upstream
	return upstream, nil
}

func (p *OIDCProvider) redirectURI(baseURL string) string {
	base := p.config.RedirectBaseURL
	if base == "" {
		base = baseURL
	}
	return strings.TrimSuffix(base, "/") + "/auth/sso/" + p.config.Name + "/callback"
}

func (p *OIDCProvider) oauthConfig(upstream *gooidc.Provider, baseURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		Endpoint:     upstream.Endpoint(),
		RedirectURL:  p.redirectURI(baseURL),
		Scopes:       p.config.scopes(),
	}
}

// Begin builds the upstream authorization URL and signs the state that
// rides along: nonce always, the PKCE verifier when enabled, plus the
// caller's next/mode so the callback can finish the journey.
func (p *OIDCProvider) Begin(ctx context.Context, req *BeginRequest) (*models.BeginLoginResponse, error) {
	upstream, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := randomURLToken(16)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to generate nonce")
	}

	payload := StatePayload{
		Provider: p.config.Name,
		Nonce:    nonce,
		Next:     req.Next,
		Mode:     req.Mode,
	}

	options := []oauth2.AuthCodeOption{gooidc.Nonce(nonce)}
	if p.config.usePKCE() {
		verifier := oauth2.GenerateVerifier()
		payload.CodeVerifier = verifier
		options = append(options, oauth2.S256ChallengeOption(verifier))
	}
	if p.config.Prompt != "" {
		options = append(options, oauth2.SetAuthURLParam("prompt", p.config.Prompt))
	}
	if p.config.Audience != "" {
		options = append(options, oauth2.SetAuthURLParam("audience", p.config.Audience))
	}

	state, err := p.codec.Sign(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to sign SSO state")
	}

	url := p.oauthConfig(upstream, req.BaseURL).AuthCodeURL(state, options...)
	return &models.BeginLoginResponse{Type: FlowRedirect, URL: url}, nil
}

// Complete exchanges the authorization code, verifies the ID token against
// the upstream keys, checks the nonce, and maps claims onto an AuthResult.
func (p *OIDCProvider) Complete(ctx context.Context, req *CompleteRequest) (*models.AuthResult, error) {
	if req.Code == "" || req.State == nil {
		return nil, apperrors.New(apperrors.KindInvalid, "Missing authorization response")
	}

	upstream, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	clientCtx := gooidc.ClientContext(ctx, p.client)
	exchangeOptions := []oauth2.AuthCodeOption{}
	if req.State.CodeVerifier != "" {
		exchangeOptions = append(exchangeOptions, oauth2.VerifierOption(req.State.CodeVerifier))
	}
	token, err := p.oauthConfig(upstream, req.BaseURL).Exchange(clientCtx, req.Code, exchangeOptions...)
	if err != nil {
		p.logger.Error().Err(err).Str("provider", p.config.Name).Msg("OIDC token exchange failed")
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, err, "OIDC token exchange failed")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, apperrors.New(apperrors.KindUnauthorized, "OIDC id_token missing")
	}

	audience := p.config.Audience
	if audience == "" {
		audience = p.config.ClientID
	}
	verifier := upstream.Verifier(&gooidc.Config{
		ClientID:             audience,
		SupportedSigningAlgs: p.supportedAlgs(upstream, rawIDToken),
	})
	idToken, err := verifier.Verify(clientCtx, rawIDToken)
	if err != nil {
		p.logger.Error().Err(err).Str("provider", p.config.Name).Msg("OIDC token validation failed")
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, err, "OIDC token validation failed")
	}

	if req.State.Nonce != "" && idToken.Nonce != req.State.Nonce {
		return nil, apperrors.New(apperrors.KindUnauthorized, "OIDC nonce mismatch")
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, err, "OIDC token validation failed")
	}

	mapping := p.config.claimMapping()
	username, _ := claims[mapping["username"]].(string)
	if username == "" {
		return nil, apperrors.New(apperrors.KindInvalid, "OIDC username missing")
	}
	email, _ := claims[mapping["email"]].(string)
	displayName, _ := claims[mapping["display_name"]].(string)
	if displayName == "" {
		displayName = username
	}

	return &models.AuthResult{
		ExternalID:  idToken.Subject,
		Username:    username,
		Email:       email,
		DisplayName: displayName,
		Provider:    p.config.Name,
		Attributes:  map[string]interface{}{"claims": claims},
		Roles:       p.mapRoles(p.groups(claims)),
	}, nil
}

// supportedAlgs returns the metadata's advertised algorithms with the
// token's own algorithm promoted to the front, defaulting to RS256 when
// the upstream advertises nothing.
func (p *OIDCProvider) supportedAlgs(upstream *gooidc.Provider, rawIDToken string) []string {
	var metadata struct {
		Algs []string `json:"id_token_signing_alg_values_supported"`
	}
	algs := []string{gooidc.RS256}
	if err := upstream.Claims(&metadata); err == nil && len(metadata.Algs) > 0 {
		algs = metadata.Algs
	}
	tokenAlg := headerAlg(rawIDToken)
	if tokenAlg == "" {
		return algs
	}
	ordered := []string{tokenAlg}
	for _, alg := range algs {
		if alg != tokenAlg {
			ordered = append(ordered, alg)
		}
	}
	return ordered
}

func headerAlg(rawToken string) string {
	head, _, found := strings.Cut(rawToken, ".")
	if !found {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(head)
	if err != nil {
		return ""
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(decoded, &header); err != nil {
		return ""
	}
	return header.Alg
}

// groups pulls the configured group claim, tolerating a bare string.
func (p *OIDCProvider) groups(claims map[string]interface{}) []string {
	if p.config.GroupClaim == "" {
		return nil
	}
	switch raw := claims[p.config.GroupClaim].(type) {
	case string:
		return []string{raw}
	case []interface{}:
		groups := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				groups = append(groups, s)
			}
		}
		return groups
	default:
		return nil
	}
}

// mapRoles unions the default roles with every mapping hit, sorted for
// stable output.
func (p *OIDCProvider) mapRoles(groups []string) []string {
	roles := make(map[string]bool)
	for _, role := range p.config.Roles() {
		roles[role] = true
	}
	for _, group := range groups {
		for _, role := range p.config.RoleMappings[group] {
			roles[role] = true
		}
	}
	out := make([]string, 0, len(roles))
	for role := range roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

func randomURLToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
