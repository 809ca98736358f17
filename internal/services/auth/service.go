// -----------------------------------------------------------------------
// Auth Service - login, SSO, refresh, and logout orchestration
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
)

// Service ties providers, tokens, sessions, users, and audit together into
// the flows the HTTP layer exposes.
type Service struct {
	config   *common.AuthConfig
	registry *Registry
	tokens   *TokenService
	sessions *SessionStore
	users    *Users
	audit    *Audit
	codec    *StateCodec
	logger   arbor.ILogger
}

func NewService(
	config *common.AuthConfig,
	registry *Registry,
	tokens *TokenService,
	sessions *SessionStore,
	users *Users,
	audit *Audit,
	codec *StateCodec,
	logger arbor.ILogger,
) *Service {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &Service{
		config:   config,
		registry: registry,
		tokens:   tokens,
		sessions: sessions,
		users:    users,
		audit:    audit,
		codec:    codec,
		logger:   logger.WithPrefix("auth"),
	}
}

// Providers lists the public login options.
func (s *Service) Providers() []models.ProviderDescriptor {
	return s.registry.List()
}

func (s *Service) provider(name string) (Provider, error) {
	provider := s.registry.Get(name)
	if provider == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "Provider not found")
	}
	return provider, nil
}

// Begin starts a provider's login flow: a redirect URL for SSO providers,
// a form marker for credential providers.
func (s *Service) Begin(ctx context.Context, providerName string, req *BeginRequest) (*models.BeginLoginResponse, error) {
	provider, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	return provider.Begin(ctx, req)
}

// Login completes a form-flow login with inline credentials.
func (s *Service) Login(ctx context.Context, providerName string, creds *models.LoginRequest, meta RequestMeta) (*models.LoginResponse, error) {
	provider, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	result, err := provider.Complete(ctx, &CompleteRequest{
		Username: creds.Username,
		Password: creds.Password,
		Meta:     meta,
	})
	if err != nil {
		return nil, err
	}
	return s.finishLogin(ctx, provider, result, meta)
}

// VerifyState checks an SSO state token and confirms it was minted for the
// named provider.
func (s *Service) VerifyState(providerName, rawState string) (*StatePayload, error) {
	payload, err := s.codec.Verify(rawState)
	if err != nil {
		return nil, err
	}
	if payload.Provider != providerName {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Invalid SSO state token")
	}
	return payload, nil
}

// CompleteSSO finishes a redirect-flow callback. The state must already be
// verified; it carries the nonce and PKCE verifier the provider needs.
func (s *Service) CompleteSSO(ctx context.Context, providerName string, req *CompleteRequest) (*models.LoginResponse, error) {
	provider, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	result, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.finishLogin(ctx, provider, result, req.Meta)
}

// finishLogin resolves the provider result to a local account, issues the
// token pair, stores the session, and audits the success.
func (s *Service) finishLogin(ctx context.Context, provider Provider, result *models.AuthResult, meta RequestMeta) (*models.LoginResponse, error) {
	user, err := s.resolveUser(ctx, provider, result, meta)
	if err != nil {
		return nil, err
	}
	bundle, err := s.issueTokens(ctx, user, provider.Name(), meta)
	if err != nil {
		return nil, err
	}
	return &models.LoginResponse{TokenBundle: *bundle, User: models.NewUserProfile(user)}, nil
}

// resolveUser maps a provider result onto an account. Local results must
// already exist; SSO results match a linked identity, then the email, and
// finally provision a fresh account.
func (s *Service) resolveUser(ctx context.Context, provider Provider, result *models.AuthResult, meta RequestMeta) (*models.User, error) {
	var user *models.User
	var err error

	if provider.Type() == models.ProviderTypeLocal {
		user, err = s.users.GetByUsername(ctx, result.Username)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, apperrors.New(apperrors.KindUnauthorized, "User not found")
		}
	} else {
		user, err = s.users.FindByIdentity(ctx, provider.Name(), result.ExternalID)
		if err != nil {
			return nil, err
		}
		if user == nil && result.Email != "" {
			user, err = s.users.GetByEmail(ctx, result.Email)
			if err != nil {
				return nil, err
			}
			if user != nil {
				if err := s.users.LinkIdentity(ctx, user, provider.Name(), result.ExternalID, result.Attributes); err != nil {
					return nil, err
				}
			}
		}
		if user == nil {
			user, err = s.users.Provision(ctx, provider.Name(), result)
			if err != nil {
				return nil, err
			}
			s.audit.Record(ctx, &AuditEntry{
				Event:  EventUserProvision,
				UserID: &user.ID,
				Payload: map[string]interface{}{
					"provider":    provider.Name(),
					"external_id": result.ExternalID,
				},
				SourceIP:  meta.SourceIP,
				UserAgent: meta.UserAgent,
			})
		}
	}

	if err := s.syncProfile(ctx, user, result); err != nil {
		return nil, err
	}
	if err := s.users.AssignRoles(ctx, user, result.Roles); err != nil {
		return nil, err
	}
	if err := s.users.MarkLogin(ctx, user); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &AuditEntry{
		Event:     EventLoginSuccess,
		UserID:    &user.ID,
		Payload:   map[string]interface{}{"provider": provider.Name()},
		SourceIP:  meta.SourceIP,
		UserAgent: meta.UserAgent,
	})
	return user, nil
}

// syncProfile copies fresher email / display name from the provider result.
func (s *Service) syncProfile(ctx context.Context, user *models.User, result *models.AuthResult) error {
	updates := map[string]interface{}{}
	if result.Email != "" && (user.Email == nil || *user.Email != result.Email) {
		email := result.Email
		user.Email = &email
		updates["email"] = email
	}
	if result.DisplayName != "" && (user.DisplayName == nil || *user.DisplayName != result.DisplayName) {
		displayName := result.DisplayName
		user.DisplayName = &displayName
		updates["display_name"] = displayName
	}
	if len(updates) == 0 {
		return nil
	}
	err := s.users.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(updates).Error
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to sync profile")
	}
	return nil
}

// effectiveRoles returns the user's role slugs with system.admin appended
// for superusers.
func effectiveRoles(user *models.User) []string {
	roles := user.RoleSlugs()
	if user.IsSuperuser {
		found := false
		for _, role := range roles {
			if role == models.RoleSystemAdmin {
				found = true
				break
			}
		}
		if !found {
			roles = append(roles, models.RoleSystemAdmin)
		}
	}
	return roles
}

func (s *Service) issueTokens(ctx context.Context, user *models.User, providerName string, meta RequestMeta) (*models.TokenBundle, error) {
	displayName := user.Username
	if user.DisplayName != nil && *user.DisplayName != "" {
		displayName = *user.DisplayName
	}
	sessionID := s.tokens.NewSessionID(user.ID)
	bundle, err := s.tokens.IssueBundle(user.ID, effectiveRoles(user), providerName, sessionID, displayName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to issue tokens")
	}

	var clientInfo *string
	if meta.UserAgent != "" {
		userAgent := meta.UserAgent
		clientInfo = &userAgent
	}
	_, err = s.sessions.Upsert(ctx, user.ID, HashToken(bundle.RefreshToken), bundle.RefreshExpiresAt, clientInfo)
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// Refresh rotates a refresh token: same session row and session id, new
// token pair, old hash gone.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*models.LoginResponse, error) {
	claims, err := s.tokens.DecodeRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.FindByHash(ctx, HashToken(refreshToken))
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Refresh token not recognized")
	}
	if session.IsRevoked() {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Refresh token revoked")
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Refresh token expired")
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, apperrors.New(apperrors.KindUnauthorized, "User inactive")
	}

	provider := claims.Provider
	if provider == "" {
		provider = models.ProviderTypeLocal
	}
	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = session.ID
	}
	displayName := user.Username
	if user.DisplayName != nil && *user.DisplayName != "" {
		displayName = *user.DisplayName
	}

	bundle, err := s.tokens.IssueBundle(user.ID, effectiveRoles(user), provider, sessionID, displayName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to issue tokens")
	}
	if err := s.sessions.Rotate(ctx, session, HashToken(bundle.RefreshToken), bundle.RefreshExpiresAt); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &AuditEntry{
		Event:  EventTokenRefresh,
		UserID: &user.ID,
		Payload: map[string]interface{}{
			"provider":   provider,
			"session_id": sessionID,
		},
		SourceIP:  meta.SourceIP,
		UserAgent: meta.UserAgent,
	})
	return &models.LoginResponse{TokenBundle: *bundle, User: models.NewUserProfile(user)}, nil
}

// Logout revokes the refresh token's session. Expired or malformed tokens
// still produce a successful logout; there is nothing to leak.
func (s *Service) Logout(ctx context.Context, refreshToken string, meta RequestMeta) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, HashToken(refreshToken)); err != nil {
		return err
	}

	if claims, err := s.tokens.DecodeLenient(refreshToken); err == nil && claims.Subject != "" {
		if user, err := s.users.GetByID(ctx, claims.Subject); err == nil && user != nil {
			s.audit.Record(ctx, &AuditEntry{
				Event:     EventLogout,
				UserID:    &user.ID,
				SourceIP:  meta.SourceIP,
				UserAgent: meta.UserAgent,
			})
		}
	}
	return nil
}

// RevokeUserSessions invalidates every live session a user holds and
// audits the sweep.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string, meta RequestMeta) (int64, error) {
	revoked, err := s.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.audit.Record(ctx, &AuditEntry{
			Event:     EventTokenRevoke,
			UserID:    &userID,
			Payload:   map[string]interface{}{"sessions": revoked},
			SourceIP:  meta.SourceIP,
			UserAgent: meta.UserAgent,
		})
	}
	return revoked, nil
}

// Authenticate verifies a bearer access token and loads its user. The
// account must still be active.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*models.Claims, *models.User, error) {
	claims, err := s.tokens.DecodeAccess(accessToken)
	if err != nil {
		return nil, nil, err
	}
	if claims.Subject == "" {
		return nil, nil, apperrors.New(apperrors.KindUnauthorized, "Invalid token")
	}
	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, nil, err
	}
	if user == nil || !user.IsActive {
		return nil, nil, apperrors.New(apperrors.KindUnauthorized, "User inactive")
	}
	return claims, user, nil
}

// Audit exposes the audit recorder for handlers that log admin actions.
func (s *Service) Audit() *Audit {
	return s.audit
}

// Users exposes account management for the admin surface.
func (s *Service) Users() *Users {
	return s.users
}

// Registry exposes the provider registry for admin reloads.
func (s *Service) Registry() *Registry {
	return s.registry
}
