// -----------------------------------------------------------------------
// Local Provider - username/password against the users table
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

const lockedOutMessage = "Account temporarily locked due to too many failed login attempts."

// LocalConfig is the definition shape for a local provider. Throttle knobs
// default to 5 attempts / 300 s window / 600 s lockout when omitted; an
// explicit zero disables throttling.
type LocalConfig struct {
	ProviderBase
	AllowRegistration bool `json:"allow_registration"`
	MaxAttempts       *int `json:"max_attempts"`
	WindowSeconds     *int `json:"window_seconds"`
	LockoutSeconds    *int `json:"lockout_seconds"`
}

// ThrottleConfig folds the optional knobs over the defaults.
func (c *LocalConfig) ThrottleConfig() ThrottleConfig {
	config := DefaultThrottleConfig()
	if c.MaxAttempts != nil {
		config.MaxAttempts = *c.MaxAttempts
	}
	if c.WindowSeconds != nil {
		config.WindowSeconds = *c.WindowSeconds
	}
	if c.LockoutSeconds != nil {
		config.LockoutSeconds = *c.LockoutSeconds
	}
	return config
}

// LocalProvider authenticates against locally stored bcrypt hashes with
// Redis-backed lockout throttling.
type LocalProvider struct {
	config   LocalConfig
	users    *Users
	audit    *Audit
	throttle *Throttle
	logger   arbor.ILogger
}

func NewLocalProvider(config LocalConfig, users *Users, audit *Audit, throttle *Throttle, logger arbor.ILogger) *LocalProvider {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &LocalProvider{
		config:   config,
		users:    users,
		audit:    audit,
		throttle: throttle,
		logger:   logger.WithPrefix("auth.local"),
	}
}

func (p *LocalProvider) Name() string        { return p.config.Name }
func (p *LocalProvider) Type() string        { return models.ProviderTypeLocal }
func (p *LocalProvider) DisplayName() string { return p.config.EffectiveDisplayName() }
func (p *LocalProvider) Flow() string        { return FlowForm }

// Begin is a no-op for form providers; credentials arrive inline.
func (p *LocalProvider) Begin(ctx context.Context, req *BeginRequest) (*models.BeginLoginResponse, error) {
	return &models.BeginLoginResponse{Type: FlowForm}, nil
}

// Complete verifies the credential pair. Failures are audited and counted
// toward lockout; a throttled subject is rejected before any password work.
func (p *LocalProvider) Complete(ctx context.Context, req *CompleteRequest) (*models.AuthResult, error) {
	username := strings.TrimSpace(req.Username)
	password := req.Password
	if username == "" || password == "" {
		return nil, apperrors.New(apperrors.KindInvalid, "Missing credentials")
	}

	throttled := p.throttle != nil && p.throttle.Enabled()
	if throttled {
		remaining, err := p.throttle.CheckLockout(ctx, username)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to check login throttle")
		}
		if remaining > 0 {
			p.auditLockout(ctx, nil, username, "lockout_active", remaining, req.Meta)
			return nil, apperrors.Wrap(apperrors.KindThrottled, &LockoutError{RetryAfter: remaining}, lockedOutMessage)
		}
	}

	user, err := p.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil || !VerifyPassword(password, user.PasswordHash) {
		p.auditFailure(ctx, user, username, "invalid_credentials", req.Meta)
		if throttled {
			if err := p.recordFailure(ctx, user, username, req.Meta); err != nil {
				return nil, err
			}
		}
		return nil, apperrors.New(apperrors.KindUnauthorized, "Invalid username or password")
	}
	if !user.IsActive {
		p.auditFailure(ctx, user, username, "disabled_account", req.Meta)
		if throttled {
			if err := p.recordFailure(ctx, user, username, req.Meta); err != nil {
				return nil, err
			}
		}
		return nil, apperrors.New(apperrors.KindForbidden, "User disabled")
	}

	if throttled {
		if err := p.throttle.Reset(ctx, username); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to reset login throttle")
		}
	}

	roles := user.RoleSlugs()
	if len(roles) == 0 {
		roles = p.config.Roles()
	}

	result := &models.AuthResult{
		ExternalID: user.ID,
		Username:   user.Username,
		Provider:   p.config.Name,
		Attributes: map[string]interface{}{},
		Roles:      roles,
	}
	if user.Email != nil {
		result.Email = *user.Email
	}
	if user.DisplayName != nil {
		result.DisplayName = *user.DisplayName
	}
	return result, nil
}

// recordFailure counts the attempt and promotes the error to a lockout
// rejection when the threshold trips.
func (p *LocalProvider) recordFailure(ctx context.Context, user *models.User, username string, meta RequestMeta) error {
	locked, retryAfter, err := p.throttle.RecordFailure(ctx, username)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to record login failure")
	}
	if locked {
		p.auditLockout(ctx, user, username, "lockout_threshold", retryAfter, meta)
		return apperrors.Wrap(apperrors.KindThrottled, &LockoutError{RetryAfter: retryAfter}, lockedOutMessage)
	}
	return nil
}

func (p *LocalProvider) auditFailure(ctx context.Context, user *models.User, username, reason string, meta RequestMeta) {
	entry := &AuditEntry{
		Event: EventLoginFailure,
		Payload: map[string]interface{}{
			"provider": p.config.Name,
			"username": username,
			"reason":   reason,
		},
		SourceIP:  meta.SourceIP,
		UserAgent: meta.UserAgent,
	}
	if user != nil {
		entry.UserID = &user.ID
	}
	p.audit.Record(ctx, entry)
}

func (p *LocalProvider) auditLockout(ctx context.Context, user *models.User, username, reason string, remaining time.Duration, meta RequestMeta) {
	entry := &AuditEntry{
		Event: EventLoginLockout,
		Payload: map[string]interface{}{
			"provider":        p.config.Name,
			"username":        username,
			"reason":          reason,
			"lockout_seconds": int(remaining.Seconds()),
		},
		SourceIP:  meta.SourceIP,
		UserAgent: meta.UserAgent,
	}
	if user != nil {
		entry.UserID = &user.ID
	}
	p.audit.Record(ctx, entry)
}
