// -----------------------------------------------------------------------
// Auth - Provider results, token bundles, and request/response payloads
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Auth provider types.
const (
	ProviderTypeLocal           = "local"
	ProviderTypeOIDC            = "oidc"
	ProviderTypeLDAP            = "ldap"
	ProviderTypeActiveDirectory = "active_directory"
)

const TableNameAuthProviders = "auth_provider_configs"

// AuthProviderRecord is a database-managed identity provider definition.
// Config is the provider-specific JSON blob; secrets inside it may be Vault
// references resolved when the provider registry loads.
type AuthProviderRecord struct {
	ID        string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name      string    `gorm:"column:name;size:128;uniqueIndex;not null" json:"name"`
	Type      string    `gorm:"column:type;size:64;not null" json:"type"`
	Config    string    `gorm:"column:config;type:text;not null" json:"config"`
	// No column default: gorm drops zero-valued fields that carry a
	// default tag on insert, which would resurrect Enabled=false rows
	// as enabled. Create always sets the value explicitly.
	Enabled   bool      `gorm:"column:enabled;not null" json:"enabled"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (*AuthProviderRecord) TableName() string {
	return TableNameAuthProviders
}

func (p *AuthProviderRecord) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// AuthResult is the provider-neutral outcome of a completed login flow.
type AuthResult struct {
	ExternalID  string
	Username    string
	Email       string
	DisplayName string
	Provider    string
	Attributes  map[string]interface{}
	Roles       []string
}

// TokenBundle is the pair of signed tokens returned after authentication.
type TokenBundle struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
	TokenType        string    `json:"token_type"`
}

// Claims is the decoded JWT payload the request pipeline works with.
type Claims struct {
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"sid"`
	Provider  string   `json:"provider"`
	Name      string   `json:"name,omitempty"`
	TokenType string   `json:"typ"`
	TokenUse  string   `json:"token_use,omitempty"`
	JTI       string   `json:"jti"`
	ExpiresAt int64    `json:"exp"`
}

// LoginRequest is the credential payload for form-style providers.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest carries the refresh token for rotation.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LoginResponse pairs the issued tokens with the authenticated profile.
type LoginResponse struct {
	TokenBundle
	User *UserProfile `json:"user"`
}

// UserProfile is the API-safe view of a user.
type UserProfile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       *string    `json:"email"`
	DisplayName *string    `json:"display_name"`
	IsActive    bool       `json:"is_active"`
	IsSuperuser bool       `json:"is_superuser"`
	Roles       []string   `json:"roles"`
	LastLoginAt *time.Time `json:"last_login_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewUserProfile projects a user row into its API shape. Superusers are
// shown holding system.admin even without an explicit assignment.
func NewUserProfile(user *User) *UserProfile {
	roles := user.RoleSlugs()
	if user.IsSuperuser && !containsString(roles, RoleSystemAdmin) {
		roles = append(roles, RoleSystemAdmin)
	}
	return &UserProfile{
		ID:          user.ID,
		Username:    user.Username,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		IsActive:    user.IsActive,
		IsSuperuser: user.IsSuperuser,
		Roles:       roles,
		LastLoginAt: user.LastLoginAt,
		CreatedAt:   user.CreatedAt,
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// ProviderDescriptor is the public metadata for a login option.
type ProviderDescriptor struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	Flow        string `json:"flow"` // "form" or "redirect"
}

// BeginLoginResponse tells the UI how to continue a provider's login flow.
type BeginLoginResponse struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Role slugs understood by the route gates.
const (
	RoleToolkitUser    = "toolkit.user"
	RoleToolkitCurator = "toolkit.curator"
	RoleSystemAdmin    = "system.admin"
)

// RoleDefinition describes a seedable role.
type RoleDefinition struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RoleDefinitions lists the roles the seeder guarantees exist.
var RoleDefinitions = map[string]RoleDefinition{
	RoleToolkitUser: {
		Slug:        RoleToolkitUser,
		Name:        "Toolkit User",
		Description: "Access installed toolkits and run operations.",
	},
	RoleToolkitCurator: {
		Slug:        RoleToolkitCurator,
		Name:        "Toolkit Curator",
		Description: "Enable and configure toolkits but cannot install or uninstall packages.",
	},
	RoleSystemAdmin: {
		Slug:        RoleSystemAdmin,
		Name:        "System Administrator",
		Description: "Full administrative access including security and toolkit lifecycle.",
	},
}

// DefaultRoleSlugs are granted to accounts that arrive with no role mapping.
var DefaultRoleSlugs = []string{RoleToolkitUser}
