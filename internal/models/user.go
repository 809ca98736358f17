// -----------------------------------------------------------------------
// User / Role / Session - RBAC schema persisted in SQL
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TableNameUsers        = "users"
	TableNameRoles        = "roles"
	TableNameUserRoles    = "user_roles"
	TableNameSsoIdents    = "sso_identities"
	TableNameAuthSessions = "auth_sessions"
)

// User is an operator account. Local accounts carry a bcrypt PasswordHash;
// SSO-provisioned accounts leave it empty and authenticate through a linked
// identity instead.
type User struct {
	ID           string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	Username     string     `gorm:"column:username;size:255;uniqueIndex;not null" json:"username"`
	Email        *string    `gorm:"column:email;size:320;uniqueIndex" json:"email"`
	DisplayName  *string    `gorm:"column:display_name;size:255" json:"display_name"`
	PasswordHash *string    `gorm:"column:password_hash;size:255" json:"-"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true" json:"is_active"`
	IsSuperuser  bool       `gorm:"column:is_superuser;not null;default:false" json:"is_superuser"`
	LastLoginAt  *time.Time `gorm:"column:last_login_at" json:"last_login_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Roles      []Role        `gorm:"many2many:user_roles;joinForeignKey:UserID;joinReferences:RoleID" json:"roles"`
	Identities []SsoIdentity `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Sessions   []AuthSession `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (*User) TableName() string {
	return TableNameUsers
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// RoleSlugs returns the slugs of the user's assigned roles.
func (u *User) RoleSlugs() []string {
	slugs := make([]string, 0, len(u.Roles))
	for _, role := range u.Roles {
		slugs = append(slugs, role.Slug)
	}
	return slugs
}

// HasRole reports whether the user holds the role. Superusers hold every
// role implicitly.
func (u *User) HasRole(slug string) bool {
	if u.IsSuperuser {
		return true
	}
	for _, role := range u.Roles {
		if role.Slug == slug {
			return true
		}
	}
	return false
}

// Role is a named permission bundle assigned to users.
type Role struct {
	ID          string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Slug        string    `gorm:"column:slug;size:128;uniqueIndex;not null" json:"slug"`
	Name        string    `gorm:"column:name;size:255;not null" json:"name"`
	Description *string   `gorm:"column:description;type:text" json:"description"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (*Role) TableName() string {
	return TableNameRoles
}

func (r *Role) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// UserRole joins users to roles.
type UserRole struct {
	ID         string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	UserID     string    `gorm:"column:user_id;size:36;index;not null" json:"user_id"`
	RoleID     string    `gorm:"column:role_id;size:36;index;not null" json:"role_id"`
	AssignedAt time.Time `gorm:"column:assigned_at;autoCreateTime" json:"assigned_at"`
}

func (*UserRole) TableName() string {
	return TableNameUserRoles
}

func (ur *UserRole) BeforeCreate(tx *gorm.DB) error {
	if ur.ID == "" {
		ur.ID = uuid.New().String()
	}
	return nil
}

// SsoIdentity links a user to an external identity provider subject.
type SsoIdentity struct {
	ID            string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Provider      string    `gorm:"column:provider;size:128;index;not null" json:"provider"`
	Subject       string    `gorm:"column:subject;size:512;not null" json:"subject"`
	UserID        string    `gorm:"column:user_id;size:36;index;not null" json:"user_id"`
	RawAttributes *string   `gorm:"column:raw_attributes;type:text" json:"-"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (*SsoIdentity) TableName() string {
	return TableNameSsoIdents
}

func (s *SsoIdentity) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// AuthSession tracks one refresh-token lineage. Only the SHA-256 hex of the
// refresh token is stored; rotation overwrites the hash in place.
type AuthSession struct {
	ID               string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	UserID           string     `gorm:"column:user_id;size:36;index;not null" json:"user_id"`
	RefreshTokenHash string     `gorm:"column:refresh_token_hash;size:255;uniqueIndex;not null" json:"-"`
	IssuedAt         time.Time  `gorm:"column:issued_at;autoCreateTime" json:"issued_at"`
	ExpiresAt        time.Time  `gorm:"column:expires_at;not null" json:"expires_at"`
	ClientInfo       *string    `gorm:"column:client_info;size:255" json:"client_info"`
	RevokedAt        *time.Time `gorm:"column:revoked_at" json:"revoked_at"`
}

func (*AuthSession) TableName() string {
	return TableNameAuthSessions
}

func (s *AuthSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// IsRevoked reports whether the session has been explicitly revoked.
func (s *AuthSession) IsRevoked() bool {
	return s.RevokedAt != nil
}
