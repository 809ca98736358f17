package models

// UserCreateRequest is the admin payload for creating a local account.
type UserCreateRequest struct {
	Username    string   `json:"username" validate:"required,min=1,max=255"`
	Email       string   `json:"email" validate:"omitempty,email"`
	Password    string   `json:"password" validate:"required,min=8"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	IsSuperuser bool     `json:"is_superuser"`
}

// UserPatchRequest carries partial admin edits; nil fields stay untouched.
type UserPatchRequest struct {
	Email       *string   `json:"email" validate:"omitempty,email"`
	DisplayName *string   `json:"display_name"`
	IsActive    *bool     `json:"is_active"`
	IsSuperuser *bool     `json:"is_superuser"`
	Roles       *[]string `json:"roles"`
	Password    *string   `json:"password" validate:"omitempty,min=8"`
}

// UserImportEntry is one row of a bulk user import.
type UserImportEntry struct {
	Username    string   `json:"username" validate:"required"`
	Email       string   `json:"email" validate:"omitempty,email"`
	Password    string   `json:"password"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	IsSuperuser bool     `json:"is_superuser"`
}

// UserImportReport summarizes a bulk import run.
type UserImportReport struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

// UserFilter narrows an admin user listing.
type UserFilter struct {
	Query    string
	Role     string
	Active   *bool
	Page     int
	PageSize int
}

// UserPage is one page of user profiles plus the total matching count.
type UserPage struct {
	Items    []*UserProfile `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// ProviderCreateRequest registers a database-managed auth provider.
type ProviderCreateRequest struct {
	Name    string `json:"name" validate:"required,min=1,max=128"`
	Type    string `json:"type" validate:"required,oneof=local oidc ldap active_directory"`
	Config  string `json:"config" validate:"required"`
	Enabled *bool  `json:"enabled"`
}

// ProviderUpdateRequest edits a database-managed auth provider.
type ProviderUpdateRequest struct {
	Config  *string `json:"config"`
	Enabled *bool   `json:"enabled"`
}
