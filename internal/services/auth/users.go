// -----------------------------------------------------------------------
// Users - account persistence, role assignment, and SSO provisioning
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

// Users owns the account tables: lookups, role assignment, SSO identity
// links, admin CRUD, and first-boot provisioning.
type Users struct {
	db       *gorm.DB
	validate *validator.Validate
	logger   arbor.ILogger
}

func NewUsers(db *gorm.DB, logger arbor.ILogger) *Users {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &Users{
		db:       db,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.WithPrefix("users"),
	}
}

// GetByID loads a user with roles preloaded. Missing users return nil.
func (u *Users) GetByID(ctx context.Context, id string) (*models.User, error) {
	return u.firstUser(ctx, "id = ?", id)
}

// GetByUsername loads a user by exact username.
func (u *Users) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return u.firstUser(ctx, "username = ?", username)
}

// GetByEmail loads a user by email.
func (u *Users) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return u.firstUser(ctx, "email = ?", email)
}

// FindByIdentity resolves a user through a linked SSO identity.
func (u *Users) FindByIdentity(ctx context.Context, provider, subject string) (*models.User, error) {
	var identity models.SsoIdentity
	err := u.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to load identity")
	}
	return u.GetByID(ctx, identity.UserID)
}

func (u *Users) firstUser(ctx context.Context, query string, args ...interface{}) (*models.User, error) {
	var user models.User
	err := u.db.WithContext(ctx).Preload("Roles").Where(query, args...).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to load user")
	}
	return &user, nil
}

// CountSuperusers reports how many active superuser accounts exist.
func (u *Users) CountSuperusers(ctx context.Context) (int64, error) {
	var count int64
	err := u.db.WithContext(ctx).
		Model(&models.User{}).
		Where("is_superuser = ?", true).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, err, "failed to count superusers")
	}
	return count, nil
}

// EnsureRoles returns role rows for the given slugs, creating any that do
// not exist yet. Unknown slugs get a title-cased display name.
func (u *Users) EnsureRoles(ctx context.Context, slugs []string) ([]models.Role, error) {
	if len(slugs) == 0 {
		return nil, nil
	}
	var existing []models.Role
	if err := u.db.WithContext(ctx).Where("slug IN ?", slugs).Find(&existing).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to load roles")
	}
	bySlug := make(map[string]models.Role, len(existing))
	for _, role := range existing {
		bySlug[role.Slug] = role
	}

	roles := make([]models.Role, 0, len(slugs))
	seen := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		if role, ok := bySlug[slug]; ok {
			roles = append(roles, role)
			continue
		}
		role := models.Role{Slug: slug, Name: titleFromSlug(slug)}
		if definition, ok := models.RoleDefinitions[slug]; ok {
			role.Name = definition.Name
			if definition.Description != "" {
				description := definition.Description
				role.Description = &description
			}
		}
		if err := u.db.WithContext(ctx).Create(&role).Error; err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to create role")
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func titleFromSlug(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '_' || r == '.' || r == '-'
	})
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// AssignRoles adds any missing roles to the user, leaving existing
// assignments in place.
func (u *Users) AssignRoles(ctx context.Context, user *models.User, slugs []string) error {
	if len(slugs) == 0 {
		return nil
	}
	current := make(map[string]bool, len(user.Roles))
	for _, role := range user.Roles {
		current[role.Slug] = true
	}
	missing := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		if !current[slug] {
			missing = append(missing, slug)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	roles, err := u.EnsureRoles(ctx, missing)
	if err != nil {
		return err
	}
	// Append syncs user.Roles in place as it writes the join rows.
	if err := u.db.WithContext(ctx).Model(user).Association("Roles").Append(&roles); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to assign roles")
	}
	return nil
}

// SetRoles replaces the user's role assignments with exactly the given set.
func (u *Users) SetRoles(ctx context.Context, user *models.User, slugs []string) error {
	roles, err := u.EnsureRoles(ctx, slugs)
	if err != nil {
		return err
	}
	if roles == nil {
		roles = []models.Role{}
	}
	if err := u.db.WithContext(ctx).Model(user).Association("Roles").Replace(&roles); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to set roles")
	}
	user.Roles = roles
	return nil
}

// LinkIdentity attaches an external provider subject to the user.
func (u *Users) LinkIdentity(ctx context.Context, user *models.User, provider, subject string, attributes map[string]interface{}) error {
	var raw *string
	if len(attributes) > 0 {
		encoded, err := json.Marshal(attributes)
		if err == nil {
			value := string(encoded)
			raw = &value
		}
	}
	identity := models.SsoIdentity{
		Provider:      provider,
		Subject:       subject,
		UserID:        user.ID,
		RawAttributes: raw,
	}
	if err := u.db.WithContext(ctx).Create(&identity).Error; err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to link identity")
	}
	return nil
}

// MarkLogin stamps last_login_at.
func (u *Users) MarkLogin(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	user.LastLoginAt = &now
	err := u.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("last_login_at", now).Error
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to record login")
	}
	return nil
}

// Provision creates an account for an SSO identity that has no user yet.
// The username comes from the provider result, falling back to the email
// local part, deduplicated with -2, -3, ... suffixes.
func (u *Users) Provision(ctx context.Context, provider string, result *models.AuthResult) (*models.User, error) {
	candidate := strings.TrimSpace(result.Username)
	if candidate == "" && result.Email != "" {
		candidate = strings.SplitN(result.Email, "@", 2)[0]
	}
	if candidate == "" {
		candidate = "user"
	}
	username, err := u.dedupeUsername(ctx, candidate)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Username:    username,
		IsActive:    true,
		IsSuperuser: false,
	}
	if result.Email != "" {
		email := result.Email
		user.Email = &email
	}
	if result.DisplayName != "" {
		displayName := result.DisplayName
		user.DisplayName = &displayName
	}
	if err := u.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to provision user")
	}
	if err := u.AssignRoles(ctx, &user, result.Roles); err != nil {
		return nil, err
	}
	if err := u.LinkIdentity(ctx, &user, provider, result.ExternalID, result.Attributes); err != nil {
		return nil, err
	}
	u.logger.Info().
		Str("provider", provider).
		Str("username", user.Username).
		Msg("Provisioned user from identity")
	return &user, nil
}

func (u *Users) dedupeUsername(ctx context.Context, base string) (string, error) {
	username := base
	for attempt := 2; ; attempt++ {
		existing, err := u.GetByUsername(ctx, username)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return username, nil
		}
		username = fmt.Sprintf("%s-%d", base, attempt)
	}
}

// List returns one page of users matching the filter.
func (u *Users) List(ctx context.Context, filter *models.UserFilter) (*models.UserPage, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := u.db.WithContext(ctx).Model(&models.User{})
	if filter.Query != "" {
		like := "%" + strings.ToLower(filter.Query) + "%"
		query = query.Where(
			"LOWER(username) LIKE ? OR LOWER(COALESCE(email, '')) LIKE ? OR LOWER(COALESCE(display_name, '')) LIKE ?",
			like, like, like,
		)
	}
	if filter.Active != nil {
		query = query.Where("is_active = ?", *filter.Active)
	}
	if filter.Role != "" {
		query = query.
			Joins("JOIN user_roles ON user_roles.user_id = users.id").
			Joins("JOIN roles ON roles.id = user_roles.role_id").
			Where("roles.slug = ?", filter.Role)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to count users")
	}

	var users []models.User
	err := query.Preload("Roles").
		Order("username ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&users).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to list users")
	}

	items := make([]*models.UserProfile, 0, len(users))
	for i := range users {
		items = append(items, models.NewUserProfile(&users[i]))
	}
	return &models.UserPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Create adds a local account from an admin request.
func (u *Users) Create(ctx context.Context, req *models.UserCreateRequest) (*models.User, error) {
	if err := u.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalid, err, "invalid user payload")
	}
	existing, err := u.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.New(apperrors.KindConflict, "Username already exists")
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to hash password")
	}
	user := models.User{
		Username:     req.Username,
		PasswordHash: &hash,
		IsActive:     true,
		IsSuperuser:  req.IsSuperuser,
	}
	if req.Email != "" {
		email := req.Email
		user.Email = &email
	}
	if req.DisplayName != "" {
		displayName := req.DisplayName
		user.DisplayName = &displayName
	}
	if err := u.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to create user")
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = models.DefaultRoleSlugs
	}
	if err := u.AssignRoles(ctx, &user, roles); err != nil {
		return nil, err
	}
	return &user, nil
}

// Patch applies partial admin edits. Nil fields stay untouched.
func (u *Users) Patch(ctx context.Context, id string, req *models.UserPatchRequest) (*models.User, error) {
	if err := u.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalid, err, "invalid user payload")
	}
	user, err := u.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "User not found")
	}

	updates := map[string]interface{}{}
	if req.Email != nil {
		user.Email = req.Email
		updates["email"] = req.Email
	}
	if req.DisplayName != nil {
		user.DisplayName = req.DisplayName
		updates["display_name"] = req.DisplayName
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
		updates["is_active"] = *req.IsActive
	}
	if req.IsSuperuser != nil {
		if !*req.IsSuperuser && user.IsSuperuser {
			if err := u.guardLastSuperuser(ctx, user.ID); err != nil {
				return nil, err
			}
		}
		user.IsSuperuser = *req.IsSuperuser
		updates["is_superuser"] = *req.IsSuperuser
	}
	if req.Password != nil && *req.Password != "" {
		hash, hashErr := HashPassword(*req.Password)
		if hashErr != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, hashErr, "failed to hash password")
		}
		user.PasswordHash = &hash
		updates["password_hash"] = hash
	}
	if len(updates) > 0 {
		err := u.db.WithContext(ctx).
			Model(&models.User{}).
			Where("id = ?", user.ID).
			Updates(updates).Error
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to update user")
		}
	}
	if req.Roles != nil {
		if err := u.SetRoles(ctx, user, *req.Roles); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// Delete removes an account. The last superuser cannot be deleted.
func (u *Users) Delete(ctx context.Context, id string) (*models.User, error) {
	user, err := u.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "User not found")
	}
	if user.IsSuperuser {
		if err := u.guardLastSuperuser(ctx, user.ID); err != nil {
			return nil, err
		}
	}
	if err := u.db.WithContext(ctx).Select("Roles", "Identities", "Sessions").Delete(user).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to delete user")
	}
	return user, nil
}

func (u *Users) guardLastSuperuser(ctx context.Context, excludeID string) error {
	var others int64
	err := u.db.WithContext(ctx).
		Model(&models.User{}).
		Where("is_superuser = ? AND id <> ?", true, excludeID).
		Count(&others).Error
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to count superusers")
	}
	if others == 0 {
		return apperrors.New(apperrors.KindConflict, "Cannot remove the last superuser")
	}
	return nil
}

// Import upserts a batch of accounts keyed by username and reports what
// happened to each row. Rows that fail validation are reported, not fatal.
func (u *Users) Import(ctx context.Context, entries []models.UserImportEntry) (*models.UserImportReport, error) {
	report := &models.UserImportReport{Errors: []string{}}
	for i, entry := range entries {
		if err := u.validate.Struct(&entry); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: invalid payload", i))
			continue
		}
		existing, err := u.GetByUsername(ctx, entry.Username)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			createReq := &models.UserCreateRequest{
				Username:    entry.Username,
				Email:       entry.Email,
				Password:    entry.Password,
				DisplayName: entry.DisplayName,
				Roles:       entry.Roles,
				IsSuperuser: entry.IsSuperuser,
			}
			if createReq.Password == "" {
				report.Errors = append(report.Errors, fmt.Sprintf("entry %d (%s): password required for new accounts", i, entry.Username))
				continue
			}
			if _, err := u.Create(ctx, createReq); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("entry %d (%s): %s", i, entry.Username, apperrors.MessageOf(err)))
				continue
			}
			report.Created++
			continue
		}

		patch := &models.UserPatchRequest{}
		if entry.Email != "" {
			email := entry.Email
			patch.Email = &email
		}
		if entry.DisplayName != "" {
			displayName := entry.DisplayName
			patch.DisplayName = &displayName
		}
		if entry.Password != "" {
			password := entry.Password
			patch.Password = &password
		}
		if len(entry.Roles) > 0 {
			roles := entry.Roles
			patch.Roles = &roles
		}
		if _, err := u.Patch(ctx, existing.ID, patch); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d (%s): %s", i, entry.Username, apperrors.MessageOf(err)))
			continue
		}
		report.Updated++
	}
	return report, nil
}
