package auth

import (
	"context"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
)

// BootstrapAdmin guarantees a superuser exists. When none does and the
// bootstrap credentials are configured, it creates the account; a password
// shorter than 8 characters is a fatal configuration error. Without
// credentials it only logs what the operator must do.
func (u *Users) BootstrapAdmin(ctx context.Context, config *common.BootstrapConfig, audit *Audit) (*models.User, error) {
	count, err := u.CountSuperusers(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	if config.AdminUsername == "" || config.AdminPassword == "" {
		u.logger.Warn().Msg("No superuser exists; set BOOTSTRAP_ADMIN_USERNAME and BOOTSTRAP_ADMIN_PASSWORD to create one")
		return nil, nil
	}
	if len(config.AdminPassword) < 8 {
		return nil, apperrors.New(apperrors.KindInvalid, "Bootstrap admin password must be at least 8 characters")
	}

	user, err := u.Create(ctx, &models.UserCreateRequest{
		Username:    config.AdminUsername,
		Email:       config.AdminEmail,
		Password:    config.AdminPassword,
		DisplayName: "Administrator",
		Roles:       []string{models.RoleSystemAdmin},
		IsSuperuser: true,
	})
	if err != nil {
		return nil, err
	}

	if audit != nil {
		audit.Record(ctx, &AuditEntry{
			Event:   EventUserBootstrap,
			UserID:  &user.ID,
			Payload: map[string]interface{}{"username": user.Username},
		})
	}
	u.logger.Warn().
		Str("username", user.Username).
		Msg("Bootstrap superuser created")
	return user, nil
}
