// -----------------------------------------------------------------------
// Session Store - refresh-token lineage persisted in SQL
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

// SessionStore persists one row per refresh-token lineage. Tokens are never
// stored raw; every lookup goes through the SHA-256 hex digest.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Upsert records a freshly issued refresh token. A hash collision on the
// same user extends the existing row; a collision on a different user drops
// the stale row and starts a new lineage.
func (s *SessionStore) Upsert(ctx context.Context, userID, refreshHash string, expiresAt time.Time, clientInfo *string) (*models.AuthSession, error) {
	var existing models.AuthSession
	err := s.db.WithContext(ctx).Where("refresh_token_hash = ?", refreshHash).First(&existing).Error
	switch {
	case err == nil:
		if existing.UserID == userID {
			existing.ExpiresAt = expiresAt
			existing.RevokedAt = nil
			existing.ClientInfo = clientInfo
			if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to update session")
			}
			return &existing, nil
		}
		if err := s.db.WithContext(ctx).Delete(&models.AuthSession{}, "id = ?", existing.ID).Error; err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to replace session")
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to load session")
	}

	session := models.AuthSession{
		UserID:           userID,
		RefreshTokenHash: refreshHash,
		ExpiresAt:        expiresAt,
		ClientInfo:       clientInfo,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to create session")
	}
	return &session, nil
}

// FindByHash returns the session row for a refresh token digest.
func (s *SessionStore) FindByHash(ctx context.Context, refreshHash string) (*models.AuthSession, error) {
	var session models.AuthSession
	err := s.db.WithContext(ctx).Where("refresh_token_hash = ?", refreshHash).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to load session")
	}
	return &session, nil
}

// Rotate swaps the stored hash and expiry in place so the lineage keeps its
// row ID across refreshes.
func (s *SessionStore) Rotate(ctx context.Context, session *models.AuthSession, newHash string, expiresAt time.Time) error {
	session.RefreshTokenHash = newHash
	session.ExpiresAt = expiresAt
	if err := s.db.WithContext(ctx).Save(session).Error; err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to rotate session")
	}
	return nil
}

// Revoke marks the session carrying this hash as revoked. Missing rows are
// ignored so logout is idempotent.
func (s *SessionStore) Revoke(ctx context.Context, refreshHash string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&models.AuthSession{}).
		Where("refresh_token_hash = ? AND revoked_at IS NULL", refreshHash).
		Update("revoked_at", now).Error
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to revoke session")
	}
	return nil
}

// RevokeAllForUser invalidates every live session a user holds, e.g. after
// an admin disables the account.
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.AuthSession{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now)
	if result.Error != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, result.Error, "failed to revoke sessions")
	}
	return result.RowsAffected, nil
}

// PurgeExpired deletes rows whose expiry passed more than the grace window
// ago. Revoked rows age out the same way.
func (s *SessionStore) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&models.AuthSession{})
	if result.Error != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, result.Error, "failed to purge sessions")
	}
	return result.RowsAffected, nil
}
