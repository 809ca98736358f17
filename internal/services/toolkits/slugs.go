// -----------------------------------------------------------------------
// Toolkit Slugs - Validation and normalization for registry identifiers
// -----------------------------------------------------------------------

package toolkits

import (
	"strings"

	"github.com/ternarybob/toolbox/internal/apperrors"
)

const invalidSlugMessage = "Toolkit slug must contain only lowercase letters, numbers, hyphen, or underscore"

func isSlugChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// ValidateSlug rejects empty slugs and slugs with characters outside
// [a-z0-9_-] without altering the input.
func ValidateSlug(slug string) error {
	if slug == "" {
		return apperrors.New(apperrors.KindInvalid, "Toolkit slug must not be empty")
	}
	for _, r := range slug {
		if !isSlugChar(r) {
			return apperrors.New(apperrors.KindInvalid, invalidSlugMessage)
		}
	}
	return nil
}

// NormalizeSlug trims and lowercases the raw value, then validates it.
func NormalizeSlug(raw string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}
	return slug, nil
}
