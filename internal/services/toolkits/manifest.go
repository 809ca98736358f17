// -----------------------------------------------------------------------
// Toolkit Manifest - Bundle root resolution and toolkit.json parsing
// -----------------------------------------------------------------------

package toolkits

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

const manifestFilename = "toolkit.json"

// isNoiseDir filters archive junk that must not count as a bundle root
// candidate (macOS resource forks, hidden directories).
func isNoiseDir(name string) bool {
	return strings.HasPrefix(name, "__MACOSX") || strings.HasPrefix(name, ".")
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// resolveBundleRoot locates the directory holding toolkit.json: either the
// extraction directory itself or exactly one non-noise child directory
// (bundles zipped with a wrapping folder).
func resolveBundleRoot(sourceDir string) (string, error) {
	if pathExists(filepath.Join(sourceDir, manifestFilename)) {
		return sourceDir, nil
	}

	var candidates []string
	entries, err := os.ReadDir(sourceDir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() || isNoiseDir(entry.Name()) {
				continue
			}
			child := filepath.Join(sourceDir, entry.Name())
			if pathExists(filepath.Join(child, manifestFilename)) {
				candidates = append(candidates, child)
			}
		}
	}

	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return "", apperrors.New(apperrors.KindInvalid, "toolkit.json manifest not found")
}

// loadManifest reads and decodes toolkit.json from the bundle root.
func loadManifest(path string) (*models.ToolkitManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.KindInvalid, "toolkit.json manifest not found")
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var manifest models.ToolkitManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, apperrors.Newf(apperrors.KindInvalid, "Invalid toolkit.json: %v", err)
	}
	return &manifest, nil
}

// defaultDisplayName derives a display name from a slug: hyphens become
// spaces and each word is capitalized.
func defaultDisplayName(slug string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range strings.ReplaceAll(slug, "-", " ") {
		if unicode.IsLetter(r) {
			if !prevLetter {
				r = unicode.ToUpper(r)
			}
			prevLetter = true
		} else {
			prevLetter = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeBasePath forces a single leading slash on the mount point.
func normalizeBasePath(basePath string) string {
	if strings.HasPrefix(basePath, "/") {
		return basePath
	}
	return "/" + strings.TrimLeft(basePath, "/")
}
