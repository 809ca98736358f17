// -----------------------------------------------------------------------
// Community Catalog - Remote feed, bundle URL resolution, installs, updates
// -----------------------------------------------------------------------

package toolkits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
)

const (
	catalogFetchTimeout   = 10 * time.Second
	bundleDownloadTimeout = 30 * time.Second
	catalogRequestsPerSec = 2
	catalogRequestBurst   = 2
	catalogUpdateSource   = "catalog"
)

// Catalog serves the community toolkit feed: fetching and parsing the
// remote index, resolving bundle download URLs, installing catalog
// toolkits, and reporting available updates. The admin-stored catalog URL
// in system settings wins over the compile-time default.
type Catalog struct {
	db        *gorm.DB
	registry  *Registry
	installer *Installer
	config    *common.ToolkitsConfig
	fetcher   *http.Client
	download  *http.Client
	limiter   *rate.Limiter
	logger    arbor.ILogger
}

// NewCatalog creates the community catalog service.
func NewCatalog(db *gorm.DB, registry *Registry, installer *Installer, config *common.ToolkitsConfig, logger arbor.ILogger) *Catalog {
	return &Catalog{
		db:        db,
		registry:  registry,
		installer: installer,
		config:    config,
		fetcher:   &http.Client{Timeout: catalogFetchTimeout},
		download:  &http.Client{Timeout: bundleDownloadTimeout},
		limiter:   rate.NewLimiter(rate.Limit(catalogRequestsPerSec), catalogRequestBurst),
		logger:    logger,
	}
}

// ResolveURL returns the effective catalog URL and the stored admin
// override, if any. The override may be stored as a bare JSON string or as
// {"url": "..."}.
func (c *Catalog) ResolveURL(ctx context.Context) (string, string, error) {
	override := ""

	var row models.SystemSetting
	err := c.db.WithContext(ctx).First(&row, "key = ?", models.SettingCatalogURL).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", fmt.Errorf("failed to read catalog setting: %w", err)
	}
	if err == nil {
		var value interface{}
		if jsonErr := json.Unmarshal([]byte(row.Value), &value); jsonErr == nil {
			switch v := value.(type) {
			case string:
				override = v
			case map[string]interface{}:
				if u, ok := v["url"].(string); ok {
					override = u
				}
			}
		}
		if override != "" && !isHTTPURL(override) {
			return "", "", apperrors.New(apperrors.KindInternal, "Stored catalog URL is invalid")
		}
	}

	effective := override
	if effective == "" {
		effective = c.config.CatalogURL
	}
	return effective, override, nil
}

// Fetch returns the community catalog page. An unconfigured catalog yields
// an empty listing rather than an error so the UI can render the state.
func (c *Catalog) Fetch(ctx context.Context) (*models.CatalogPage, error) {
	effective, configured, err := c.ResolveURL(ctx)
	if err != nil {
		return nil, err
	}
	if effective == "" {
		return &models.CatalogPage{ConfiguredURL: configured, Toolkits: []models.CatalogEntry{}}, nil
	}

	entries, err := c.fetchEntries(ctx, effective)
	if err != nil {
		return nil, err
	}
	return &models.CatalogPage{CatalogURL: effective, ConfiguredURL: configured, Toolkits: entries}, nil
}

func (c *Catalog) fetchEntries(ctx context.Context, catalogURL string) ([]models.CatalogEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("catalog rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, catalogURL, nil)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindBadGateway, "Failed to fetch catalog: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.fetcher.Do(req)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindBadGateway, "Failed to fetch catalog: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.KindBadGateway, "Catalog request returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindBadGateway, "Failed to fetch catalog: %v", err)
	}

	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperrors.New(apperrors.KindBadGateway, "Catalog payload is not valid JSON")
	}

	var rawEntries []interface{}
	switch p := payload.(type) {
	case map[string]interface{}:
		raw, ok := p["toolkits"]
		if !ok || raw == nil {
			return nil, apperrors.New(apperrors.KindBadGateway, "Catalog missing 'toolkits' key")
		}
		rawEntries, ok = raw.([]interface{})
		if !ok {
			return nil, apperrors.New(apperrors.KindBadGateway, "Catalog entry must be an object")
		}
	case []interface{}:
		rawEntries = p
	default:
		return nil, apperrors.New(apperrors.KindBadGateway, "Catalog payload format is unsupported")
	}

	entries := make([]models.CatalogEntry, 0, len(rawEntries))
	for _, rawEntry := range rawEntries {
		obj, ok := rawEntry.(map[string]interface{})
		if !ok {
			return nil, apperrors.New(apperrors.KindBadGateway, "Catalog entry must be an object")
		}

		encoded, err := json.Marshal(obj)
		if err != nil {
			return nil, apperrors.Newf(apperrors.KindBadGateway, "Invalid catalog entry: %v", err)
		}
		var entry models.CatalogEntry
		if err := json.Unmarshal(encoded, &entry); err != nil {
			return nil, apperrors.Newf(apperrors.KindBadGateway, "Invalid catalog entry: %v", err)
		}
		// Some feeds publish the bundle location under "bundle".
		if entry.BundleURL == "" {
			if alias, ok := obj["bundle"].(string); ok {
				entry.BundleURL = alias
			}
		}
		if entry.Slug == "" || entry.Name == "" {
			return nil, apperrors.New(apperrors.KindBadGateway, "Invalid catalog entry: slug and name are required")
		}

		if entry.BundleURL != "" {
			if candidates := c.buildCandidates(catalogURL, entry); len(candidates) > 0 {
				entry.ResolvedBundleURL = candidates[0]
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// siteRootURL derives the website root that relative bundle paths resolve
// against. Raw GitHub content URLs map to the owner's project page; pages
// hosts keep their first path segment; anything else collapses to "/".
func siteRootURL(catalogURL string) string {
	parsed, err := url.Parse(catalogURL)
	if err != nil {
		return catalogURL
	}
	host := strings.ToLower(parsed.Host)
	segments := splitPathSegments(parsed.Path)

	if (host == "raw.githubusercontent.com" || host == "raw.github.com") && len(segments) >= 2 {
		return fmt.Sprintf("https://%s.github.io/%s/", segments[0], segments[1])
	}

	root := *parsed
	root.RawQuery = ""
	root.Fragment = ""
	if strings.HasSuffix(host, ".github.io") && len(segments) > 0 {
		root.Path = "/" + segments[0] + "/"
		return root.String()
	}

	root.Path = "/"
	return root.String()
}

func splitPathSegments(p string) []string {
	var segments []string
	for _, segment := range strings.Split(p, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// buildCandidates orders the download URLs to try for a catalog entry:
// the feed's resolved URL first, then each bundle_url variant (as
// published, plus ".zip" appended when it has no extension) joined against
// the homepage, the catalog's site root, and the catalog URL itself. The
// catalog-joined bare variant is deferred behind the other joins, and the
// catalog-joined ".zip" variant goes last. Duplicates and non-HTTP URLs
// are dropped while preserving order.
func (c *Catalog) buildCandidates(catalogURL string, entry models.CatalogEntry) []string {
	var rawCandidates []string

	if entry.ResolvedBundleURL != "" {
		rawCandidates = append(rawCandidates, entry.ResolvedBundleURL)
	}

	bundleURL := strings.TrimSpace(entry.BundleURL)
	if bundleURL != "" {
		variants := []string{bundleURL}
		trimmed := strings.TrimRight(bundleURL, "/")
		if trimmed != "" && path.Ext(trimmed) == "" {
			variants = append(variants, trimmed+".zip")
		}

		var deferred, trailing []string
		for _, variant := range variants {
			if strings.HasPrefix(variant, "http://") || strings.HasPrefix(variant, "https://") {
				rawCandidates = append(rawCandidates, variant)
				continue
			}

			if entry.Homepage != "" {
				rawCandidates = append(rawCandidates, joinURL(entry.Homepage, variant))
			}
			rawCandidates = append(rawCandidates, joinURL(siteRootURL(catalogURL), variant))

			rawVariant := joinURL(catalogURL, variant)
			switch {
			case variant == bundleURL && len(variants) > 1:
				deferred = append(deferred, rawVariant)
			case variant != bundleURL && strings.HasSuffix(variant, ".zip"):
				trailing = append(trailing, rawVariant)
			default:
				rawCandidates = append(rawCandidates, rawVariant)
			}
		}
		rawCandidates = append(rawCandidates, deferred...)
		rawCandidates = append(rawCandidates, trailing...)
	}

	var candidates []string
	seen := make(map[string]bool, len(rawCandidates))
	for _, candidate := range rawCandidates {
		if candidate == "" || !isHTTPURL(candidate) || seen[candidate] {
			continue
		}
		seen[candidate] = true
		candidates = append(candidates, candidate)
	}
	return candidates
}

func joinURL(base, ref string) string {
	parsedBase, err := url.Parse(base)
	if err != nil {
		return ""
	}
	parsedRef, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return parsedBase.ResolveReference(parsedRef).String()
}

func isHTTPURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func looksLikeZip(content []byte) bool {
	if len(content) < 4 {
		return false
	}
	return bytes.HasPrefix(content, []byte("PK\x03\x04")) ||
		bytes.HasPrefix(content, []byte("PK\x05\x06")) ||
		bytes.HasPrefix(content, []byte("PK\x07\x08"))
}

// InstallFromCatalog downloads the named toolkit's bundle, trying each
// candidate URL in order, and installs it disabled by default with
// origin=community.
func (c *Catalog) InstallFromCatalog(ctx context.Context, rawSlug string) (*models.Toolkit, error) {
	slug, err := NormalizeSlug(rawSlug)
	if err != nil {
		return nil, err
	}

	effective, _, err := c.ResolveURL(ctx)
	if err != nil {
		return nil, err
	}
	if effective == "" {
		return nil, apperrors.New(apperrors.KindUnavailable, "Community catalog is disabled")
	}

	entries, err := c.fetchEntries(ctx, effective)
	if err != nil {
		return nil, err
	}

	var entry *models.CatalogEntry
	for idx := range entries {
		if entries[idx].Slug == slug {
			entry = &entries[idx]
			break
		}
	}
	if entry == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "Toolkit not found in catalog")
	}

	candidates := c.buildCandidates(effective, *entry)
	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.KindInvalid, "Toolkit bundle is not yet available for download")
	}

	content, err := c.downloadBundle(ctx, candidates)
	if err != nil {
		return nil, err
	}

	record, err := c.installer.InstallRemoteBundle(ctx, slug, content)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("slug", record.Slug).
		Str("version", record.Version).
		Msg("Toolkit installed from catalog")

	return record, nil
}

// downloadBundle tries each candidate URL until one returns a zip,
// remembering the most recent failure for the error message.
func (c *Catalog) downloadBundle(ctx context.Context, candidates []string) ([]byte, error) {
	lastError := ""
	for _, candidate := range candidates {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
		if err != nil {
			lastError = fmt.Sprintf("Failed to download bundle from %s: %v", candidate, err)
			continue
		}
		req.Header.Set("Accept", "application/zip, application/octet-stream")

		resp, err := c.download.Do(req)
		if err != nil {
			lastError = fmt.Sprintf("Failed to download bundle from %s: %v", candidate, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastError = fmt.Sprintf("Bundle download from %s returned HTTP %d", candidate, resp.StatusCode)
			continue
		}

		content, err := io.ReadAll(io.LimitReader(resp.Body, c.config.BundleMaxBytes+1))
		resp.Body.Close()
		if err != nil {
			lastError = fmt.Sprintf("Failed to download bundle from %s: %v", candidate, err)
			continue
		}
		if !looksLikeZip(content) {
			lastError = fmt.Sprintf("Bundle download from %s did not return a zip file", candidate)
			continue
		}
		return content, nil
	}

	if lastError == "" {
		lastError = "Failed to download toolkit bundle"
	}
	return nil, apperrors.New(apperrors.KindBadGateway, lastError)
}

// CheckUpdates compares installed community toolkits against the catalog
// and lists those with a newer published version.
func (c *Catalog) CheckUpdates(ctx context.Context) ([]models.ToolkitUpdateInfo, error) {
	toolkits, err := c.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	page, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	bySlug := make(map[string]models.CatalogEntry, len(page.Toolkits))
	for _, entry := range page.Toolkits {
		bySlug[entry.Slug] = entry
	}

	updates := []models.ToolkitUpdateInfo{}
	for _, toolkit := range toolkits {
		if toolkit.Origin != models.ToolkitOriginCommunity {
			continue
		}
		entry, ok := bySlug[toolkit.Slug]
		if !ok || entry.Version == "" {
			continue
		}
		if versionLess(toolkit.Version, entry.Version) {
			updates = append(updates, models.ToolkitUpdateInfo{
				Slug:             toolkit.Slug,
				InstalledVersion: toolkit.Version,
				AvailableVersion: entry.Version,
				Source:           catalogUpdateSource,
			})
		}
	}
	return updates, nil
}

// ApplyUpdate reinstalls a community toolkit from the catalog, preserving
// its enabled flag.
func (c *Catalog) ApplyUpdate(ctx context.Context, slug string) (*models.Toolkit, error) {
	toolkit, err := c.registry.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if toolkit == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "Toolkit not found")
	}
	if toolkit.Origin != models.ToolkitOriginCommunity {
		return nil, apperrors.New(apperrors.KindInvalid, "Updates are only supported for community toolkits")
	}
	return c.InstallFromCatalog(ctx, slug)
}

// versionLess reports whether installed is older than available, comparing
// dotted numeric segments and falling back to a string compare when either
// side is not a plain version.
func versionLess(installed, available string) bool {
	ip := versionParts(installed)
	ap := versionParts(available)
	if ip == nil || ap == nil {
		return installed < available
	}
	for i := 0; i < len(ip) || i < len(ap); i++ {
		a, b := 0, 0
		if i < len(ip) {
			a = ip[i]
		}
		if i < len(ap) {
			b = ap[i]
		}
		if a != b {
			return a < b
		}
	}
	return false
}

func versionParts(version string) []int {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return nil
	}
	parts := strings.Split(version, ".")
	nums := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		nums = append(nums, n)
	}
	return nums
}
