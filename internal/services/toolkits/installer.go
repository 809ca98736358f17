// -----------------------------------------------------------------------
// Toolkit Installer - Bundle ingestion: upload, extraction, registration
// -----------------------------------------------------------------------

package toolkits

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/interfaces"
	"github.com/ternarybob/toolbox/internal/models"
)

// uploadChunkSize bounds the memory used while streaming bundles to disk
// and while inflating zip members.
const uploadChunkSize = 1024 * 1024

// Installer runs the bundle ingestion pipeline: stream the archive to
// storage, extract it with traversal and size defenses, validate the
// manifest, copy the tree into place, and register the toolkit.
type Installer struct {
	registry  *Registry
	activator interfaces.ToolkitActivator
	config    *common.ToolkitsConfig
	logger    arbor.ILogger
}

// InstallOptions control how a validated bundle directory is registered.
type InstallOptions struct {
	SlugOverride    string
	Origin          string
	EnableByDefault bool
	PreserveEnabled bool
}

// NewInstaller creates a bundle installer.
func NewInstaller(registry *Registry, activator interfaces.ToolkitActivator, config *common.ToolkitsConfig, logger arbor.ILogger) *Installer {
	return &Installer{
		registry:  registry,
		activator: activator,
		config:    config,
		logger:    logger,
	}
}

// formatLimitMB renders a byte cap as whole megabytes for error messages,
// rounding up and never below 1.
func formatLimitMB(value int64) int64 {
	limit := (value + (1024*1024 - 1)) / (1024 * 1024)
	if limit < 1 {
		return 1
	}
	return limit
}

// normalizeBundleFilename strips any path segments from a client-supplied
// filename, falling back to a fixed name when nothing usable remains.
func normalizeBundleFilename(rawFilename string) string {
	if rawFilename == "" {
		return "upload.zip"
	}
	name := path.Base(strings.ReplaceAll(rawFilename, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload.zip"
	}
	return name
}

// splitBundleName separates a filename into stem and full extension chain
// ("kit.tar.gz" -> "kit", ".tar.gz"), defaulting the pieces when empty.
func splitBundleName(filename string) (string, string) {
	stem := filename
	suffix := ""
	for {
		ext := path.Ext(stem)
		if ext == "" || ext == stem {
			break
		}
		suffix = ext + suffix
		stem = strings.TrimSuffix(stem, ext)
	}
	if suffix == "" {
		suffix = ".zip"
	}
	if stem == "" {
		stem = "bundle"
	}
	return stem, suffix
}

// allocateBundleDestination picks a free filename for an incoming bundle,
// suffixing a random token when the sanitized name is already taken.
func allocateBundleDestination(storageDir, rawFilename string) (string, string) {
	filename := normalizeBundleFilename(rawFilename)
	candidate := filepath.Join(storageDir, filename)
	if !pathExists(candidate) {
		return filename, candidate
	}

	stem, suffix := splitBundleName(filename)
	for {
		name := fmt.Sprintf("%s-%s%s", stem, uuid.NewString()[:8], suffix)
		candidate = filepath.Join(storageDir, name)
		if !pathExists(candidate) {
			return name, candidate
		}
	}
}

// streamToFile writes the upload to disk in bounded chunks, deleting the
// partial file when the stream errors or exceeds the upload cap.
func (i *Installer) streamToFile(body io.Reader, destination string) error {
	out, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open bundle destination: %w", err)
	}

	maxBytes := i.config.UploadMaxBytes
	written := int64(0)
	buf := make([]byte, uploadChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > maxBytes {
				out.Close()
				os.Remove(destination)
				return apperrors.Newf(apperrors.KindTooLarge,
					"Toolkit bundle exceeds the %dMB upload limit", formatLimitMB(maxBytes))
			}
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				os.Remove(destination)
				return fmt.Errorf("failed to write bundle: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(destination)
			return fmt.Errorf("failed to read bundle upload: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(destination)
		return fmt.Errorf("failed to finalize bundle: %w", err)
	}
	return nil
}

// safeMemberPath validates one zip entry name and returns the extraction
// target. Drive letters, UNC prefixes, absolute paths, and parent
// traversals are rejected; empty names resolve to the extraction root.
func safeMemberPath(rawName, resolvedRoot string) (string, error) {
	invalid := func() error {
		return apperrors.Newf(apperrors.KindInvalid, "Invalid zip entry path: %s", rawName)
	}

	normalized := strings.ReplaceAll(rawName, "\\", "/")
	normalized = strings.TrimRight(normalized, "/")

	if len(normalized) >= 2 && normalized[1] == ':' {
		return "", invalid()
	}
	if strings.HasPrefix(normalized, "//") || strings.HasPrefix(normalized, "/") {
		return "", invalid()
	}

	var parts []string
	for _, part := range strings.Split(normalized, "/") {
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			return "", invalid()
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return resolvedRoot, nil
	}

	target := filepath.Join(resolvedRoot, filepath.Join(parts...))
	if target != resolvedRoot && !strings.HasPrefix(target, resolvedRoot+string(os.PathSeparator)) {
		return "", invalid()
	}
	return target, nil
}

// ExtractBundle inflates a zip archive under {storage}/__uploads__/{dirname},
// enforcing per-file and aggregate size caps, rejecting symlink entries and
// unsafe paths, and preserving unix permission bits. The extraction
// directory is removed when any member fails.
func (i *Installer) ExtractBundle(bundlePath, extractionDirname string) (string, error) {
	uploadRoot := filepath.Join(i.config.StorageDir, "__uploads__")
	if err := os.MkdirAll(uploadRoot, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload root: %w", err)
	}

	toolkitRoot := filepath.Join(uploadRoot, extractionDirname)
	if err := os.RemoveAll(toolkitRoot); err != nil {
		return "", fmt.Errorf("failed to reset extraction dir: %w", err)
	}
	if err := os.MkdirAll(toolkitRoot, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction dir: %w", err)
	}

	if err := i.extractMembers(bundlePath, toolkitRoot); err != nil {
		os.RemoveAll(toolkitRoot)
		return "", err
	}
	return toolkitRoot, nil
}

func (i *Installer) extractMembers(bundlePath, toolkitRoot string) error {
	reader, err := zip.OpenReader(bundlePath)
	if err != nil {
		return apperrors.Newf(apperrors.KindInvalid, "Invalid zip bundle: %v", err)
	}
	defer reader.Close()

	resolvedRoot, err := filepath.EvalSymlinks(toolkitRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve extraction dir: %w", err)
	}

	maxFileBytes := i.config.BundleMaxFileBytes
	maxTotalBytes := i.config.BundleMaxBytes
	totalUncompressed := int64(0)

	for _, member := range reader.File {
		target, err := safeMemberPath(member.Name, resolvedRoot)
		if err != nil {
			return err
		}
		if target == resolvedRoot {
			continue
		}

		mode := member.Mode()
		if mode&os.ModeSymlink != 0 {
			return apperrors.New(apperrors.KindInvalid, "Toolkit bundle may not contain symbolic links")
		}

		if strings.HasSuffix(member.Name, "/") || mode.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", member.Name, err)
			}
			continue
		}

		if int64(member.UncompressedSize64) > maxFileBytes {
			return apperrors.Newf(apperrors.KindTooLarge,
				"Toolkit file '%s' exceeds the %dMB limit", member.Name, formatLimitMB(maxFileBytes))
		}

		totalUncompressed += int64(member.UncompressedSize64)
		if totalUncompressed > maxTotalBytes {
			return apperrors.Newf(apperrors.KindTooLarge,
				"Toolkit bundle expands beyond the %dMB limit", formatLimitMB(maxTotalBytes))
		}

		if err := i.inflateMember(member, target, maxFileBytes); err != nil {
			return err
		}

		if perm := mode.Perm(); perm != 0 {
			if err := os.Chmod(target, perm); err != nil {
				return fmt.Errorf("failed to set permissions on %s: %w", member.Name, err)
			}
		}
	}
	return nil
}

// inflateMember streams one zip entry to disk, re-checking the per-file cap
// as bytes land so a lying header cannot smuggle an oversized file.
func (i *Installer) inflateMember(member *zip.File, target string, maxFileBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent for %s: %w", member.Name, err)
	}

	source, err := member.Open()
	if err != nil {
		return apperrors.Newf(apperrors.KindInvalid, "Invalid zip bundle: %v", err)
	}
	defer source.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", member.Name, err)
	}

	written := int64(0)
	buf := make([]byte, uploadChunkSize)
	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > maxFileBytes {
				out.Close()
				return apperrors.Newf(apperrors.KindTooLarge,
					"Toolkit file '%s' exceeds the %dMB limit", member.Name, formatLimitMB(maxFileBytes))
			}
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return fmt.Errorf("failed to write %s: %w", member.Name, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return apperrors.Newf(apperrors.KindInvalid, "Invalid zip bundle: %v", readErr)
		}
	}
	return out.Close()
}

// InstallFromDirectory validates a bundle directory and registers the
// toolkit described by its manifest. The bundle tree is copied into
// {storage}/{slug}; an existing record is updated in place, preserving its
// enabled flag unless PreserveEnabled is false.
func (i *Installer) InstallFromDirectory(ctx context.Context, sourceDir string, opts InstallOptions) (*models.Toolkit, error) {
	toolkitRoot, err := resolveBundleRoot(sourceDir)
	if err != nil {
		return nil, err
	}
	manifest, err := loadManifest(filepath.Join(toolkitRoot, manifestFilename))
	if err != nil {
		return nil, err
	}

	manifestSlug := strings.ToLower(strings.TrimSpace(manifest.Slug))
	if manifestSlug == "" {
		return nil, apperrors.New(apperrors.KindInvalid, "toolkit.json must define a slug")
	}
	if err := ValidateSlug(manifestSlug); err != nil {
		return nil, err
	}

	slug := manifestSlug
	if opts.SlugOverride != "" {
		slug = strings.ToLower(strings.TrimSpace(opts.SlugOverride))
		if slug != manifestSlug {
			return nil, apperrors.New(apperrors.KindInvalid, "Manifest slug does not match override")
		}
	}

	name := manifest.Name
	if name == "" {
		name = defaultDisplayName(slug)
	}

	basePath := manifest.BasePath
	if basePath == "" {
		basePath = "/toolkits/" + slug
	}
	basePath = normalizeBasePath(basePath)

	frontendEntry, err := resolveFrontendEntry(toolkitRoot, manifest.Frontend.Entry,
		path.Join("frontend", "dist", "index.js"), "Frontend entry")
	if err != nil {
		return nil, err
	}
	sourceEntry, err := resolveFrontendEntry(toolkitRoot, manifest.Frontend.SourceEntry,
		path.Join("frontend", "index.tsx"), "Frontend source entry")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(i.config.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create toolkit storage: %w", err)
	}
	destRoot := filepath.Join(i.config.StorageDir, slug)
	if err := os.RemoveAll(destRoot); err != nil {
		return nil, fmt.Errorf("failed to reset toolkit directory: %w", err)
	}
	if err := copyTree(toolkitRoot, destRoot); err != nil {
		return nil, fmt.Errorf("failed to copy bundle into storage: %w", err)
	}

	if err := i.registry.ClearRemoval(ctx, slug); err != nil {
		return nil, err
	}

	create := models.ToolkitCreate{
		Slug:           slug,
		Name:           name,
		Description:    manifest.Description,
		Version:        manifest.Version,
		Enabled:        opts.EnableByDefault,
		BasePath:       basePath,
		Category:       manifest.Category,
		Tags:           manifest.Tags,
		Backend:        manifest.Backend.Module,
		BackendRouter:  manifest.Backend.RouterAttr,
		Worker:         manifest.Worker.Module,
		WorkerRegister: manifest.Worker.RegisterAttr,
		DashboardCards: manifest.DashboardCards,
		DashboardMod:   manifest.Dashboard.Module,
		DashboardAttr:  manifest.Dashboard.ContextAttr(),
		Frontend:       frontendEntry,
		SourceEntry:    sourceEntry,
		Maintainer:     manifest.Maintainer,
	}

	existing, err := i.registry.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	var toolkit *models.Toolkit
	if existing != nil {
		update := models.ToolkitUpdate{
			Name:           &create.Name,
			Description:    &create.Description,
			Version:        &create.Version,
			BasePath:       &create.BasePath,
			Tags:           &create.Tags,
			Backend:        &create.Backend,
			BackendRouter:  &create.BackendRouter,
			Worker:         &create.Worker,
			WorkerRegister: &create.WorkerRegister,
			DashboardCards: &create.DashboardCards,
			DashboardMod:   &create.DashboardMod,
			DashboardAttr:  &create.DashboardAttr,
			Frontend:       &create.Frontend,
			SourceEntry:    &create.SourceEntry,
			Maintainer:     &create.Maintainer,
		}
		if manifest.Category != "" {
			update.Category = &manifest.Category
		}
		if !opts.PreserveEnabled {
			update.Enabled = &create.Enabled
		}

		toolkit, err = i.registry.Update(ctx, slug, update)
		if err != nil {
			return nil, err
		}
		if toolkit == nil {
			toolkit, err = i.registry.Get(ctx, slug)
			if err != nil {
				return nil, err
			}
		}
	} else {
		toolkit, err = i.registry.Create(ctx, create, opts.Origin)
		if err != nil {
			return nil, err
		}
	}

	if toolkit == nil {
		return nil, apperrors.New(apperrors.KindInvalid, "Failed to install toolkit")
	}

	if toolkit.Enabled {
		i.activator.MarkRemoved(slug)
		if err := i.activator.Activate(slug); err != nil {
			i.logger.Error().Err(err).Str("slug", slug).Msg("Toolkit activation failed after install")
		}
	}

	i.logger.Info().
		Str("slug", toolkit.Slug).
		Str("origin", toolkit.Origin).
		Bool("enabled", toolkit.Enabled).
		Msg("Toolkit installed")

	return toolkit, nil
}

// resolveFrontendEntry applies the install-time default when the manifest
// omits an entry and errors when a declared entry is missing from the
// bundle. label distinguishes the built entry from the source entry in
// error messages.
func resolveFrontendEntry(toolkitRoot, declared, defaultEntry, label string) (string, error) {
	entry := strings.TrimSpace(declared)
	if entry == "" && pathExists(filepath.Join(toolkitRoot, filepath.FromSlash(defaultEntry))) {
		entry = defaultEntry
	}
	if entry != "" && !pathExists(filepath.Join(toolkitRoot, filepath.FromSlash(entry))) {
		return "", apperrors.Newf(apperrors.KindInvalid,
			"%s '%s' declared in toolkit.json was not found in the bundle", label, entry)
	}
	return entry, nil
}

// InstallFromUpload runs the whole upload pipeline: stream the archive to
// storage, extract, install, and rename the stored bundle to {slug}.zip.
// Returns the record and the final bundle filename.
func (i *Installer) InstallFromUpload(ctx context.Context, filename string, body io.Reader, slugOverride string) (*models.Toolkit, string, error) {
	if !strings.HasSuffix(filename, ".zip") {
		return nil, "", apperrors.New(apperrors.KindInvalid, "Only .zip bundles are supported")
	}

	if err := os.MkdirAll(i.config.StorageDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create toolkit storage: %w", err)
	}
	bundleFilename, bundlePath := allocateBundleDestination(i.config.StorageDir, filename)

	if err := i.streamToFile(body, bundlePath); err != nil {
		return nil, "", err
	}

	extractionDirname := slugOverride
	if extractionDirname == "" {
		extractionDirname = strings.TrimSuffix(bundleFilename, path.Ext(bundleFilename))
	}
	if extractionDirname == "" {
		extractionDirname = "bundle"
	}

	toolkitRoot, err := i.ExtractBundle(bundlePath, extractionDirname)
	if err != nil {
		os.Remove(bundlePath)
		return nil, "", err
	}
	defer os.RemoveAll(toolkitRoot)

	record, err := i.InstallFromDirectory(ctx, toolkitRoot, InstallOptions{
		SlugOverride:    slugOverride,
		Origin:          models.ToolkitOriginUploaded,
		EnableByDefault: false,
		PreserveEnabled: true,
	})
	if err != nil {
		os.Remove(bundlePath)
		return nil, "", err
	}

	desiredPath := filepath.Join(i.config.StorageDir, record.Slug+".zip")
	if bundlePath != desiredPath {
		os.Remove(desiredPath)
		if err := os.Rename(bundlePath, desiredPath); err != nil {
			return nil, "", fmt.Errorf("failed to move bundle into place: %w", err)
		}
		bundleFilename = record.Slug + ".zip"
	}

	return record, bundleFilename, nil
}

// InstallRemoteBundle persists a downloaded community bundle as
// {storage}/{slug}.zip and installs it disabled by default, preserving the
// enabled flag of an existing record.
func (i *Installer) InstallRemoteBundle(ctx context.Context, slug string, content []byte) (*models.Toolkit, error) {
	if int64(len(content)) > i.config.BundleMaxBytes {
		return nil, apperrors.Newf(apperrors.KindTooLarge,
			"Toolkit bundle exceeds the %dMB limit", formatLimitMB(i.config.BundleMaxBytes))
	}

	if err := os.MkdirAll(i.config.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create toolkit storage: %w", err)
	}

	bundlePath := filepath.Join(i.config.StorageDir, slug+".zip")
	tmp, err := os.CreateTemp(i.config.StorageDir, ".bundle-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage bundle: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to stage bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to stage bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), bundlePath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to move bundle into place: %w", err)
	}

	toolkitRoot, err := i.ExtractBundle(bundlePath, slug)
	if err != nil {
		os.Remove(bundlePath)
		return nil, err
	}
	defer os.RemoveAll(toolkitRoot)

	record, err := i.InstallFromDirectory(ctx, toolkitRoot, InstallOptions{
		SlugOverride:    slug,
		Origin:          models.ToolkitOriginCommunity,
		EnableByDefault: false,
		PreserveEnabled: true,
	})
	if err != nil {
		os.Remove(bundlePath)
		return nil, err
	}
	return record, nil
}

// RemoveArtifacts deletes the stored bundle tree and archive for a slug.
// Used after a registry delete; missing files are fine.
func (i *Installer) RemoveArtifacts(slug string) {
	if err := os.RemoveAll(filepath.Join(i.config.StorageDir, slug)); err != nil {
		i.logger.Warn().Err(err).Str("slug", slug).Msg("Failed to remove toolkit directory")
	}
	if err := os.Remove(filepath.Join(i.config.StorageDir, slug+".zip")); err != nil && !os.IsNotExist(err) {
		i.logger.Warn().Err(err).Str("slug", slug).Msg("Failed to remove toolkit bundle")
	}
}

// copyTree copies a directory tree, preserving file permission bits.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
