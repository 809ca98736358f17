package models

// ToolkitManifest mirrors the toolkit.json file found at the root of every
// toolkit bundle. Only Slug is mandatory; everything else has install-time
// defaults.
type ToolkitManifest struct {
	Slug           string            `json:"slug"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Version        string            `json:"version"`
	BasePath       string            `json:"base_path"`
	Category       string            `json:"category"`
	Tags           []string          `json:"tags"`
	Maintainer     string            `json:"maintainer"`
	Backend        ManifestBackend   `json:"backend"`
	Worker         ManifestWorker    `json:"worker"`
	Dashboard      ManifestDashboard `json:"dashboard"`
	DashboardCards []DashboardCard   `json:"dashboard_cards"`
	Frontend       ManifestFrontend  `json:"frontend"`
}

// ManifestBackend names the HTTP surface a bundle mounts under its base path.
type ManifestBackend struct {
	Module     string `json:"module"`
	RouterAttr string `json:"router_attr"`
}

// ManifestWorker names the worker registration hook for a bundle.
type ManifestWorker struct {
	Module       string `json:"module"`
	RegisterAttr string `json:"register_attr"`
}

// ManifestDashboard names the dashboard context builder for a bundle.
// Callable wins over Attr when both are present.
type ManifestDashboard struct {
	Module   string `json:"module"`
	Callable string `json:"callable"`
	Attr     string `json:"attr"`
}

// ManifestFrontend points at the built UI entry and its source, both paths
// relative to the bundle root.
type ManifestFrontend struct {
	Entry       string `json:"entry"`
	SourceEntry string `json:"source_entry"`
}

// ContextAttr resolves the dashboard hook name, preferring callable.
func (d ManifestDashboard) ContextAttr() string {
	if d.Callable != "" {
		return d.Callable
	}
	return d.Attr
}
