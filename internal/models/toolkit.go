// -----------------------------------------------------------------------
// Toolkit - Registry record for an installed toolkit
// -----------------------------------------------------------------------

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Toolkit origins. Builtin toolkits are compiled into the binary, bundled
// ones ship with the release archive, the rest arrive through the install
// surfaces.
const (
	ToolkitOriginBuiltin   = "builtin"
	ToolkitOriginBundled   = "bundled"
	ToolkitOriginUploaded  = "uploaded"
	ToolkitOriginCommunity = "community"
	ToolkitOriginCustom    = "custom"
)

// DashboardCard is a tile a toolkit contributes to the landing dashboard.
type DashboardCard struct {
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Link     string `json:"link,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// DashboardCards stores a card list as a JSON column.
type DashboardCards []DashboardCard

func (c DashboardCards) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *DashboardCards) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported dashboard card column type %T", value)
	}
	if len(data) == 0 {
		*c = nil
		return nil
	}
	return json.Unmarshal(data, c)
}

// StringList stores a string slice as a JSON column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string list column type %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

const TableNameToolkits = "toolkits"

// Toolkit is the authoritative registry row for an installed toolkit. The
// same shape is cached as JSON in a Redis hash for cheap reads; SQL remains
// the source of truth.
type Toolkit struct {
	Slug           string         `gorm:"column:slug;primaryKey" json:"slug"`
	Name           string         `gorm:"column:name;not null" json:"name"`
	Description    string         `gorm:"column:description" json:"description"`
	Version        string         `gorm:"column:version" json:"version,omitempty"`
	Origin         string         `gorm:"column:origin;not null;default:builtin" json:"origin"`
	Enabled        bool           `gorm:"column:enabled;not null;default:false" json:"enabled"`
	BasePath       string         `gorm:"column:base_path" json:"base_path"`
	Category       string         `gorm:"column:category" json:"category,omitempty"`
	Tags           StringList     `gorm:"column:tags;type:text" json:"tags,omitempty"`
	Backend        string         `gorm:"column:backend_module" json:"backend_module,omitempty"`
	BackendRouter  string         `gorm:"column:backend_router_attr" json:"backend_router_attr,omitempty"`
	Worker         string         `gorm:"column:worker_module" json:"worker_module,omitempty"`
	WorkerRegister string         `gorm:"column:worker_register_attr" json:"worker_register_attr,omitempty"`
	DashboardCards DashboardCards `gorm:"column:dashboard_cards;type:text" json:"dashboard_cards,omitempty"`
	DashboardMod   string         `gorm:"column:dashboard_context_module" json:"dashboard_context_module,omitempty"`
	DashboardAttr  string         `gorm:"column:dashboard_context_attr" json:"dashboard_context_attr,omitempty"`
	Frontend       string         `gorm:"column:frontend_entry" json:"frontend_entry,omitempty"`
	SourceEntry    string         `gorm:"column:frontend_source_entry" json:"frontend_source_entry,omitempty"`
	Maintainer     string         `gorm:"column:maintainer" json:"maintainer,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (*Toolkit) TableName() string {
	return TableNameToolkits
}

// IsBuiltin reports whether the toolkit is compiled into the binary and so
// can never be uninstalled.
func (t *Toolkit) IsBuiltin() bool {
	return t.Origin == ToolkitOriginBuiltin
}

const TableNameToolkitRemovals = "toolkit_removals"

// ToolkitRemoval is the tombstone row that keeps a deleted bundled toolkit
// from being reinstalled by the seeder on the next boot.
type ToolkitRemoval struct {
	Slug      string    `gorm:"column:slug;primaryKey" json:"slug"`
	RemovedAt time.Time `gorm:"column:removed_at;autoCreateTime" json:"removed_at"`
}

func (*ToolkitRemoval) TableName() string {
	return TableNameToolkitRemovals
}

// ToolkitCreate is the payload for registering a toolkit directly, without
// a bundle upload.
type ToolkitCreate struct {
	Slug           string         `json:"slug" validate:"required"`
	Name           string         `json:"name" validate:"required"`
	Description    string         `json:"description"`
	Version        string         `json:"version"`
	Enabled        bool           `json:"enabled"`
	BasePath       string         `json:"base_path"`
	Category       string         `json:"category"`
	Tags           []string       `json:"tags"`
	Backend        string         `json:"backend_module"`
	BackendRouter  string         `json:"backend_router_attr"`
	Worker         string         `json:"worker_module"`
	WorkerRegister string         `json:"worker_register_attr"`
	DashboardCards DashboardCards `json:"dashboard_cards"`
	DashboardMod   string         `json:"dashboard_context_module"`
	DashboardAttr  string         `json:"dashboard_context_attr"`
	Frontend       string         `json:"frontend_entry"`
	SourceEntry    string         `json:"frontend_source_entry"`
	Maintainer     string         `json:"maintainer"`
}

// ToolkitUpdate carries partial changes to a registry row. Nil fields are
// left untouched.
type ToolkitUpdate struct {
	Name           *string         `json:"name"`
	Description    *string         `json:"description"`
	Version        *string         `json:"version"`
	Enabled        *bool           `json:"enabled"`
	BasePath       *string         `json:"base_path"`
	Category       *string         `json:"category"`
	Tags           *[]string       `json:"tags"`
	Backend        *string         `json:"backend_module"`
	BackendRouter  *string         `json:"backend_router_attr"`
	Worker         *string         `json:"worker_module"`
	WorkerRegister *string         `json:"worker_register_attr"`
	DashboardCards *DashboardCards `json:"dashboard_cards"`
	DashboardMod   *string         `json:"dashboard_context_module"`
	DashboardAttr  *string         `json:"dashboard_context_attr"`
	Frontend       *string         `json:"frontend_entry"`
	SourceEntry    *string         `json:"frontend_source_entry"`
	Maintainer     *string         `json:"maintainer"`
}

// CatalogEntry is one toolkit advertised by the community catalog feed.
// ResolvedBundleURL is filled server-side with the first candidate URL that
// validated, so the UI can link straight to the artifact.
type CatalogEntry struct {
	Slug              string   `json:"slug"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Version           string   `json:"version,omitempty"`
	BundleURL         string   `json:"bundle_url,omitempty"`
	ResolvedBundleURL string   `json:"resolved_bundle_url,omitempty"`
	Homepage          string   `json:"homepage,omitempty"`
	Maintainer        string   `json:"maintainer,omitempty"`
	Maintainers       []string `json:"maintainers,omitempty"`
	Categories        []string `json:"categories,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

// CatalogPage is the community catalog listing returned to the UI.
// ConfiguredURL is the admin override when one is stored, CatalogURL the
// URL that was actually fetched.
type CatalogPage struct {
	CatalogURL    string         `json:"catalog_url,omitempty"`
	ConfiguredURL string         `json:"configured_url,omitempty"`
	Toolkits      []CatalogEntry `json:"toolkits"`
}

// InstallResult reports a completed bundle installation.
type InstallResult struct {
	Uploaded bool     `json:"uploaded"`
	Toolkit  *Toolkit `json:"toolkit"`
}

// ToolkitUpdateInfo reports that the community catalog advertises a newer
// version of an installed toolkit.
type ToolkitUpdateInfo struct {
	Slug             string `json:"slug"`
	InstalledVersion string `json:"installed_version"`
	AvailableVersion string `json:"available_version"`
	Source           string `json:"source"`
}
