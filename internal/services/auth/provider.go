// -----------------------------------------------------------------------
// Provider - pluggable identity provider contract
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"strings"

	"github.com/ternarybob/toolbox/internal/models"
)

// Login flow styles reported to the UI.
const (
	FlowForm     = "form"
	FlowRedirect = "redirect"
)

// RequestMeta carries client attribution for audit rows.
type RequestMeta struct {
	SourceIP  string
	UserAgent string
}

// BeginRequest starts a login flow. BaseURL is the externally visible
// server root used to build callback URLs when the provider config does
// not pin one.
type BeginRequest struct {
	BaseURL string
	Next    string
	Mode    string
}

// CompleteRequest finishes a login flow. Form providers read Username and
// Password; redirect providers read Code plus the verified State payload.
type CompleteRequest struct {
	BaseURL  string
	Username string
	Password string
	Code     string
	State    *StatePayload
	Meta     RequestMeta
}

// Provider is one configured identity source. Implementations must be safe
// for concurrent use; the registry shares a single instance per name.
type Provider interface {
	Name() string
	Type() string
	DisplayName() string
	Flow() string
	Begin(ctx context.Context, req *BeginRequest) (*models.BeginLoginResponse, error)
	Complete(ctx context.Context, req *CompleteRequest) (*models.AuthResult, error)
}

// ProviderBase holds the definition fields every provider type shares.
// Definitions arrive as flat JSON objects, either from config or from
// database records.
type ProviderBase struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	DisplayName  string   `json:"display_name"`
	Enabled      *bool    `json:"enabled"`
	DefaultRoles []string `json:"default_roles"`
}

// IsEnabled treats a missing enabled flag as true.
func (b *ProviderBase) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// EffectiveDisplayName falls back to the title-cased name.
func (b *ProviderBase) EffectiveDisplayName() string {
	if b.DisplayName != "" {
		return b.DisplayName
	}
	if b.Name == "" {
		return b.Name
	}
	return strings.ToUpper(b.Name[:1]) + b.Name[1:]
}

// Roles returns the definition's default roles, never nil.
func (b *ProviderBase) Roles() []string {
	if len(b.DefaultRoles) == 0 {
		return []string{}
	}
	return b.DefaultRoles
}

// Descriptor projects a provider into its public listing entry.
func Descriptor(p Provider) models.ProviderDescriptor {
	return models.ProviderDescriptor{
		Name:        p.Name(),
		DisplayName: p.DisplayName(),
		Type:        p.Type(),
		Flow:        p.Flow(),
	}
}
