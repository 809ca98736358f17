// -----------------------------------------------------------------------
// Provider Registry - config- and database-managed identity providers
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

// Registry owns the live provider set. Definitions come from the inline
// config JSON, an optional definitions file, and enabled database records,
// in that order; a later definition with the same name replaces an earlier
// one, so database records win over static config.
type Registry struct {
	config  *common.AuthConfig
	db      *gorm.DB
	kv      *storage.KV
	users   *Users
	audit   *Audit
	codec   *StateCodec
	secrets *SecretStore
	logger  arbor.ILogger

	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

func NewRegistry(
	config *common.AuthConfig,
	db *gorm.DB,
	kv *storage.KV,
	users *Users,
	audit *Audit,
	codec *StateCodec,
	secrets *SecretStore,
	logger arbor.ILogger,
) *Registry {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &Registry{
		config:    config,
		db:        db,
		kv:        kv,
		users:     users,
		audit:     audit,
		codec:     codec,
		secrets:   secrets,
		logger:    logger.WithPrefix("auth.registry"),
		providers: map[string]Provider{},
	}
}

// Reload rebuilds the provider set from every source. Individual broken
// definitions are logged and skipped so one bad record cannot take down
// every login option.
func (r *Registry) Reload(ctx context.Context) error {
	definitions, err := r.collectDefinitions(ctx)
	if err != nil {
		return err
	}
	if len(definitions) == 0 {
		definitions = []map[string]interface{}{
			{"name": "local", "type": "local", "display_name": "Local"},
		}
	}

	providers := map[string]Provider{}
	order := []string{}
	for _, raw := range definitions {
		provider, err := r.buildProvider(ctx, raw)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("provider", stringField(raw, "name")).
				Msg("Skipping auth provider")
			continue
		}
		if provider == nil {
			continue
		}
		if _, exists := providers[provider.Name()]; !exists {
			order = append(order, provider.Name())
		}
		providers[provider.Name()] = provider
	}

	r.mu.Lock()
	r.providers = providers
	r.order = order
	r.mu.Unlock()

	r.logger.Info().Int("count", len(providers)).Msg("Auth providers loaded")
	return nil
}

// Get returns the provider registered under a name, or nil.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns public descriptors for every registered provider, in load
// order.
func (r *Registry) List() []models.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Descriptor(r.providers[name]))
	}
	return out
}

func (r *Registry) collectDefinitions(ctx context.Context) ([]map[string]interface{}, error) {
	var definitions []map[string]interface{}

	if r.config.ProvidersJSON != "" {
		parsed, err := parseProviderList([]byte(r.config.ProvidersJSON))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInvalid, err, "invalid AUTH_PROVIDERS_JSON")
		}
		definitions = append(definitions, parsed...)
	}

	if r.config.ProvidersFile != "" {
		data, err := os.ReadFile(r.config.ProvidersFile)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.KindInvalid, err, "auth providers file not found: %s", r.config.ProvidersFile)
		}
		parsed, err := parseProviderList(data)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInvalid, err, "invalid auth providers file")
		}
		definitions = append(definitions, parsed...)
	}

	if r.db != nil {
		var records []models.AuthProviderRecord
		err := r.db.WithContext(ctx).
			Where("enabled = ?", true).
			Order("name ASC").
			Find(&records).Error
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "failed to load provider records")
		}
		for _, record := range records {
			var raw map[string]interface{}
			if err := json.Unmarshal([]byte(record.Config), &raw); err != nil {
				r.logger.Warn().Err(err).Str("provider", record.Name).Msg("Provider record has invalid config JSON")
				continue
			}
			if _, ok := raw["name"]; !ok {
				raw["name"] = record.Name
			}
			if _, ok := raw["type"]; !ok {
				raw["type"] = record.Type
			}
			definitions = append(definitions, raw)
		}
	}

	return definitions, nil
}

// parseProviderList accepts a JSON array first and falls back to YAML so
// hand-written definition files stay friendly.
func parseProviderList(data []byte) ([]map[string]interface{}, error) {
	var viaJSON []map[string]interface{}
	if err := json.Unmarshal(data, &viaJSON); err == nil {
		return viaJSON, nil
	}
	var viaYAML []map[string]interface{}
	if err := yaml.Unmarshal(data, &viaYAML); err != nil {
		return nil, fmt.Errorf("provider definitions are neither JSON nor YAML: %w", err)
	}
	return viaYAML, nil
}

func (r *Registry) buildProvider(ctx context.Context, raw map[string]interface{}) (Provider, error) {
	if r.secrets != nil {
		if err := resolveConfigSecrets(ctx, r.secrets, raw); err != nil {
			return nil, err
		}
	}

	providerType := strings.ToLower(stringField(raw, "type"))
	if providerType == "" {
		providerType = models.ProviderTypeLocal
	}
	name := stringField(raw, "name")
	if name == "" {
		return nil, fmt.Errorf("provider definition is missing a name")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider definition: %w", err)
	}

	// Database rows are filtered on enabled before they reach this point,
	// so only config-file definitions can be disabled here. A nil, nil
	// return drops the definition without logging a skip warning.
	var base ProviderBase
	if err := json.Unmarshal(encoded, &base); err != nil {
		return nil, fmt.Errorf("invalid provider definition %s: %w", name, err)
	}
	if !base.IsEnabled() {
		return nil, nil
	}

	switch providerType {
	case models.ProviderTypeLocal:
		var config LocalConfig
		if err := json.Unmarshal(encoded, &config); err != nil {
			return nil, fmt.Errorf("invalid local provider config: %w", err)
		}
		var throttle *Throttle
		if r.kv != nil {
			throttle = NewThrottle(r.kv, config.ThrottleConfig())
		}
		return NewLocalProvider(config, r.users, r.audit, throttle, r.logger), nil

	case models.ProviderTypeOIDC:
		var config OIDCConfig
		if err := json.Unmarshal(encoded, &config); err != nil {
			return nil, fmt.Errorf("invalid oidc provider config: %w", err)
		}
		if config.DiscoveryURL == "" || config.ClientID == "" {
			return nil, fmt.Errorf("oidc provider %s requires discovery_url and client_id", name)
		}
		return NewOIDCProvider(config, r.codec, r.logger), nil

	case models.ProviderTypeLDAP, models.ProviderTypeActiveDirectory:
		var config LDAPConfig
		if err := json.Unmarshal(encoded, &config); err != nil {
			return nil, fmt.Errorf("invalid ldap provider config: %w", err)
		}
		if config.ServerURI == "" {
			return nil, fmt.Errorf("ldap provider %s requires server_uri", name)
		}
		return NewLDAPProvider(config, providerType == models.ProviderTypeActiveDirectory, r.logger), nil

	default:
		return nil, fmt.Errorf("unsupported auth provider type: %s", providerType)
	}
}

func stringField(raw map[string]interface{}, key string) string {
	value, _ := raw[key].(string)
	return value
}
