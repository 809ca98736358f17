// -----------------------------------------------------------------------
// LDAP / Active Directory Provider - service bind, lookup, verify bind
// -----------------------------------------------------------------------

package auth

import (
	"context"
	"crypto/tls"
	"sort"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/models"
)

const directoryUnavailable = "Directory service unavailable"

// LDAPConfig is the definition shape for LDAP and Active Directory
// providers. AD reuses every field and adds DefaultDomain for UPN logins.
type LDAPConfig struct {
	ProviderBase
	ServerURI       string              `json:"server_uri"`
	BindDN          string              `json:"bind_dn"`
	BindPassword    string              `json:"bind_password"`
	UserDNTemplate  string              `json:"user_dn_template"`
	UserSearchBase  string              `json:"user_search_base"`
	UserFilter      string              `json:"user_filter"`
	StartTLS        *bool               `json:"start_tls"`
	Attributes      map[string]string   `json:"attributes"`
	GroupSearchBase string              `json:"group_search_base"`
	GroupFilter     string              `json:"group_filter"`
	GroupMemberAttr string              `json:"group_member_attr"`
	RoleMappings    map[string][]string `json:"role_mappings"`
	TimeoutSeconds  int                 `json:"timeout_seconds"`
	DefaultDomain   string              `json:"default_domain"`
}

func (c *LDAPConfig) startTLS() bool {
	return c.StartTLS == nil || *c.StartTLS
}

func (c *LDAPConfig) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

func (c *LDAPConfig) memberAttr() string {
	if c.GroupMemberAttr != "" {
		return c.GroupMemberAttr
	}
	return "memberOf"
}

// attribute returns the directory attribute backing a profile field,
// falling back to the conventional names for the directory flavor.
func (c *LDAPConfig) attribute(field string, activeDirectory bool) string {
	if attr, ok := c.Attributes[field]; ok && attr != "" {
		return attr
	}
	return ldapAttributeDefaults(activeDirectory)[field]
}

func ldapAttributeDefaults(activeDirectory bool) map[string]string {
	if activeDirectory {
		return map[string]string{
			"username":     "sAMAccountName",
			"email":        "mail",
			"display_name": "displayName",
		}
	}
	return map[string]string{
		"username":     "uid",
		"email":        "mail",
		"display_name": "cn",
	}
}

// ldapDialer lets tests substitute the network layer.
type ldapDialer func(uri string, timeout time.Duration) (ldapConn, error)

// ldapConn is the slice of *ldap.Conn the provider uses.
type ldapConn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(config *tls.Config) error
	Close() error
}

func dialLDAP(uri string, timeout time.Duration) (ldapConn, error) {
	conn, err := ldap.DialURL(uri)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(timeout)
	return conn, nil
}

// LDAPProvider authenticates by binding to a directory as the user after
// locating their entry with a service bind.
type LDAPProvider struct {
	config          LDAPConfig
	activeDirectory bool
	dial            ldapDialer
	logger          arbor.ILogger
}

func NewLDAPProvider(config LDAPConfig, activeDirectory bool, logger arbor.ILogger) *LDAPProvider {
	if logger == nil {
		logger = arbor.NewLogger()
	}
	return &LDAPProvider{
		config:          config,
		activeDirectory: activeDirectory,
		dial:            dialLDAP,
		logger:          logger.WithPrefix("auth.ldap"),
	}
}

func (p *LDAPProvider) Name() string { return p.config.Name }

func (p *LDAPProvider) Type() string {
	if p.activeDirectory {
		return models.ProviderTypeActiveDirectory
	}
	return models.ProviderTypeLDAP
}

func (p *LDAPProvider) DisplayName() string { return p.config.EffectiveDisplayName() }
func (p *LDAPProvider) Flow() string        { return FlowForm }

// Begin is a no-op for form providers.
func (p *LDAPProvider) Begin(ctx context.Context, req *BeginRequest) (*models.BeginLoginResponse, error) {
	return &models.BeginLoginResponse{Type: FlowForm}, nil
}

// Complete locates the user's entry through a service connection, verifies
// the password with a fresh bind as that user, and maps directory groups
// onto application roles.
func (p *LDAPProvider) Complete(ctx context.Context, req *CompleteRequest) (*models.AuthResult, error) {
	username := strings.TrimSpace(req.Username)
	password := req.Password
	if username == "" || password == "" {
		return nil, apperrors.New(apperrors.KindInvalid, "Missing credentials")
	}

	conn, err := p.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := p.serviceBind(conn); err != nil {
		return nil, err
	}

	entry, err := p.findEntry(conn, username)
	if err != nil {
		return nil, err
	}

	if err := p.verifyPassword(entry.DN, username, password); err != nil {
		return nil, err
	}

	groups := p.collectGroups(conn, entry, username)
	usernameAttr := entry.GetAttributeValue(p.config.attribute("username", p.activeDirectory))
	if usernameAttr == "" {
		usernameAttr = username
	}
	displayName := entry.GetAttributeValue(p.config.attribute("display_name", p.activeDirectory))
	if displayName == "" {
		displayName = username
	}

	return &models.AuthResult{
		ExternalID:  entry.DN,
		Username:    usernameAttr,
		Email:       entry.GetAttributeValue(p.config.attribute("email", p.activeDirectory)),
		DisplayName: displayName,
		Provider:    p.config.Name,
		Attributes: map[string]interface{}{
			"groups": groups,
			"dn":     entry.DN,
		},
		Roles: mapGroupsToRoles(groups, p.config.Roles(), p.config.RoleMappings),
	}, nil
}

func (p *LDAPProvider) connect() (ldapConn, error) {
	conn, err := p.dial(p.config.ServerURI, p.config.timeout())
	if err != nil {
		p.logger.Error().Err(err).Str("server", p.config.ServerURI).Msg("LDAP connection failed")
		return nil, apperrors.Wrap(apperrors.KindBadGateway, err, directoryUnavailable)
	}
	if p.config.startTLS() && strings.HasPrefix(p.config.ServerURI, "ldap://") {
		host := strings.TrimPrefix(p.config.ServerURI, "ldap://")
		if idx := strings.IndexAny(host, ":/"); idx >= 0 {
			host = host[:idx]
		}
		if err := conn.StartTLS(&tls.Config{ServerName: host}); err != nil {
			conn.Close()
			p.logger.Error().Err(err).Msg("LDAP StartTLS failed")
			return nil, apperrors.Wrap(apperrors.KindBadGateway, err, directoryUnavailable)
		}
	}
	return conn, nil
}

func (p *LDAPProvider) serviceBind(conn ldapConn) error {
	var err error
	if p.config.BindDN != "" {
		err = conn.Bind(p.config.BindDN, p.config.BindPassword)
	} else {
		err = conn.UnauthenticatedBind("")
	}
	if err != nil {
		p.logger.Error().Err(err).Msg("LDAP service bind failed")
		return apperrors.Wrap(apperrors.KindBadGateway, err, directoryUnavailable)
	}
	return nil
}

func (p *LDAPProvider) findEntry(conn ldapConn, username string) (*ldap.Entry, error) {
	var request *ldap.SearchRequest
	if p.config.UserDNTemplate != "" {
		userDN := formatPlaceholders(p.config.UserDNTemplate, map[string]string{"username": username})
		request = ldap.NewSearchRequest(
			userDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
			"(objectClass=*)", []string{"*"}, nil,
		)
	} else {
		filterTemplate := p.config.UserFilter
		if filterTemplate == "" {
			filterTemplate = "(uid={username})"
		}
		filter := formatPlaceholders(filterTemplate, map[string]string{"username": ldap.EscapeFilter(username)})
		request = ldap.NewSearchRequest(
			p.config.UserSearchBase, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
			filter, []string{"*"}, nil,
		)
	}

	result, err := conn.Search(request)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, apperrors.New(apperrors.KindNotFound, "LDAP user not found")
		}
		p.logger.Error().Err(err).Msg("LDAP user search failed")
		return nil, apperrors.Wrap(apperrors.KindBadGateway, err, directoryUnavailable)
	}
	if len(result.Entries) == 0 {
		return nil, apperrors.New(apperrors.KindNotFound, "LDAP user not found")
	}
	return result.Entries[0], nil
}

// verifyPassword opens a fresh connection and binds as the located user.
// Active Directory tries the UPN form first, then falls back to the DN.
func (p *LDAPProvider) verifyPassword(userDN, username, password string) error {
	candidates := []string{userDN}
	if p.activeDirectory {
		if upn := upnFor(username, p.config.DefaultDomain); upn != "" {
			candidates = []string{upn, userDN}
		}
	}

	var lastErr error
	for _, principal := range candidates {
		conn, err := p.connect()
		if err != nil {
			return err
		}
		err = conn.Bind(principal, password)
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return apperrors.Wrap(apperrors.KindUnauthorized, lastErr, "Invalid username or password")
}

func (p *LDAPProvider) collectGroups(conn ldapConn, entry *ldap.Entry, username string) []string {
	groups := append([]string{}, entry.GetAttributeValues(p.config.memberAttr())...)

	if p.config.GroupSearchBase != "" && p.config.GroupFilter != "" {
		filter := formatPlaceholders(p.config.GroupFilter, map[string]string{
			"user_dn":  ldap.EscapeFilter(entry.DN),
			"username": ldap.EscapeFilter(username),
		})
		request := ldap.NewSearchRequest(
			p.config.GroupSearchBase, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter, []string{"cn"}, nil,
		)
		if result, err := conn.Search(request); err == nil {
			for _, groupEntry := range result.Entries {
				groups = append(groups, groupEntry.DN)
			}
		} else {
			p.logger.Warn().Err(err).Msg("LDAP group search failed")
		}
	}
	return groups
}

// upnFor appends the default domain unless the login already looks like a
// UPN. Empty when no domain is configured.
func upnFor(username, defaultDomain string) string {
	if defaultDomain == "" {
		return ""
	}
	if strings.Contains(username, "@") {
		return username
	}
	return username + "@" + defaultDomain
}

// formatPlaceholders substitutes {name} markers in directory templates.
func formatPlaceholders(template string, values map[string]string) string {
	out := template
	for key, value := range values {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

// mapGroupsToRoles unions default roles with every mapping hit, sorted.
func mapGroupsToRoles(groups, defaults []string, mappings map[string][]string) []string {
	roles := make(map[string]bool)
	for _, role := range defaults {
		roles[role] = true
	}
	for _, group := range groups {
		for _, role := range mappings[group] {
			roles[role] = true
		}
	}
	out := make([]string, 0, len(roles))
	for role := range roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
