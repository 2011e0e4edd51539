package sso

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RawConfig is an untyped client configuration as written by hand or decoded
// from a keycloak.json / YAML file. Keys may use the canonical hyphenated
// spelling ("auth-server-url") or the camelCase aliases ("authServerUrl").
type RawConfig map[string]interface{}

// Canonical configuration keys
const (
	KeyRealm            = "realm"
	KeyAuthServerURL    = "auth-server-url"
	KeySSLRequired      = "ssl-required"
	KeyPublicClient     = "public-client"
	KeyConfidentialPort = "confidential-port"
	KeyBearerOnly       = "bearer-only"
	KeyResource         = "resource"
	KeyCredentials      = "credentials"
	KeyRedirectProtocol = "redirectProtocol"
)

// SSL requirement levels understood by the identity provider
const (
	SSLRequiredNone     = "none"
	SSLRequiredExternal = "external"
	SSLRequiredAll      = "all"
)

// aliasRule maps one canonical key to the alias keys it may be filled from,
// in order of preference.
type aliasRule struct {
	canonical string
	aliases   []string
}

// clientConfigAliases is the complete alias table. An alias is consulted only
// when the canonical key is absent (or nil); a missing alias leaves the
// canonical field unset.
var clientConfigAliases = []aliasRule{
	{canonical: KeyAuthServerURL, aliases: []string{"authServerUrl"}},
	{canonical: KeySSLRequired, aliases: []string{"sslRequired"}},
	{canonical: KeyPublicClient, aliases: []string{"publicClient"}},
	{canonical: KeyConfidentialPort, aliases: []string{"confidentialPort"}},
	{canonical: KeyBearerOnly, aliases: []string{"bearerOnly"}},
	{canonical: KeyResource, aliases: []string{"client"}},
}

// Credentials is the opaque secret bundle of a confidential client
type Credentials map[string]string

// Secret returns the client secret, if any
func (c Credentials) Secret() string {
	return c["secret"]
}

// ClientConfig is the canonical identity-provider client configuration.
// Optional fields are pointers so that "unset" stays distinguishable from
// the zero value until defaults are applied.
type ClientConfig struct {
	Realm            string      `json:"realm,omitempty"`
	AuthServerURL    string      `json:"auth-server-url,omitempty"`
	SSLRequired      string      `json:"ssl-required,omitempty"`
	PublicClient     *bool       `json:"public-client,omitempty"`
	ConfidentialPort *int        `json:"confidential-port,omitempty"`
	BearerOnly       *bool       `json:"bearer-only,omitempty"`
	Resource         string      `json:"resource,omitempty"`
	Credentials      Credentials `json:"-"` // Never expose secrets in JSON
	RedirectProtocol string      `json:"redirectProtocol,omitempty"`
}

// IsPublicClient reports whether the client authenticates without a secret.
// An unset value counts as public.
func (c ClientConfig) IsPublicClient() bool {
	return c.PublicClient == nil || *c.PublicClient
}

// IsBearerOnly reports whether the client only accepts bearer tokens and
// never starts a login redirect
func (c ClientConfig) IsBearerOnly() bool {
	return c.BearerOnly != nil && *c.BearerOnly
}

// Issuer returns the realm issuer URL the identity provider signs tokens with
func (c ClientConfig) Issuer() string {
	return strings.TrimRight(c.AuthServerURL, "/") + "/realms/" + url.PathEscape(c.Realm)
}

// WithDefaults returns a copy of the configuration where every
// security-relevant field left unset is filled in. Values that came from a
// canonical key or an alias are kept.
func (c ClientConfig) WithDefaults() ClientConfig {
	out := c
	if out.SSLRequired == "" {
		out.SSLRequired = SSLRequiredNone
	}
	if out.PublicClient == nil {
		public := true
		out.PublicClient = &public
	}
	if out.ConfidentialPort == nil {
		port := 0
		out.ConfidentialPort = &port
	}
	if c.Credentials != nil {
		out.Credentials = make(Credentials, len(c.Credentials))
		for k, v := range c.Credentials {
			out.Credentials[k] = v
		}
	}
	return out
}

// Validate checks that the configuration is usable by the OIDC adapter
func (c ClientConfig) Validate() error {
	if c.AuthServerURL == "" {
		return fmt.Errorf("%w: auth-server-url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.AuthServerURL)
	if err != nil {
		return fmt.Errorf("%w: invalid auth-server-url: %v", ErrInvalidConfig, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: auth-server-url must be an absolute http(s) URL", ErrInvalidConfig)
	}
	if c.Realm == "" {
		return fmt.Errorf("%w: realm is required", ErrInvalidConfig)
	}
	if c.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidConfig)
	}
	switch c.SSLRequired {
	case "", SSLRequiredNone, SSLRequiredExternal, SSLRequiredAll:
	default:
		return fmt.Errorf("%w: unsupported ssl-required value %q", ErrInvalidConfig, c.SSLRequired)
	}
	if !c.IsPublicClient() && !c.IsBearerOnly() && c.Credentials.Secret() == "" {
		return fmt.Errorf("%w: credentials.secret is required for confidential clients", ErrInvalidConfig)
	}
	switch c.RedirectProtocol {
	case "", "http", "https":
	default:
		return fmt.Errorf("%w: unsupported redirectProtocol %q", ErrInvalidConfig, c.RedirectProtocol)
	}
	return nil
}

// ResolveAliases returns a copy of raw with every alias copied to its
// canonical key wherever the canonical key is missing. raw is not modified.
func ResolveAliases(raw RawConfig) RawConfig {
	out := make(RawConfig, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for _, rule := range clientConfigAliases {
		if _, ok := lookup(out, rule.canonical); ok {
			continue
		}
		for _, alias := range rule.aliases {
			if v, ok := lookup(out, alias); ok {
				out[rule.canonical] = v
				break
			}
		}
	}
	return out
}

// NormalizeConfig resolves aliases once and decodes the result into a typed
// ClientConfig. Defaults are not applied here; see ClientConfig.WithDefaults.
func NormalizeConfig(raw RawConfig) (ClientConfig, error) {
	resolved := ResolveAliases(raw)

	var (
		cfg ClientConfig
		err error
	)
	if cfg.Realm, err = stringField(resolved, KeyRealm); err != nil {
		return ClientConfig{}, err
	}
	if cfg.AuthServerURL, err = stringField(resolved, KeyAuthServerURL); err != nil {
		return ClientConfig{}, err
	}
	if cfg.SSLRequired, err = stringField(resolved, KeySSLRequired); err != nil {
		return ClientConfig{}, err
	}
	if cfg.PublicClient, err = boolField(resolved, KeyPublicClient); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ConfidentialPort, err = intField(resolved, KeyConfidentialPort); err != nil {
		return ClientConfig{}, err
	}
	if cfg.BearerOnly, err = boolField(resolved, KeyBearerOnly); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Resource, err = stringField(resolved, KeyResource); err != nil {
		return ClientConfig{}, err
	}
	if cfg.RedirectProtocol, err = stringField(resolved, KeyRedirectProtocol); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Credentials, err = credentialsField(resolved, KeyCredentials); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

// LoadRawConfig reads a client configuration file. JSON (keycloak.json) and
// YAML are both accepted.
func LoadRawConfig(path string) (RawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}

	var raw RawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse client config %s: %w", path, err)
	}
	if raw == nil {
		raw = RawConfig{}
	}
	return raw, nil
}

// lookup treats a nil value the same as a missing key
func lookup(raw RawConfig, key string) (interface{}, bool) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func stringField(raw RawConfig, key string) (string, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return "", nil
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidConfig, key, v)
	}
}

func boolField(raw RawConfig, key string) (*bool, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return nil, nil
	}
	switch val := v.(type) {
	case bool:
		return &val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidConfig, key, val)
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidConfig, key, v)
	}
}

func intField(raw RawConfig, key string) (*int, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return nil, nil
	}
	var n int
	switch val := v.(type) {
	case int:
		n = val
	case int64:
		n = int(val)
	case float64:
		n = int(val)
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidConfig, key, val)
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidConfig, key, val)
		}
		n = i
	default:
		return nil, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidConfig, key, v)
	}
	return &n, nil
}

func credentialsField(raw RawConfig, key string) (Credentials, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return nil, nil
	}

	creds := Credentials{}
	switch val := v.(type) {
	case Credentials:
		for k, s := range val {
			creds[k] = s
		}
	case map[string]string:
		for k, s := range val {
			creds[k] = s
		}
	case map[string]interface{}:
		for k, s := range val {
			str, ok := s.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s must be a string, got %T", ErrInvalidConfig, key, k, s)
			}
			creds[k] = str
		}
	default:
		return nil, fmt.Errorf("%w: %s must be an object, got %T", ErrInvalidConfig, key, v)
	}
	return creds, nil
}
