package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultOAuthBaseURL is the sandbox authorization server.
	DefaultOAuthBaseURL = "https://sandbox.dev.clover.com"
	// DefaultAPIBaseURL is the sandbox merchant REST API.
	DefaultAPIBaseURL = "https://apisandbox.dev.clover.com"
	// DefaultCallbackPort is the local port the OAuth callback listener binds to.
	DefaultCallbackPort = 8089
	// DefaultCallbackPath is the redirect path registered with the merchant app.
	DefaultCallbackPath = "/oauth/callback"
	// DefaultCredentialsFile is the key/value file mirroring the current credential.
	DefaultCredentialsFile = "merchant.env"
	// DefaultRequestTimeout bounds outbound HTTP requests.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultCallbackTimeout bounds how long a login waits for the browser redirect.
	DefaultCallbackTimeout = 5 * time.Minute
	// DefaultShutdownGrace delays listener shutdown so the result page can render.
	DefaultShutdownGrace = time.Second
)

// Authorization URL styles.
const (
	AuthorizeURLLegacy = "legacy"
	AuthorizeURLV2     = "v2"
)

// State validation policies for the callback listener.
const (
	StatePolicyLenient = "lenient"
	StatePolicyStrict  = "strict"
)

// Token endpoint tiers, tried in the configured order.
const (
	TierV2     = "v2"
	TierLegacy = "legacy"
)

// Config represents the application's configuration, loaded from a YAML file
// and overridden by environment variables.
type Config struct {
	SDKConfig `yaml:",inline"`

	// OAuthBaseURL is the authorization server origin hosting /oauth/* endpoints.
	OAuthBaseURL string `yaml:"oauth-base-url" json:"oauth-base-url"`

	// APIBaseURL is the merchant REST API origin.
	APIBaseURL string `yaml:"api-base-url" json:"api-base-url"`

	// ClientID is the app ID issued by the merchant platform.
	ClientID string `yaml:"client-id" json:"client-id"`

	// ClientSecret is the app secret issued by the merchant platform.
	ClientSecret string `yaml:"client-secret" json:"-"`

	// CallbackPort is the local port for the OAuth redirect listener.
	CallbackPort int `yaml:"callback-port" json:"callback-port"`

	// CallbackPath is the redirect path served by the listener.
	CallbackPath string `yaml:"callback-path" json:"callback-path"`

	// AuthorizeURLStyle selects the authorization URL form: "legacy" (default) or "v2".
	AuthorizeURLStyle string `yaml:"authorize-url-style" json:"authorize-url-style"`

	// TokenTiers lists the token endpoint tiers in the order they are attempted.
	// Defaults to ["v2", "legacy"].
	TokenTiers []string `yaml:"token-tiers" json:"token-tiers"`

	// StatePolicy controls how the listener treats a state mismatch: "lenient" logs and
	// proceeds, "strict" rejects the callback.
	StatePolicy string `yaml:"state-policy" json:"state-policy"`

	// CredentialsFile is the key/value file mirroring the credential. Empty disables persistence
	// only when DisablePersistence is set; otherwise DefaultCredentialsFile is used.
	CredentialsFile string `yaml:"credentials-file" json:"credentials-file"`

	// DisablePersistence keeps credentials in memory only.
	DisablePersistence bool `yaml:"disable-persistence" json:"disable-persistence"`

	// CallbackTimeout bounds how long a login waits for the redirect, e.g. "5m".
	CallbackTimeout string `yaml:"callback-timeout" json:"callback-timeout"`

	// ShutdownGrace delays listener shutdown after a completed callback, e.g. "1s".
	ShutdownGrace string `yaml:"shutdown-grace" json:"shutdown-grace"`

	// RefreshLead refreshes access tokens this long before they expire, e.g. "2m".
	RefreshLead string `yaml:"refresh-lead" json:"refresh-lead"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir overrides the directory used when LoggingToFile is enabled.
	LogDir string `yaml:"log-dir" json:"log-dir"`
}

// LoadConfig reads a YAML configuration file and applies defaults and environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file when optional is true.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(configFile) != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !(optional && errors.Is(err, os.ErrNotExist)) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if len(data) > 0 {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overrides configuration values from the environment.
// lookup is usually os.LookupEnv; tests pass a map-backed function.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := lookup(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}
	if v, ok := get("MERCHANT_CLIENT_ID", "merchant_client_id"); ok {
		c.ClientID = v
	}
	if v, ok := get("MERCHANT_CLIENT_SECRET", "merchant_client_secret"); ok {
		c.ClientSecret = v
	}
	if v, ok := get("MERCHANT_OAUTH_BASE_URL", "merchant_oauth_base_url"); ok {
		c.OAuthBaseURL = v
	}
	if v, ok := get("MERCHANT_API_BASE_URL", "merchant_api_base_url"); ok {
		c.APIBaseURL = v
	}
	if v, ok := get("MERCHANT_CALLBACK_PORT", "merchant_callback_port"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.CallbackPort = port
		}
	}
	if v, ok := get("MERCHANT_CREDENTIALS_FILE", "merchant_credentials_file"); ok {
		c.CredentialsFile = v
	}
	if v, ok := get("MERCHANT_STATE_POLICY", "merchant_state_policy"); ok {
		c.StatePolicy = v
	}
	if v, ok := get("MERCHANT_PROXY_URL", "merchant_proxy_url"); ok {
		c.ProxyURL = v
	}
	if v, ok := get("MERCHANT_DEBUG", "merchant_debug"); ok {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Debug = debug
		}
	}
}

// ApplyDefaults fills unset fields with their defaults and normalizes enumerations.
func (c *Config) ApplyDefaults() {
	c.OAuthBaseURL = strings.TrimRight(strings.TrimSpace(c.OAuthBaseURL), "/")
	if c.OAuthBaseURL == "" {
		c.OAuthBaseURL = DefaultOAuthBaseURL
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.CallbackPort <= 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	c.CallbackPath = strings.TrimSpace(c.CallbackPath)
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		c.CallbackPath = "/" + c.CallbackPath
	}
	switch strings.ToLower(strings.TrimSpace(c.AuthorizeURLStyle)) {
	case AuthorizeURLV2:
		c.AuthorizeURLStyle = AuthorizeURLV2
	default:
		c.AuthorizeURLStyle = AuthorizeURLLegacy
	}
	switch strings.ToLower(strings.TrimSpace(c.StatePolicy)) {
	case StatePolicyStrict:
		c.StatePolicy = StatePolicyStrict
	default:
		c.StatePolicy = StatePolicyLenient
	}
	tiers := make([]string, 0, len(c.TokenTiers))
	seen := make(map[string]struct{}, 2)
	for _, tier := range c.TokenTiers {
		tier = strings.ToLower(strings.TrimSpace(tier))
		if tier != TierV2 && tier != TierLegacy {
			continue
		}
		if _, dup := seen[tier]; dup {
			continue
		}
		seen[tier] = struct{}{}
		tiers = append(tiers, tier)
	}
	if len(tiers) == 0 {
		tiers = []string{TierV2, TierLegacy}
	}
	c.TokenTiers = tiers
	if !c.DisablePersistence && strings.TrimSpace(c.CredentialsFile) == "" {
		c.CredentialsFile = DefaultCredentialsFile
	}
}

// Validate reports configuration that makes an OAuth flow impossible.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client-id (MERCHANT_CLIENT_ID)")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client-secret (MERCHANT_CLIENT_SECRET)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// RequestTimeoutDuration returns the parsed outbound request timeout. Zero means
// the default, matching util.NewHTTPClient.
func (c *Config) RequestTimeoutDuration() time.Duration {
	if d := parseDuration(c.RequestTimeout, DefaultRequestTimeout); d > 0 {
		return d
	}
	return DefaultRequestTimeout
}

// CallbackTimeoutDuration returns the parsed callback wait timeout.
func (c *Config) CallbackTimeoutDuration() time.Duration {
	return parseDuration(c.CallbackTimeout, DefaultCallbackTimeout)
}

// ShutdownGraceDuration returns the parsed listener shutdown grace delay.
func (c *Config) ShutdownGraceDuration() time.Duration {
	return parseDuration(c.ShutdownGrace, DefaultShutdownGrace)
}

// RefreshLeadDuration returns the parsed proactive refresh lead; zero when unset.
func (c *Config) RefreshLeadDuration() time.Duration {
	return parseDuration(c.RefreshLead, 0)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
