// Package config provides configuration management for the merchantauth client.
// It handles loading and parsing YAML configuration files, applies environment
// overrides, and exposes structured access to OAuth endpoints, client credentials,
// callback listener settings, credential persistence and logging options.
package config

// SDKConfig holds the transport settings shared by every outbound HTTP client.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	// Supported schemes are socks5, http and https.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestTimeout bounds each outbound HTTP request, e.g. "30s".
	// Empty, zero or invalid values fall back to DefaultRequestTimeout.
	RequestTimeout string `yaml:"request-timeout,omitempty" json:"request-timeout,omitempty"`
}
