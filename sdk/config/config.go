// Package config provides the public SDK configuration API.
//
// It re-exports the configuration types and helpers so external projects can
// embed merchantauth without importing internal packages.
package config

import internalconfig "github.com/merchantkit/merchantauth/internal/config"

type SDKConfig = internalconfig.SDKConfig

type Config = internalconfig.Config

const (
	DefaultOAuthBaseURL    = internalconfig.DefaultOAuthBaseURL
	DefaultAPIBaseURL      = internalconfig.DefaultAPIBaseURL
	DefaultCallbackPort    = internalconfig.DefaultCallbackPort
	DefaultCallbackPath    = internalconfig.DefaultCallbackPath
	DefaultCredentialsFile = internalconfig.DefaultCredentialsFile

	StatePolicyLenient = internalconfig.StatePolicyLenient
	StatePolicyStrict  = internalconfig.StatePolicyStrict

	TierV2     = internalconfig.TierV2
	TierLegacy = internalconfig.TierLegacy
)

func LoadConfig(configFile string) (*Config, error) { return internalconfig.LoadConfig(configFile) }

func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	return internalconfig.LoadConfigOptional(configFile, optional)
}
