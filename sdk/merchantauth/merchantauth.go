// Package merchantauth is the public API of the merchant credential manager.
//
// A Manager holds the merchant credential, runs the browser authorization flow,
// refreshes the token when it expires and decorates HTTP clients so a 401 triggers
// one refresh-and-retry:
//
//	cfg, _ := config.LoadConfigOptional("config.yaml", true)
//	manager, err := merchantauth.NewManager(ctx, cfg, merchantauth.WithNotifier(merchantauth.NewBrowserNotifier(false)))
//	if err != nil { ... }
//	if !manager.HasValidTokens() {
//		if _, err = manager.Login(ctx, 0); err != nil { ... }
//	}
//	client := merchantauth.NewAPIClient(cfg.APIBaseURL, manager.APIClient())
package merchantauth

import (
	"context"
	"net/http"

	"github.com/merchantkit/merchantauth/internal/auth/merchant"
	"github.com/merchantkit/merchantauth/internal/browser"
	"github.com/merchantkit/merchantauth/internal/merchantapi"
	sdkconfig "github.com/merchantkit/merchantauth/sdk/config"
)

type (
	Manager             = merchant.Manager
	Option              = merchant.Option
	Record              = merchant.Record
	Status              = merchant.Status
	Notifier            = merchant.Notifier
	Persister           = merchant.Persister
	Watcher             = merchant.Watcher
	CredentialStore     = merchant.CredentialStore
	EnvFileStore        = merchant.EnvFileStore
	FlowController      = merchant.FlowController
	PendingFlow         = merchant.PendingFlow
	Transport           = merchant.Transport
	TokenProvider       = merchant.TokenProvider
	TierFailure         = merchant.TierFailure
	ExchangeError       = merchant.ExchangeError
	RefreshError        = merchant.RefreshError
	OAuthError          = merchant.OAuthError
	AuthenticationError = merchant.AuthenticationError

	BrowserNotifier = browser.Notifier

	APIClient = merchantapi.Client
	APIError  = merchantapi.APIError
	Page      = merchantapi.Page
)

var (
	ErrUnauthenticated      = merchant.ErrUnauthenticated
	ErrMissingCode          = merchant.ErrMissingCode
	ErrInvalidState         = merchant.ErrInvalidState
	ErrFlowAlreadyActive    = merchant.ErrFlowAlreadyActive
	ErrListenerBind         = merchant.ErrListenerBind
	ErrServerFailed         = merchant.ErrServerFailed
	ErrCallbackTimeout      = merchant.ErrCallbackTimeout
	ErrIncompleteCredential = merchant.ErrIncompleteCredential
)

var (
	WithHTTPClient     = merchant.WithHTTPClient
	WithNotifier       = merchant.WithNotifier
	WithPersister      = merchant.WithPersister
	WithoutPersistence = merchant.WithoutPersistence
	WithClock          = merchant.WithClock
)

// NewManager builds a Manager from cfg and loads any persisted credential.
func NewManager(ctx context.Context, cfg *sdkconfig.Config, opts ...Option) (*Manager, error) {
	return merchant.NewManager(ctx, cfg, opts...)
}

// NewEnvFileStore returns a persister for the key/value credential file at path.
func NewEnvFileStore(path string) *EnvFileStore { return merchant.NewEnvFileStore(path) }

// NewTransport decorates base with the bearer credential and the 401 retry.
func NewTransport(source TokenProvider, base http.RoundTripper) *Transport {
	return merchant.NewTransport(source, base)
}

// NewBrowserNotifier returns a terminal notifier that opens the browser unless noBrowser is set.
func NewBrowserNotifier(noBrowser bool) *BrowserNotifier { return browser.NewNotifier(noBrowser) }

// NewAPIClient returns a merchant resource client over httpClient.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	return merchantapi.NewClient(baseURL, httpClient)
}

// IsReauthRequired reports whether err means the user has to log in again.
func IsReauthRequired(err error) bool { return merchant.IsReauthRequired(err) }

// GetUserFriendlyMessage maps an error to text suitable for end users.
func GetUserFriendlyMessage(err error) string { return merchant.GetUserFriendlyMessage(err) }
