package merchant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/merchantkit/merchantauth/internal/logging"
	"github.com/merchantkit/merchantauth/internal/misc"
	log "github.com/sirupsen/logrus"
)

// Notifier presents the authorization URL to the user.
type Notifier interface {
	// NotifyAuthorizationURL tries to show the URL, usually by opening a browser.
	NotifyAuthorizationURL(authURL string, callbackPort int) error
	// ShowManualInstructions asks the user to open the URL themselves.
	ShowManualInstructions(authURL string, callbackPort int)
}

// logNotifier is used when no Notifier is configured.
type logNotifier struct{}

func (logNotifier) NotifyAuthorizationURL(authURL string, _ int) error {
	log.Infof("Open this URL to authorize the merchant app: %s", authURL)
	return nil
}

func (logNotifier) ShowManualInstructions(authURL string, _ int) {
	log.Infof("Open this URL to authorize the merchant app: %s", authURL)
}

// authSession is one pending authorization.
type authSession struct {
	id        string
	state     string
	authURL   string
	server    *OAuthServer
	createdAt time.Time
}

// FlowSettings configures the authorization flow.
type FlowSettings struct {
	CallbackPort    int
	CallbackPath    string
	StatePolicy     string
	CallbackTimeout time.Duration
	ShutdownGrace   time.Duration
}

// FlowSettingsFromConfig derives flow settings from the application configuration.
func FlowSettingsFromConfig(cfg *config.Config) FlowSettings {
	return FlowSettings{
		CallbackPort:    cfg.CallbackPort,
		CallbackPath:    cfg.CallbackPath,
		StatePolicy:     cfg.StatePolicy,
		CallbackTimeout: cfg.CallbackTimeoutDuration(),
		ShutdownGrace:   cfg.ShutdownGraceDuration(),
	}
}

// PendingFlow describes the authorization currently waiting for its callback.
type PendingFlow struct {
	SessionID   string
	AuthURL     string
	RedirectURI string
	StartedAt   time.Time
}

// FlowController runs the interactive authorization-code flow. At most one flow
// is pending at a time.
type FlowController struct {
	auth     *MerchantAuth
	store    *CredentialStore
	notifier Notifier
	settings FlowSettings
	now      func() time.Time

	mu     sync.Mutex
	active *authSession
}

// NewFlowController creates a flow controller. notifier may be nil.
func NewFlowController(auth *MerchantAuth, store *CredentialStore, notifier Notifier, settings FlowSettings) *FlowController {
	if notifier == nil {
		notifier = logNotifier{}
	}
	if settings.CallbackPort <= 0 {
		settings.CallbackPort = config.DefaultCallbackPort
	}
	if settings.CallbackTimeout <= 0 {
		settings.CallbackTimeout = config.DefaultCallbackTimeout
	}
	return &FlowController{
		auth:     auth,
		store:    store,
		notifier: notifier,
		settings: settings,
		now:      time.Now,
	}
}

// StartFlow runs an authorization from start to finish and blocks until it resolves.
// port overrides the configured callback port when positive.
//
// Parameters:
//   - ctx: Cancelling ctx abandons the flow
//   - port: The callback port, or zero for the configured default
//
// Returns:
//   - *Record: The stored credential
//   - error: ErrFlowAlreadyActive, ErrListenerBind, ErrCallbackTimeout, ctx.Err() or the callback failure
func (f *FlowController) StartFlow(ctx context.Context, port int) (*Record, error) {
	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state parameter: %w", err)
	}
	session := &authSession{
		id:        uuid.NewString(),
		state:     state,
		createdAt: f.now(),
	}

	f.mu.Lock()
	if f.active != nil {
		f.mu.Unlock()
		return nil, NewAuthenticationError(ErrFlowAlreadyActive, nil)
	}
	f.active = session
	f.mu.Unlock()
	defer f.clear(session)

	if port <= 0 {
		port = f.settings.CallbackPort
	}
	entry := log.WithField(logging.SessionIDField, session.id)

	server := NewOAuthServer(f.auth, f.store, OAuthServerOptions{
		Port:          port,
		CallbackPath:  f.settings.CallbackPath,
		State:         state,
		StatePolicy:   f.settings.StatePolicy,
		SessionID:     session.id,
		ShutdownGrace: f.settings.ShutdownGrace,
	})
	server.now = f.now
	if err = server.Start(); err != nil {
		entry.Errorf("failed to start OAuth callback server: %v", err)
		return nil, err
	}

	authURL := f.auth.GenerateAuthURL(state, server.RedirectURI())
	f.mu.Lock()
	session.server = server
	session.authURL = authURL
	f.mu.Unlock()

	entry.WithField("port", server.Port()).Info("Waiting for merchant authorization callback...")
	go f.notify(entry, authURL, server.Port())

	record, errResult := server.WaitForCallback(ctx, f.settings.CallbackTimeout)
	if errResult != nil {
		if errStop := server.Stop(context.Background()); errStop != nil {
			entry.Warnf("failed to stop OAuth callback server: %v", errStop)
		}
		return nil, errResult
	}

	// Let the scheduled shutdown deliver the success page before returning.
	select {
	case <-server.Done():
	case <-time.After(f.settings.ShutdownGrace + 5*time.Second):
		if errStop := server.Stop(context.Background()); errStop != nil {
			entry.Warnf("failed to stop OAuth callback server: %v", errStop)
		}
	}
	return record, nil
}

// SubmitCallbackURL completes the pending flow with a redirect URL the user copied
// from the browser, for setups where the browser cannot reach the listener.
func (f *FlowController) SubmitCallbackURL(rawURL string) error {
	cb, err := misc.ParseOAuthCallback(rawURL)
	if err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("callback URL is empty")
	}
	f.mu.Lock()
	session := f.active
	f.mu.Unlock()
	if session == nil || session.server == nil {
		return fmt.Errorf("no authorization flow is pending")
	}
	return session.server.SubmitCallback(cb)
}

// Pending returns the authorization waiting for its callback, if any.
func (f *FlowController) Pending() (PendingFlow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return PendingFlow{}, false
	}
	pending := PendingFlow{
		SessionID: f.active.id,
		AuthURL:   f.active.authURL,
		StartedAt: f.active.createdAt,
	}
	if f.active.server != nil {
		pending.RedirectURI = f.active.server.RedirectURI()
	}
	return pending, true
}

func (f *FlowController) notify(entry *log.Entry, authURL string, port int) {
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("authorization URL notifier panicked: %v", r)
			f.notifier.ShowManualInstructions(authURL, port)
		}
	}()
	if err := f.notifier.NotifyAuthorizationURL(authURL, port); err != nil {
		entry.Warnf("Failed to open browser automatically: %v", err)
		f.notifier.ShowManualInstructions(authURL, port)
	}
}

func (f *FlowController) clear(session *authSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == session {
		f.active = nil
	}
}
