package merchant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/merchantkit/merchantauth/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Status summarizes the current credential for display.
type Status struct {
	Authenticated         bool      `json:"authenticated"`
	MerchantID            string    `json:"merchant_id,omitempty"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at,omitzero"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitzero"`
	HasRefreshToken       bool      `json:"has_refresh_token"`
	FlowPending           bool      `json:"flow_pending"`
	CredentialsFile       string    `json:"credentials_file,omitempty"`
}

// Manager owns the credential store and ties the token protocol, the authorization
// flow and the request decorator together. Create one per process and share it.
type Manager struct {
	cfg         *config.Config
	auth        *MerchantAuth
	store       *CredentialStore
	flow        *FlowController
	httpClient  *http.Client
	refreshLead time.Duration
	now         func() time.Time

	refreshGroup singleflight.Group
}

// Option customizes a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	httpClient *http.Client
	notifier   Notifier
	persister  Persister
	noPersist  bool
	now        func() time.Time
}

// WithHTTPClient sets the client used for token endpoint calls and as the base of APIClient.
func WithHTTPClient(client *http.Client) Option {
	return func(o *managerOptions) { o.httpClient = client }
}

// WithNotifier sets how the authorization URL is presented.
func WithNotifier(notifier Notifier) Option {
	return func(o *managerOptions) { o.notifier = notifier }
}

// WithPersister replaces the credential file persister.
func WithPersister(persister Persister) Option {
	return func(o *managerOptions) { o.persister = persister }
}

// WithoutPersistence keeps the credential in memory only.
func WithoutPersistence() Option {
	return func(o *managerOptions) { o.noPersist = true }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) { o.now = now }
}

// NewManager builds a Manager from cfg and loads any persisted credential.
//
// Parameters:
//   - ctx: The context for loading the persisted credential
//   - cfg: The application configuration
//   - opts: Optional overrides
//
// Returns:
//   - *Manager: The manager
//   - error: An error if the configuration is unusable
func NewManager(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("merchant: configuration is required")
	}
	o := managerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = util.NewHTTPClient(&cfg.SDKConfig)
	}

	var persister Persister
	switch {
	case o.persister != nil:
		persister = o.persister
	case o.noPersist || cfg.DisablePersistence:
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		path, err := util.ResolvePath(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("merchant: resolve credentials file: %w", err)
		}
		persister = NewEnvFileStore(path)
	}

	auth := NewMerchantAuthWithClient(cfg, o.httpClient)
	auth.now = o.now
	store := NewCredentialStore(persister)
	flow := NewFlowController(auth, store, o.notifier, FlowSettingsFromConfig(cfg))
	flow.now = o.now

	m := &Manager{
		cfg:         cfg,
		auth:        auth,
		store:       store,
		flow:        flow,
		httpClient:  o.httpClient,
		refreshLead: cfg.RefreshLeadDuration(),
		now:         o.now,
	}
	if err := store.Load(ctx); err != nil {
		log.Warnf("ignoring persisted merchant credential: %v", err)
	}
	return m, nil
}

// Store returns the credential store.
func (m *Manager) Store() *CredentialStore { return m.store }

// Auth returns the token protocol client.
func (m *Manager) Auth() *MerchantAuth { return m.auth }

// Flow returns the authorization flow controller.
func (m *Manager) Flow() *FlowController { return m.flow }

// Login runs the interactive authorization flow. port overrides the configured callback port.
func (m *Manager) Login(ctx context.Context, port int) (*Record, error) {
	return m.flow.StartFlow(ctx, port)
}

// HasValidTokens reports whether a complete, unexpired credential is held.
func (m *Manager) HasValidTokens() bool {
	return m.store.HasValidTokens(m.now())
}

// Credential returns a copy of the current credential, or nil.
func (m *Manager) Credential() *Record {
	return m.store.Get()
}

// EnsureValid returns a usable access token, refreshing first when the held token
// has expired (or expires within the configured lead).
//
// Returns:
//   - string: The access token
//   - error: ErrUnauthenticated when no refresh is possible, or the refresh failure
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	if record := m.store.Get(); record.Complete() && !record.expiresWithin(m.now(), m.refreshLead) {
		return record.AccessToken, nil
	}
	record, err := m.refresh(ctx, "")
	if err != nil {
		return "", err
	}
	return record.AccessToken, nil
}

// RefreshAfterRejection refreshes the credential after the server rejected rejectedToken.
// When another caller already replaced that token, the current one is returned
// without another refresh.
func (m *Manager) RefreshAfterRejection(ctx context.Context, rejectedToken string) (string, error) {
	record, err := m.refresh(ctx, rejectedToken)
	if err != nil {
		return "", err
	}
	return record.AccessToken, nil
}

// ForceRefresh refreshes the credential regardless of its expiry.
func (m *Manager) ForceRefresh(ctx context.Context) (*Record, error) {
	current := m.store.Get()
	if current == nil {
		return nil, NewAuthenticationError(ErrUnauthenticated, nil)
	}
	return m.refresh(ctx, current.AccessToken)
}

// refresh coalesces concurrent refreshes into one upstream call. With rejected empty
// the refresh is skipped when the held token is still fresh; otherwise it is skipped
// when the held token differs from rejected.
func (m *Manager) refresh(ctx context.Context, rejected string) (*Record, error) {
	ch := m.refreshGroup.DoChan(refreshKey, func() (any, error) {
		current := m.store.Get()
		if current.Complete() {
			if rejected == "" && !current.expiresWithin(m.now(), m.refreshLead) {
				return current, nil
			}
			if rejected != "" && current.AccessToken != rejected && current.HasValidTokens(m.now()) {
				return current, nil
			}
		}
		if current == nil || strings.TrimSpace(current.RefreshToken) == "" {
			return nil, NewAuthenticationError(ErrUnauthenticated, nil)
		}

		// Detached from the first caller so its cancellation does not fail the others.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RequestTimeoutDuration()*2)
		defer cancel()

		record, err := m.auth.RefreshTokens(refreshCtx, current)
		if err != nil {
			log.WithField("merchant_id", current.MerchantID).Warnf("merchant token refresh failed: %v", err)
			return nil, err
		}
		if errSet := m.store.Set(refreshCtx, record); errSet != nil {
			if errors.Is(errSet, ErrIncompleteCredential) {
				return nil, errSet
			}
			log.Warnf("refreshed credential is held in memory only: %v", errSet)
		}
		log.WithField("merchant_id", record.MerchantID).Info("merchant token refreshed")
		return record, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		record, _ := res.Val.(*Record)
		return record.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Logout forgets the credential in memory and in the credential file.
func (m *Manager) Logout(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// Status reports the current credential state.
func (m *Manager) Status() Status {
	record := m.store.Get()
	_, pending := m.flow.Pending()
	status := Status{FlowPending: pending}
	if fs, ok := m.store.Persister().(*EnvFileStore); ok {
		status.CredentialsFile = fs.Path()
	}
	if record == nil {
		return status
	}
	status.Authenticated = record.HasValidTokens(m.now())
	status.MerchantID = record.MerchantID
	status.AccessTokenExpiresAt = record.AccessTokenExpiresAt()
	status.RefreshTokenExpiresAt = record.RefreshTokenExpiresAt()
	status.HasRefreshToken = record.RefreshToken != ""
	return status
}

// WatchPersisted reloads the store whenever another process changes the credential file.
// It returns immediately; watching stops when ctx is cancelled.
func (m *Manager) WatchPersisted(ctx context.Context) error {
	watcher, ok := m.store.Persister().(Watcher)
	if !ok {
		return fmt.Errorf("merchant: credential persister does not support watching")
	}
	return watcher.Watch(ctx, func() {
		if err := m.store.Load(ctx); err != nil {
			log.Warnf("failed to reload merchant credential: %v", err)
			return
		}
		log.Info("merchant credential reloaded from disk")
	})
}

// APIClient returns an HTTP client whose requests carry the merchant credential.
func (m *Manager) APIClient() *http.Client {
	base := m.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: NewTransport(m, base),
		Timeout:   m.httpClient.Timeout,
	}
}

// TokenSource adapts the manager to oauth2.TokenSource.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, manager: m}
}

type managerTokenSource struct {
	ctx     context.Context
	manager *Manager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := s.manager.EnsureValid(s.ctx)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if record := s.manager.store.Get(); record != nil && record.AccessToken == accessToken {
		token.RefreshToken = record.RefreshToken
		token.Expiry = record.AccessTokenExpiresAt()
	}
	return token, nil
}
