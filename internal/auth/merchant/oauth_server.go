package merchant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/merchantkit/merchantauth/internal/logging"
	"github.com/merchantkit/merchantauth/internal/misc"
	"github.com/merchantkit/merchantauth/internal/util"
	log "github.com/sirupsen/logrus"
)

// codeExchanger turns an authorization code into a credential.
type codeExchanger interface {
	ExchangeCodeForTokens(ctx context.Context, code string) (*Record, error)
}

// OAuthServerOptions configures one callback listener.
type OAuthServerOptions struct {
	// Port is the local port to bind; zero picks a free port.
	Port int
	// CallbackPath is the route receiving the redirect.
	CallbackPath string
	// State is the expected anti-forgery value; empty accepts any state.
	State string
	// StatePolicy is config.StatePolicyLenient or config.StatePolicyStrict.
	StatePolicy string
	// SessionID tags log lines for this listener.
	SessionID string
	// ShutdownGrace delays shutdown after resolution so the result page can render.
	ShutdownGrace time.Duration
}

// OAuthServer is the short-lived local HTTP listener that receives the authorization
// redirect, exchanges the code and stores the credential. It resolves its session
// exactly once; later callbacks are answered with 409.
type OAuthServer struct {
	// server is the underlying HTTP server instance
	server *http.Server
	// listener is bound synchronously in Start so bind errors surface immediately
	listener net.Listener
	opts     OAuthServerOptions

	exchanger  codeExchanger
	store      *CredentialStore
	completion *completion
	now        func() time.Time

	// baseCtx scopes code exchanges; cancelled by Stop.
	baseCtx context.Context
	cancel  context.CancelFunc

	// errorChan carries unexpected serve errors
	errorChan chan error
	// done is closed once the server has been stopped
	done chan struct{}

	// mu protects server state
	mu            sync.Mutex
	running       bool
	stopped       bool
	shutdownTimer *time.Timer

	// handleMu serializes callback processing
	handleMu sync.Mutex
}

// NewOAuthServer creates a callback listener that exchanges codes through exchanger
// and writes the result into store.
func NewOAuthServer(exchanger codeExchanger, store *CredentialStore, opts OAuthServerOptions) *OAuthServer {
	if strings.TrimSpace(opts.CallbackPath) == "" {
		opts.CallbackPath = config.DefaultCallbackPath
	}
	if opts.StatePolicy == "" {
		opts.StatePolicy = config.StatePolicyLenient
	}
	if opts.ShutdownGrace < 0 {
		opts.ShutdownGrace = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OAuthServer{
		opts:       opts,
		exchanger:  exchanger,
		store:      store,
		completion: newCompletion(),
		now:        time.Now,
		baseCtx:    ctx,
		cancel:     cancel,
		errorChan:  make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// Start binds the port and begins serving the callback route.
//
// Returns:
//   - error: An ErrListenerBind authentication error if the port cannot be bound
func (s *OAuthServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}
	if s.stopped {
		return fmt.Errorf("server has been stopped")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.opts.Port))
	if err != nil {
		return NewAuthenticationError(ErrListenerBind, err)
	}
	s.listener = listener
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.opts.Port = addr.Port
	}

	router := gin.New()
	router.Use(logging.GinLogrusLogger(s.opts.SessionID), logging.GinLogrusRecovery())
	router.GET(s.opts.CallbackPath, s.handleCallback)

	s.server = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	s.running = true

	srv := s.server
	go func() {
		if errServe := srv.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			select {
			case s.errorChan <- fmt.Errorf("callback server stopped: %w", errServe):
			default:
			}
		}
	}()

	log.WithFields(log.Fields{logging.SessionIDField: s.opts.SessionID, "port": s.opts.Port}).Debugf("OAuth callback server listening on %s", s.opts.CallbackPath)
	return nil
}

// Port returns the bound port, or the requested one before Start.
func (s *OAuthServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Port
}

// RedirectURI returns the URL the authorization server must redirect to.
func (s *OAuthServer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", s.Port(), s.opts.CallbackPath)
}

// Resolved is closed once the session has a result.
func (s *OAuthServer) Resolved() <-chan struct{} { return s.completion.Done() }

// Result returns the session outcome. Only meaningful after Resolved is closed.
func (s *OAuthServer) Result() (*Record, error) { return s.completion.result() }

// Done is closed once the server has been stopped.
func (s *OAuthServer) Done() <-chan struct{} { return s.done }

// WaitForCallback blocks until the session resolves or the wait is cut short.
// A callback already exchanging its code is allowed to finish on timeout and
// is aborted on ctx cancellation, so the returned outcome always matches the store.
//
// Parameters:
//   - ctx: Cancels the wait and any in-flight code exchange
//   - timeout: The maximum time to wait for the callback
//
// Returns:
//   - *Record: The stored credential if successful
//   - error: The session failure, a serve error, ErrCallbackTimeout or ctx.Err()
func (s *OAuthServer) WaitForCallback(ctx context.Context, timeout time.Duration) (*Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.completion.Done():
	case err := <-s.errorChan:
		s.completion.abandon(NewAuthenticationError(ErrServerFailed, err))
	case <-timer.C:
		s.completion.abandon(NewAuthenticationError(ErrCallbackTimeout, nil))
	case <-ctx.Done():
		if !s.completion.abandon(ctx.Err()) {
			s.cancel()
		}
	}
	<-s.completion.Done()
	return s.completion.result()
}

// Stop shuts the server down. It is safe to call more than once and from the
// scheduled shutdown timer.
//
// Parameters:
//   - ctx: The context for controlling the shutdown process
//
// Returns:
//   - error: An error if the server fails to stop gracefully
func (s *OAuthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
		s.shutdownTimer = nil
	}
	srv := s.server
	wasRunning := s.running
	s.running = false
	s.server = nil
	s.mu.Unlock()

	s.cancel()
	defer close(s.done)
	if !wasRunning || srv == nil {
		return nil
	}

	log.WithField(logging.SessionIDField, s.opts.SessionID).Debug("Stopping OAuth callback server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// IsRunning returns whether the server is currently running.
func (s *OAuthServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SubmitCallback processes a redirect URL pasted by the user instead of one delivered
// to the listener. It returns the session failure, if any.
func (s *OAuthServer) SubmitCallback(cb *misc.OAuthCallback) error {
	if cb == nil {
		return fmt.Errorf("empty callback")
	}
	status, _ := s.process(callbackParams{
		code:       cb.Code,
		state:      cb.State,
		merchantID: cb.MerchantID,
		clientID:   cb.ClientID,
		errCode:    cb.Error,
		errDesc:    cb.ErrorDescription,
	})
	if status == http.StatusConflict {
		return fmt.Errorf("authorization session already completed")
	}
	_, err := s.completion.result()
	return err
}

// scheduleShutdown stops the server after the grace delay.
func (s *OAuthServer) scheduleShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.shutdownTimer != nil {
		return
	}
	s.shutdownTimer = time.AfterFunc(s.opts.ShutdownGrace, func() {
		if err := s.Stop(context.Background()); err != nil {
			log.WithField(logging.SessionIDField, s.opts.SessionID).Warnf("failed to stop OAuth callback server: %v", err)
		}
	})
}

type callbackParams struct {
	code       string
	state      string
	merchantID string
	clientID   string
	errCode    string
	errDesc    string
}

// handleCallback handles the OAuth redirect route.
func (s *OAuthServer) handleCallback(c *gin.Context) {
	query := c.Request.URL.Query()
	status, page := s.process(callbackParams{
		code:       strings.TrimSpace(query.Get("code")),
		state:      strings.TrimSpace(query.Get("state")),
		merchantID: strings.TrimSpace(query.Get("merchant_id")),
		clientID:   strings.TrimSpace(query.Get("client_id")),
		errCode:    strings.TrimSpace(query.Get("error")),
		errDesc:    strings.TrimSpace(query.Get("error_description")),
	})
	c.Header("Cache-Control", "no-store")
	c.Data(status, "text/html; charset=utf-8", []byte(page))
}

// process validates one callback, exchanges the code and resolves the session.
// It returns the HTTP status and page to answer with. The session is claimed for the
// whole call, so the stored credential and the session result never disagree.
func (s *OAuthServer) process(p callbackParams) (int, string) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	entry := log.WithField(logging.SessionIDField, s.opts.SessionID)

	if !s.completion.claim() {
		entry.Warn("OAuth callback received after the session completed; ignoring")
		return http.StatusConflict, renderFailurePage("Already completed", "This authorization has already been handled. You can close this window.")
	}
	if p.clientID != "" {
		entry.Debugf("OAuth callback for client %s", p.clientID)
	}

	if p.errCode != "" {
		err := NewOAuthError(p.errCode, p.errDesc, http.StatusBadRequest)
		entry.Errorf("OAuth error received: %s", err.Error())
		s.resolve(nil, err)
		return http.StatusBadRequest, renderFailurePage("Authorization failed", err.Error())
	}

	if s.opts.State != "" && p.state != s.opts.State {
		if s.opts.StatePolicy == config.StatePolicyStrict {
			err := NewAuthenticationError(ErrInvalidState, fmt.Errorf("expected %s, got %s", util.HideAPIKey(s.opts.State), util.HideAPIKey(p.state)))
			entry.Error("OAuth state mismatch; rejecting callback")
			s.resolve(nil, err)
			return http.StatusBadRequest, renderFailurePage("Authorization failed", "The state parameter did not match. Please start the login again.")
		}
		entry.Warnf("OAuth state mismatch (expected %s, got %s); continuing", util.HideAPIKey(s.opts.State), util.HideAPIKey(p.state))
	}

	if p.code == "" {
		entry.Error("No authorization code received")
		s.resolve(nil, NewAuthenticationError(ErrMissingCode, nil))
		return http.StatusBadRequest, renderFailurePage("Authorization failed", "No authorization code was received.")
	}

	record, err := s.exchanger.ExchangeCodeForTokens(s.baseCtx, p.code)
	if err != nil {
		entry.Errorf("authorization code exchange failed: %v", err)
		s.resolve(nil, err)
		return http.StatusInternalServerError, renderFailurePage("Authorization failed", "The authorization code could not be exchanged for a token.")
	}
	if record.MerchantID == "" {
		record.MerchantID = p.merchantID
	}
	record.applyDefaults(s.now())
	if !record.Complete() {
		err = NewAuthenticationError(ErrIncompleteCredential, nil)
		entry.Error("token response is missing the access token or merchant id")
		s.resolve(nil, err)
		return http.StatusInternalServerError, renderFailurePage("Authorization failed", "The credential returned by the merchant platform was incomplete.")
	}

	if errSet := s.store.Set(context.WithoutCancel(s.baseCtx), record); errSet != nil {
		entry.Warnf("credential is held in memory only: %v", errSet)
	}
	entry.WithField("merchant_id", record.MerchantID).Info("merchant authorization completed")
	s.resolve(record, nil)
	return http.StatusOK, renderSuccessPage(record.MerchantID)
}

func (s *OAuthServer) resolve(record *Record, err error) {
	if err != nil {
		s.completion.fail(err)
	} else {
		s.completion.succeed(record)
	}
	s.scheduleShutdown()
}
