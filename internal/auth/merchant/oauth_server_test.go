package merchant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/merchantkit/merchantauth/internal/misc"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger returns a canned record and counts calls.
type fakeExchanger struct {
	mu     sync.Mutex
	codes  []string
	record *Record
	err    error
	delay  time.Duration
}

func (f *fakeExchanger) ExchangeCodeForTokens(ctx context.Context, code string) (*Record, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.record.Clone(), nil
}

func (f *fakeExchanger) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

func startTestServer(t *testing.T, exchanger codeExchanger, store *CredentialStore, opts OAuthServerOptions) *OAuthServer {
	t.Helper()
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = time.Hour
	}
	server := NewOAuthServer(exchanger, store, opts)
	server.now = fixedClock
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop(context.Background()) })
	return server
}

func getCallback(t *testing.T, server *OAuthServer, query url.Values) (int, string) {
	t.Helper()
	resp, err := http.Get(server.RedirectURI() + "?" + query.Encode())
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestOAuthServerSuccess(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", RefreshToken: "ref"}}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{State: "expected"})

	status, body := getCallback(t, server, url.Values{"code": {"c1"}, "state": {"expected"}, "merchant_id": {"M7"}})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "M7")

	<-server.Resolved()
	record, err := server.Result()
	require.NoError(t, err)
	assert.Equal(t, "tok", record.AccessToken)
	assert.Equal(t, "M7", record.MerchantID)
	assert.Equal(t, fixedNow.Unix()+3600, record.AccessTokenExpiry)
	assert.Equal(t, fixedNow.Unix()+30*86400, record.RefreshTokenExpiry)
	assert.Equal(t, record, store.Get())
	assert.Equal(t, []string{"c1"}, exchanger.calls())
}

func TestOAuthServerMissingCode(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M"}}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{State: "s"})

	status, _ := getCallback(t, server, url.Values{"state": {"s"}})
	assert.Equal(t, http.StatusBadRequest, status)

	<-server.Resolved()
	_, err := server.Result()
	assert.ErrorIs(t, err, ErrMissingCode)
	assert.Empty(t, exchanger.calls())
	assert.Nil(t, store.Get())
}

func TestOAuthServerLenientStateMismatchProceeds(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}}
	server := startTestServer(t, exchanger, NewCredentialStore(nil), OAuthServerOptions{State: "expected-state", StatePolicy: config.StatePolicyLenient})

	status, _ := getCallback(t, server, url.Values{"code": {"c"}, "state": {"forged-state"}})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"c"}, exchanger.calls())

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel && strings.Contains(entry.Message, "state mismatch") {
			found = true
		}
	}
	assert.True(t, found, "expected a state mismatch warning")
}

func TestOAuthServerStrictStateMismatchRejects(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}}
	server := startTestServer(t, exchanger, NewCredentialStore(nil), OAuthServerOptions{State: "expected", StatePolicy: config.StatePolicyStrict})

	status, _ := getCallback(t, server, url.Values{"code": {"c"}, "state": {"other"}})
	assert.Equal(t, http.StatusBadRequest, status)
	_, err := server.Result()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, exchanger.calls())
}

func TestOAuthServerEmptyExpectedStateAcceptsAnything(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}}
	server := startTestServer(t, exchanger, NewCredentialStore(nil), OAuthServerOptions{StatePolicy: config.StatePolicyStrict})

	status, _ := getCallback(t, server, url.Values{"code": {"c"}, "state": {"whatever"}})
	assert.Equal(t, http.StatusOK, status)
}

func TestOAuthServerProviderError(t *testing.T) {
	exchanger := &fakeExchanger{}
	server := startTestServer(t, exchanger, NewCredentialStore(nil), OAuthServerOptions{})

	status, body := getCallback(t, server, url.Values{"error": {"access_denied"}, "error_description": {"user said no"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "user said no")

	_, err := server.Result()
	var oauthErr *OAuthError
	ok := errors.As(err, &oauthErr)
	require.True(t, ok)
	assert.Equal(t, "access_denied", oauthErr.Code)
	assert.Equal(t, "Authentication was cancelled or denied.", GetUserFriendlyMessage(err))
	assert.Empty(t, exchanger.calls())
}

func TestOAuthServerExchangeFailure(t *testing.T) {
	exchanger := &fakeExchanger{err: &ExchangeError{Failures: []*TierFailure{{Tier: "v2", StatusCode: 400}}}}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{})

	status, _ := getCallback(t, server, url.Values{"code": {"c"}})
	assert.Equal(t, http.StatusInternalServerError, status)
	_, err := server.Result()
	var target *ExchangeError
	ok := errors.As(err, &target)
	assert.True(t, ok)
	assert.Nil(t, store.Get())
}

func TestOAuthServerIncompleteCredentialIsNotStored(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok"}}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{})

	status, _ := getCallback(t, server, url.Values{"code": {"c"}})
	assert.Equal(t, http.StatusInternalServerError, status)
	_, err := server.Result()
	assert.ErrorIs(t, err, ErrIncompleteCredential)
	assert.Nil(t, store.Get())
}

func TestOAuthServerResolvesExactlyOnce(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}, delay: 50 * time.Millisecond}
	server := startTestServer(t, exchanger, NewCredentialStore(nil), OAuthServerOptions{})

	statuses := make([]int, 3)
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _ = getCallback(t, server, url.Values{"code": {fmt.Sprintf("c%d", i)}})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, status := range statuses {
		switch status {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, conflicts)
	assert.Len(t, exchanger.calls(), 1)
}

func TestOAuthServerPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	server := NewOAuthServer(&fakeExchanger{}, NewCredentialStore(nil), OAuthServerOptions{Port: port})
	err = server.Start()
	assert.ErrorIs(t, err, ErrListenerBind)
	assert.False(t, server.IsRunning())
	assert.Equal(t, "The OAuth callback port is already in use. Close the other application or choose another port.", GetUserFriendlyMessage(err))
}

func TestOAuthServerStopIsIdempotent(t *testing.T) {
	server := NewOAuthServer(&fakeExchanger{}, NewCredentialStore(nil), OAuthServerOptions{})
	require.NoError(t, server.Start())
	assert.True(t, server.IsRunning())

	require.NoError(t, server.Stop(context.Background()))
	require.NoError(t, server.Stop(context.Background()))
	assert.False(t, server.IsRunning())
	select {
	case <-server.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestOAuthServerSchedulesShutdownAfterResolution(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}}
	server := startTestServer(t, exchanger, NewCredentialStore(nil), OAuthServerOptions{ShutdownGrace: 20 * time.Millisecond})

	status, _ := getCallback(t, server, url.Values{"code": {"c"}})
	assert.Equal(t, http.StatusOK, status)

	select {
	case <-server.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server was not shut down after the grace delay")
	}
	assert.False(t, server.IsRunning())
}

func TestOAuthServerWaitForCallbackTimeout(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{})

	_, err := server.WaitForCallback(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCallbackTimeout)

	// A late callback cannot overwrite the timed out session.
	status, _ := getCallback(t, server, url.Values{"code": {"late"}})
	assert.Equal(t, http.StatusConflict, status)
	assert.Empty(t, exchanger.calls())
	assert.Nil(t, store.Get())
}

func TestOAuthServerWaitForCallbackContextCancel(t *testing.T) {
	server := startTestServer(t, &fakeExchanger{}, NewCredentialStore(nil), OAuthServerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := server.WaitForCallback(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

// startSlowCallback issues a callback in the background and returns once the code
// exchange has begun.
func startSlowCallback(t *testing.T, server *OAuthServer, exchanger *fakeExchanger) <-chan int {
	t.Helper()
	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Get(server.RedirectURI() + "?code=slow")
		if err != nil {
			statusCh <- 0
			return
		}
		_ = resp.Body.Close()
		statusCh <- resp.StatusCode
	}()
	require.Eventually(t, func() bool { return len(exchanger.calls()) == 1 }, 3*time.Second, 5*time.Millisecond)
	return statusCh
}

func TestOAuthServerTimeoutWaitsForInFlightExchange(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}, delay: 200 * time.Millisecond}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{})
	statusCh := startSlowCallback(t, server, exchanger)

	record, err := server.WaitForCallback(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "tok", record.AccessToken)
	assert.Equal(t, record, store.Get())
	assert.Equal(t, http.StatusOK, <-statusCh)
}

func TestOAuthServerCancelAbortsInFlightExchange(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok", MerchantID: "M1"}, delay: time.Minute}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{})
	statusCh := startSlowCallback(t, server, exchanger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := server.WaitForCallback(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, store.Get())
	assert.Equal(t, http.StatusInternalServerError, <-statusCh)
}

func TestOAuthServerBindsLoopbackOnly(t *testing.T) {
	server := startTestServer(t, &fakeExchanger{}, NewCredentialStore(nil), OAuthServerOptions{})

	addr, ok := server.listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.True(t, addr.IP.IsLoopback(), "listener bound to %s", addr)
	assert.Equal(t, server.Port(), addr.Port)
}

func TestOAuthServerSubmitCallback(t *testing.T) {
	exchanger := &fakeExchanger{record: &Record{AccessToken: "tok"}}
	store := NewCredentialStore(nil)
	server := startTestServer(t, exchanger, store, OAuthServerOptions{State: "s1"})

	cb, err := misc.ParseOAuthCallback("http://localhost:8089/oauth/callback?code=pasted&state=s1&merchant_id=M5")
	require.NoError(t, err)
	require.NoError(t, server.SubmitCallback(cb))
	assert.Equal(t, "M5", store.Get().MerchantID)

	assert.Error(t, server.SubmitCallback(cb))
}
