package merchant

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider hands out tokens and counts refreshes.
type stubProvider struct {
	mu         sync.Mutex
	token      string
	refreshed  string
	refreshes  int
	rejected   []string
	ensureErr  error
	refreshErr error
}

func (p *stubProvider) EnsureValid(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ensureErr != nil {
		return "", p.ensureErr
	}
	return p.token, nil
}

func (p *stubProvider) RefreshAfterRejection(_ context.Context, rejected string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	p.rejected = append(p.rejected, rejected)
	if p.refreshErr != nil {
		return "", p.refreshErr
	}
	p.token = p.refreshed
	return p.token, nil
}

func TestTransportAttachesBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	provider := &stubProvider{token: "tok-1"}
	client := &http.Client{Transport: NewTransport(provider, nil)}
	req, err := http.NewRequest(http.MethodGet, api.URL+"/v3/merchants/M1", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer tok-1", gotAuth.Load())
	assert.Empty(t, req.Header.Get("Authorization"), "caller's request must not be modified")
	assert.Zero(t, provider.refreshes)
}

func TestTransportRetriesOnceAfter401(t *testing.T) {
	var hits atomic.Int32
	var bodies []string
	var mu sync.Mutex
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer api.Close()

	provider := &stubProvider{token: "stale", refreshed: "fresh"}
	client := &http.Client{Transport: NewTransport(provider, http.DefaultTransport)}

	resp, err := client.Post(api.URL+"/v3/merchants/M1/orders", "application/json", strings.NewReader(`{"total":100}`))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, provider.refreshes)
	assert.Equal(t, []string{"stale"}, provider.rejected)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"total":100}`, `{"total":100}`}, bodies)
}

func TestTransportReturnsSecond401WithoutThirdAttempt(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"401 Unauthorized"}`))
	}))
	defer api.Close()

	provider := &stubProvider{token: "a", refreshed: "b"}
	client := &http.Client{Transport: NewTransport(provider, nil)}

	resp, err := client.Get(api.URL + "/v3/merchants/M1/items")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "401 Unauthorized")
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, provider.refreshes)
}

func TestTransportPropagatesRefreshFailure(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	refreshErr := &RefreshError{Failures: []*TierFailure{{Tier: "v2", StatusCode: 401}}}
	provider := &stubProvider{token: "a", refreshErr: refreshErr}
	client := &http.Client{Transport: NewTransport(provider, nil)}

	_, err := client.Get(api.URL)
	require.Error(t, err)
	var target *RefreshError
	ok := errors.As(err, &target)
	assert.True(t, ok)
}

func TestTransportUnauthenticatedSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer api.Close()

	provider := &stubProvider{ensureErr: NewAuthenticationError(ErrUnauthenticated, nil)}
	client := &http.Client{Transport: NewTransport(provider, nil)}

	_, err := client.Get(api.URL)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Zero(t, hits.Load())
}

func TestManagerAPIClientRefreshesOn401(t *testing.T) {
	ts := newTokenServer(t)
	ts.handle(RefreshPathV2, respondJSON(http.StatusOK, map[string]any{"access_token": "after-401", "expires_in": 600}))
	clock := &mutableClock{now: fixedNow}
	m := newTestManager(t, ts, clock)
	require.NoError(t, m.Store().Set(context.Background(), sampleRecord()))

	var seen []string
	var mu sync.Mutex
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer access-abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	client := m.APIClient()
	client.Timeout = 5 * time.Second
	resp, err := client.Get(api.URL + "/v3/merchants/M1")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mu.Lock()
	assert.Equal(t, []string{"Bearer access-abc", "Bearer after-401"}, seen)
	mu.Unlock()
	assert.Equal(t, 1, ts.callsTo(RefreshPathV2))
	assert.Equal(t, "after-401", m.Credential().AccessToken)
}
