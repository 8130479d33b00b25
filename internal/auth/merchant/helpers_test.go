package merchant

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func init() {
	gin.SetMode(gin.TestMode)
}

func fixedClock() time.Time { return fixedNow }

func testConfig(oauthBase string) *config.Config {
	cfg := &config.Config{
		OAuthBaseURL:       oauthBase,
		ClientID:           "client-1",
		ClientSecret:       "secret-1",
		DisablePersistence: true,
		CallbackTimeout:    "5s",
		ShutdownGrace:      "10ms",
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestAuth(cfg *config.Config) *MerchantAuth {
	auth := NewMerchantAuthWithClient(cfg, &http.Client{Timeout: 5 * time.Second})
	auth.now = fixedClock
	return auth
}

// recordedCall is one request seen by the fake token server.
type recordedCall struct {
	Path        string
	ContentType string
	Body        string
}

// tokenServer is a fake authorization server with per-path handlers.
type tokenServer struct {
	*httptest.Server
	mu       sync.Mutex
	calls    []recordedCall
	handlers map[string]func(w http.ResponseWriter, body string)
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{handlers: make(map[string]func(http.ResponseWriter, string))}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.calls = append(ts.calls, recordedCall{Path: r.URL.Path, ContentType: r.Header.Get("Content-Type"), Body: string(data)})
		handler := ts.handlers[r.URL.Path]
		ts.mu.Unlock()
		if handler == nil {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		handler(w, string(data))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) handle(path string, handler func(w http.ResponseWriter, body string)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlers[path] = handler
}

func (ts *tokenServer) recorded() []recordedCall {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedCall(nil), ts.calls...)
}

func (ts *tokenServer) callsTo(path string) int {
	n := 0
	for _, c := range ts.recorded() {
		if c.Path == path {
			n++
		}
	}
	return n
}

func respondJSON(status int, payload any) func(http.ResponseWriter, string) {
	return func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// memoryPersister is an in-memory Persister that can be told to fail.
type memoryPersister struct {
	mu      sync.Mutex
	record  *Record
	saves   int
	saveErr error
}

func (p *memoryPersister) Load(_ context.Context) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Clone(), nil
}

func (p *memoryPersister) Save(_ context.Context, record *Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.record = record.Clone()
	return nil
}

func (p *memoryPersister) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record = nil
	return nil
}
