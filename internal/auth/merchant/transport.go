package merchant

import (
	"context"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// TokenProvider supplies access tokens to a Transport.
type TokenProvider interface {
	// EnsureValid returns a usable access token, refreshing when needed.
	EnsureValid(ctx context.Context) (string, error)
	// RefreshAfterRejection returns a replacement for a token the server rejected.
	RefreshAfterRejection(ctx context.Context, rejectedToken string) (string, error)
}

// Transport is an http.RoundTripper that authorizes each request with the current
// merchant credential. A 401 response triggers one refresh and one retry; the retry's
// response is returned as is.
type Transport struct {
	Source TokenProvider
	Base   http.RoundTripper
}

// NewTransport wraps base with credential handling. A nil base uses http.DefaultTransport.
func NewTransport(source TokenProvider, base http.RoundTripper) *Transport {
	return &Transport{Source: source, Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	accessToken, err := t.Source.EnsureValid(ctx)
	if err != nil {
		closeRequestBody(req)
		return nil, err
	}

	first := authorizedClone(req, accessToken)
	resp, err := t.base().RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// The body was consumed by the first attempt; without GetBody it cannot be replayed.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		log.Debug("merchant API returned 401 for a request whose body cannot be replayed")
		return resp, nil
	}

	log.Debugf("merchant API returned 401 for %s %s; refreshing credential", req.Method, req.URL.Path)
	drainAndClose(resp.Body)

	newToken, err := t.Source.RefreshAfterRejection(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	retry := authorizedClone(req, newToken)
	if req.GetBody != nil {
		body, errBody := req.GetBody()
		if errBody != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", errBody)
		}
		retry.Body = body
	}
	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// authorizedClone copies req with the bearer header set. RoundTrippers must not modify the caller's request.
func authorizedClone(req *http.Request, accessToken string) *http.Request {
	clone := req.Clone(req.Context())
	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	token.SetAuthHeader(clone)
	return clone
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
