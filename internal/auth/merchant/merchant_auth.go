package merchant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/merchantkit/merchantauth/internal/util"
	log "github.com/sirupsen/logrus"
)

// Token and authorization endpoint paths on the OAuth origin.
const (
	AuthorizePath       = "/oauth/authorize"
	AuthorizePathV2     = "/oauth/v2/authorize"
	TokenPathV2         = "/oauth/v2/token"
	RefreshPathV2       = "/oauth/v2/refresh"
	TokenPathLegacy     = "/oauth/token"
	maxErrorMessageSize = 512
)

// MerchantAuth speaks the merchant token protocol: it builds authorization URLs and
// exchanges or refreshes tokens against an ordered list of endpoint tiers.
type MerchantAuth struct {
	httpClient   *http.Client
	oauthBaseURL string
	clientID     string
	clientSecret string
	urlStyle     string
	tiers        []tierStrategy
	now          func() time.Time
}

// NewMerchantAuth creates a new merchant authentication service.
//
// Parameters:
//   - cfg: The application configuration containing client credentials and proxy settings
//
// Returns:
//   - *MerchantAuth: A new merchant authentication service instance
func NewMerchantAuth(cfg *config.Config) *MerchantAuth {
	return NewMerchantAuthWithClient(cfg, util.NewHTTPClient(&cfg.SDKConfig))
}

// NewMerchantAuthWithClient creates a merchant authentication service that uses httpClient.
func NewMerchantAuthWithClient(cfg *config.Config, httpClient *http.Client) *MerchantAuth {
	if httpClient == nil {
		httpClient = util.NewHTTPClient(&cfg.SDKConfig)
	}
	tiers := make([]tierStrategy, 0, len(cfg.TokenTiers))
	for _, name := range cfg.TokenTiers {
		switch name {
		case config.TierV2:
			tiers = append(tiers, jsonTier{})
		case config.TierLegacy:
			tiers = append(tiers, formTier{})
		}
	}
	if len(tiers) == 0 {
		tiers = []tierStrategy{jsonTier{}, formTier{}}
	}
	return &MerchantAuth{
		httpClient:   httpClient,
		oauthBaseURL: strings.TrimRight(cfg.OAuthBaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		urlStyle:     cfg.AuthorizeURLStyle,
		tiers:        tiers,
		now:          time.Now,
	}
}

// Tiers returns the configured tier names in attempt order.
func (a *MerchantAuth) Tiers() []string {
	names := make([]string, 0, len(a.tiers))
	for _, t := range a.tiers {
		names = append(names, t.name())
	}
	return names
}

// GenerateAuthURL builds the authorization URL the user opens in a browser.
// The configured style selects the legacy or the versioned authorize endpoint.
//
// Parameters:
//   - state: The anti-forgery state value echoed back on the redirect
//   - redirectURI: The local callback URL
//
// Returns:
//   - string: The complete authorization URL
func (a *MerchantAuth) GenerateAuthURL(state, redirectURI string) string {
	path := AuthorizePath
	if a.urlStyle == config.AuthorizeURLV2 {
		path = AuthorizePathV2
	}
	params := url.Values{
		"client_id":     {a.clientID},
		"response_type": {"code"},
		"redirect_uri":  {redirectURI},
	}
	if state != "" {
		params.Set("state", state)
	}
	return fmt.Sprintf("%s%s?%s", a.oauthBaseURL, path, params.Encode())
}

// ExchangeCodeForTokens exchanges an authorization code for a credential.
// Each tier is tried in order until one succeeds. Expiries missing from the
// response are defaulted; the merchant id may still be empty when the server
// omitted it, in which case the caller backfills it from the redirect.
//
// Parameters:
//   - ctx: The context for the request
//   - code: The authorization code received from the OAuth callback
//
// Returns:
//   - *Record: The normalized credential
//   - error: An *ExchangeError if every tier failed
func (a *MerchantAuth) ExchangeCodeForTokens(ctx context.Context, code string) (*Record, error) {
	if strings.TrimSpace(code) == "" {
		return nil, NewAuthenticationError(ErrMissingCode, nil)
	}
	outcome := a.run(ctx, grant{kind: grantAuthorizationCode, value: code})
	if !outcome.ok() {
		return nil, &ExchangeError{Failures: outcome.failures}
	}
	record := outcome.record
	record.applyDefaults(outcome.requestedAt)
	log.WithField("tier", outcome.tier).Debugf("authorization code exchanged: %s", record)
	return record, nil
}

// RefreshTokens exchanges the previous record's refresh token for a new credential.
// Fields the response omits are carried over from previous.
//
// Parameters:
//   - ctx: The context for the request
//   - previous: The credential being refreshed
//
// Returns:
//   - *Record: The refreshed credential
//   - error: ErrUnauthenticated without a refresh token, or a *RefreshError if every tier failed
func (a *MerchantAuth) RefreshTokens(ctx context.Context, previous *Record) (*Record, error) {
	if previous == nil || strings.TrimSpace(previous.RefreshToken) == "" {
		return nil, NewAuthenticationError(ErrUnauthenticated, fmt.Errorf("no refresh token available"))
	}
	outcome := a.run(ctx, grant{kind: grantRefreshToken, value: previous.RefreshToken})
	if !outcome.ok() {
		return nil, &RefreshError{Failures: outcome.failures}
	}
	record := outcome.record
	record.backfill(previous)
	record.applyDefaults(outcome.requestedAt)
	log.WithField("tier", outcome.tier).Debugf("credential refreshed: %s", record)
	return record, nil
}

// run tries each tier in order and returns the first success or every failure.
func (a *MerchantAuth) run(ctx context.Context, g grant) tierOutcome {
	outcome := tierOutcome{requestedAt: a.now()}
	for _, t := range a.tiers {
		if err := ctx.Err(); err != nil {
			outcome.failures = append(outcome.failures, &TierFailure{Tier: t.name(), Err: err})
			break
		}
		record, failure := a.attempt(ctx, t, g, outcome.requestedAt)
		if failure == nil {
			outcome.record = record
			outcome.tier = t.name()
			return outcome
		}
		log.WithFields(log.Fields{"tier": t.name(), "status": failure.StatusCode}).Debugf("token endpoint tier failed: %v", failure)
		outcome.failures = append(outcome.failures, failure)
	}
	return outcome
}

// attempt performs one tier's request and normalizes its response.
func (a *MerchantAuth) attempt(ctx context.Context, t tierStrategy, g grant, requestedAt time.Time) (*Record, *TierFailure) {
	endpoint := a.oauthBaseURL + t.path(g.kind)
	failure := &TierFailure{Tier: t.name(), Endpoint: endpoint}

	body, contentType, err := t.encode(a.clientID, a.clientSecret, g)
	if err != nil {
		failure.Err = fmt.Errorf("failed to encode token request: %w", err)
		return nil, failure
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		failure.Err = fmt.Errorf("failed to create token request: %w", err)
		return nil, failure
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		failure.Err = fmt.Errorf("token request failed: %w", err)
		return nil, failure
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failure.StatusCode = resp.StatusCode
		failure.Err = fmt.Errorf("failed to read token response: %w", err)
		return nil, failure
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		failure.StatusCode = resp.StatusCode
		failure.Message = truncate(strings.TrimSpace(string(respBody)), maxErrorMessageSize)
		return nil, failure
	}

	record, err := parseTokenResponse(respBody, resp.Header.Get("Content-Type"), requestedAt)
	if err != nil {
		failure.StatusCode = resp.StatusCode
		failure.Err = err
		return nil, failure
	}
	return record, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
