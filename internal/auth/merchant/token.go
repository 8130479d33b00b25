// Package merchant implements the OAuth token lifecycle for the merchant API: the
// authorization-code flow through a local callback listener, the two-tier token
// protocol, credential storage and the request decorator that keeps calls authorized.
package merchant

import (
	"fmt"
	"strings"
	"time"

	"github.com/merchantkit/merchantauth/internal/util"
)

// Default lifetimes applied when a token response omits an expiry.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Record is the credential obtained from the merchant authorization server.
// A usable record always carries an access token and a merchant id.
type Record struct {
	// AccessToken is the bearer token attached to merchant API calls.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain a new access token. May be empty.
	RefreshToken string `json:"refresh_token,omitempty"`

	// MerchantID identifies the merchant the credential was issued for.
	MerchantID string `json:"merchant_id"`

	// AccessTokenExpiry is the access token expiry in unix seconds.
	AccessTokenExpiry int64 `json:"access_token_expiry"`

	// RefreshTokenExpiry is the refresh token expiry in unix seconds.
	RefreshTokenExpiry int64 `json:"refresh_token_expiry"`
}

// Complete reports whether the record carries both an access token and a merchant id.
func (r *Record) Complete() bool {
	return r != nil && strings.TrimSpace(r.AccessToken) != "" && strings.TrimSpace(r.MerchantID) != ""
}

// HasValidTokens reports whether the record is complete and its access token has not expired at now.
func (r *Record) HasValidTokens(now time.Time) bool {
	if !r.Complete() {
		return false
	}
	return now.Unix() < r.AccessTokenExpiry
}

// expiresWithin reports whether the access token expires within lead of now.
func (r *Record) expiresWithin(now time.Time, lead time.Duration) bool {
	return now.Add(lead).Unix() >= r.AccessTokenExpiry
}

// Clone returns a copy of the record, or nil for a nil record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// AccessTokenExpiresAt returns the access token expiry as a time.
func (r *Record) AccessTokenExpiresAt() time.Time {
	return time.Unix(r.AccessTokenExpiry, 0)
}

// RefreshTokenExpiresAt returns the refresh token expiry as a time, zero when unknown.
func (r *Record) RefreshTokenExpiresAt() time.Time {
	if r.RefreshTokenExpiry <= 0 {
		return time.Time{}
	}
	return time.Unix(r.RefreshTokenExpiry, 0)
}

// String returns a summary with the tokens masked.
func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("merchant=%s access=%s expires=%s", r.MerchantID, util.HideAPIKey(r.AccessToken), r.AccessTokenExpiresAt().UTC().Format(time.RFC3339))
}

// applyDefaults fills missing expiries relative to now.
func (r *Record) applyDefaults(now time.Time) {
	if r.AccessTokenExpiry <= 0 {
		r.AccessTokenExpiry = now.Add(DefaultAccessTokenTTL).Unix()
	}
	if r.RefreshTokenExpiry <= 0 {
		r.RefreshTokenExpiry = now.Add(DefaultRefreshTokenTTL).Unix()
	}
}

// backfill copies fields a refresh response omitted from the previous record.
func (r *Record) backfill(previous *Record) {
	if previous == nil {
		return
	}
	if r.RefreshToken == "" {
		r.RefreshToken = previous.RefreshToken
	}
	if r.MerchantID == "" {
		r.MerchantID = previous.MerchantID
	}
	if r.RefreshTokenExpiry <= 0 {
		r.RefreshTokenExpiry = previous.RefreshTokenExpiry
	}
}
