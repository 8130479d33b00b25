package merchant

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// millisecondThreshold separates unix seconds from unix milliseconds.
const millisecondThreshold = 1_000_000_000_000

type grantKind int

const (
	grantAuthorizationCode grantKind = iota
	grantRefreshToken
)

// field returns the request field carrying the grant value.
func (k grantKind) field() string {
	if k == grantRefreshToken {
		return "refresh_token"
	}
	return "code"
}

// grantType returns the OAuth grant_type value for the legacy endpoint.
func (k grantKind) grantType() string {
	if k == grantRefreshToken {
		return "refresh_token"
	}
	return "authorization_code"
}

// grant is the code or refresh token presented to a token endpoint.
type grant struct {
	kind  grantKind
	value string
}

// tierStrategy is one token endpoint generation.
type tierStrategy interface {
	name() string
	path(kind grantKind) string
	encode(clientID, clientSecret string, g grant) (body []byte, contentType string, err error)
}

// tierOutcome is the result of running the tiers: a record from the winning tier,
// or the failure of every tier that was attempted.
type tierOutcome struct {
	record      *Record
	tier        string
	failures    []*TierFailure
	requestedAt time.Time
}

func (o tierOutcome) ok() bool { return o.record != nil }

// jsonTier is the versioned endpoint pair taking JSON bodies.
type jsonTier struct{}

func (jsonTier) name() string { return config.TierV2 }

func (jsonTier) path(kind grantKind) string {
	if kind == grantRefreshToken {
		return RefreshPathV2
	}
	return TokenPathV2
}

func (jsonTier) encode(clientID, clientSecret string, g grant) ([]byte, string, error) {
	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "client_id", clientID); err != nil {
		return nil, "", err
	}
	if body, err = sjson.SetBytes(body, "client_secret", clientSecret); err != nil {
		return nil, "", err
	}
	if body, err = sjson.SetBytes(body, g.kind.field(), g.value); err != nil {
		return nil, "", err
	}
	return body, "application/json", nil
}

// formTier is the legacy single endpoint taking form-encoded bodies.
type formTier struct{}

func (formTier) name() string { return config.TierLegacy }

func (formTier) path(grantKind) string { return TokenPathLegacy }

func (formTier) encode(clientID, clientSecret string, g grant) ([]byte, string, error) {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {g.kind.grantType()},
	}
	form.Set(g.kind.field(), g.value)
	return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
}

// parseTokenResponse normalizes a token endpoint response into a Record.
// JSON bodies are read directly; form-encoded bodies are first converted to JSON.
// Absolute expiries win over relative ones, and millisecond timestamps are scaled to seconds.
// Missing expiries are left as zero for the caller to default.
func parseTokenResponse(body []byte, contentType string, now time.Time) (*Record, error) {
	payload := body
	if !gjson.ValidBytes(body) {
		converted, err := formToJSON(body, contentType)
		if err != nil {
			return nil, err
		}
		payload = converted
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, fmt.Errorf("malformed token response: expected an object")
	}

	accessToken := strings.TrimSpace(root.Get("access_token").String())
	if accessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	record := &Record{
		AccessToken:  accessToken,
		RefreshToken: strings.TrimSpace(root.Get("refresh_token").String()),
		MerchantID:   strings.TrimSpace(firstString(root, "merchant_id", "merchantId")),
	}
	record.AccessTokenExpiry = readExpiry(root, now, "access_token_expiration", "expires_in")
	record.RefreshTokenExpiry = readExpiry(root, now, "refresh_token_expiration", "refresh_token_expires_in")
	return record, nil
}

// formToJSON converts a form-encoded body into a flat JSON object of strings.
func formToJSON(body []byte, contentType string) ([]byte, error) {
	raw := strings.TrimSpace(string(body))
	if !strings.Contains(strings.ToLower(contentType), "x-www-form-urlencoded") && !strings.Contains(raw, "=") {
		return nil, fmt.Errorf("malformed token response: not JSON")
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}
	payload := []byte(`{}`)
	for key := range values {
		updated, errSet := sjson.SetBytes(payload, escapePathKey(key), values.Get(key))
		if errSet != nil {
			continue
		}
		payload = updated
	}
	return payload, nil
}

func escapePathKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return replacer.Replace(key)
}

func firstString(root gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := root.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// readExpiry returns an absolute unix-seconds expiry from either an absolute or a relative field.
func readExpiry(root gjson.Result, now time.Time, absolutePath, relativePath string) int64 {
	if v := root.Get(absolutePath); v.Exists() {
		if ts := v.Int(); ts > 0 {
			if ts > millisecondThreshold {
				ts /= 1000
			}
			return ts
		}
	}
	if v := root.Get(relativePath); v.Exists() {
		if seconds := v.Int(); seconds > 0 {
			return now.Unix() + seconds
		}
	}
	return 0
}
