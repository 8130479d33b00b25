package merchant

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TierFailure records why one token endpoint tier failed.
type TierFailure struct {
	// Tier is the tier name, "v2" or "legacy".
	Tier string
	// Endpoint is the URL that was called.
	Endpoint string
	// StatusCode is the upstream HTTP status, zero when no response was received.
	StatusCode int
	// Message is the upstream response body or a description of the failure.
	Message string
	// Err is the underlying transport or decoding error, if any.
	Err error
}

// Error returns a string representation of the tier failure.
func (f *TierFailure) Error() string {
	var b strings.Builder
	b.WriteString(f.Tier)
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", f.StatusCode)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (f *TierFailure) Unwrap() error { return f.Err }

// ExchangeError is returned when every tier failed to exchange an authorization code.
// It is terminal for the authorization session that produced the code.
type ExchangeError struct {
	Failures []*TierFailure
}

// Error returns a string representation of the exchange error.
func (e *ExchangeError) Error() string {
	return "code exchange failed: " + joinFailures(e.Failures)
}

// Unwrap exposes every tier failure to errors.Is / errors.As.
func (e *ExchangeError) Unwrap() []error { return failureErrors(e.Failures) }

// StatusCode returns the most recent upstream HTTP status, or zero.
func (e *ExchangeError) StatusCode() int { return lastStatus(e.Failures) }

// RefreshError is returned when every tier failed to refresh the credential.
// The caller has to run the authorization flow again; retrying will not help.
type RefreshError struct {
	Failures []*TierFailure
}

// Error returns a string representation of the refresh error.
func (e *RefreshError) Error() string {
	return "token refresh failed: " + joinFailures(e.Failures)
}

// Unwrap exposes every tier failure to errors.Is / errors.As.
func (e *RefreshError) Unwrap() []error { return failureErrors(e.Failures) }

// StatusCode returns the most recent upstream HTTP status, or zero.
func (e *RefreshError) StatusCode() int { return lastStatus(e.Failures) }

func joinFailures(failures []*TierFailure) string {
	if len(failures) == 0 {
		return "no token endpoint tiers configured"
	}
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, f.Error())
	}
	return strings.Join(parts, "; ")
}

func failureErrors(failures []*TierFailure) []error {
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, f)
	}
	return errs
}

func lastStatus(failures []*TierFailure) int {
	for i := len(failures) - 1; i >= 0; i-- {
		if failures[i].StatusCode != 0 {
			return failures[i].StatusCode
		}
	}
	return 0
}

// OAuthError represents an error reported by the authorization server through the redirect.
type OAuthError struct {
	// Code is the OAuth error code.
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// StatusCode is the HTTP status code associated with the error.
	StatusCode int `json:"-"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// NewOAuthError creates a new OAuth error with the specified code, description, and status code.
func NewOAuthError(code, description string, statusCode int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		StatusCode:  statusCode,
	}
}

// AuthenticationError represents authentication-related errors.
type AuthenticationError struct {
	// Type is the type of authentication error.
	Type string `json:"type"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code associated with the error.
	Code int `json:"code"`
	// Cause is the underlying error that caused this authentication error.
	Cause error `json:"-"`
}

// Error returns a string representation of the authentication error.
func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the cause.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Is matches authentication errors by Type so errors.Is(err, ErrMissingCode) works
// for errors built with NewAuthenticationError.
func (e *AuthenticationError) Is(target error) bool {
	var other *AuthenticationError
	if !errors.As(target, &other) {
		return false
	}
	return other.Type == e.Type
}

// Common authentication error types.
var (
	// ErrUnauthenticated is returned when no usable credential and no refresh token exist.
	ErrUnauthenticated = &AuthenticationError{
		Type:    "unauthenticated",
		Message: "No merchant credential available; run the login flow",
		Code:    http.StatusUnauthorized,
	}

	// ErrMissingCode is returned when the callback arrives without an authorization code.
	ErrMissingCode = &AuthenticationError{
		Type:    "missing_code",
		Message: "OAuth callback did not include an authorization code",
		Code:    http.StatusBadRequest,
	}

	// ErrInvalidState is returned in strict mode when the callback state does not match.
	ErrInvalidState = &AuthenticationError{
		Type:    "invalid_state",
		Message: "OAuth state parameter is invalid",
		Code:    http.StatusBadRequest,
	}

	// ErrFlowAlreadyActive is returned when a login is started while another is pending.
	ErrFlowAlreadyActive = &AuthenticationError{
		Type:    "flow_already_active",
		Message: "An authorization flow is already in progress",
		Code:    http.StatusConflict,
	}

	// ErrListenerBind is returned when the OAuth callback port cannot be bound.
	ErrListenerBind = &AuthenticationError{
		Type:    "port_in_use",
		Message: "OAuth callback port is not available",
		Code:    13, // Special exit code for port-in-use
	}

	// ErrServerFailed is returned when the callback listener stops unexpectedly.
	ErrServerFailed = &AuthenticationError{
		Type:    "server_failed",
		Message: "OAuth callback server failed",
		Code:    http.StatusInternalServerError,
	}

	// ErrCallbackTimeout is returned when waiting for the OAuth callback times out.
	ErrCallbackTimeout = &AuthenticationError{
		Type:    "callback_timeout",
		Message: "Timeout waiting for OAuth callback",
		Code:    http.StatusRequestTimeout,
	}

	// ErrIncompleteCredential is returned when a token response lacks an access token or merchant id.
	ErrIncompleteCredential = &AuthenticationError{
		Type:    "incomplete_credential",
		Message: "Token response did not include both an access token and a merchant id",
		Code:    http.StatusBadGateway,
	}
)

// NewAuthenticationError creates a new authentication error with a cause based on a base error.
func NewAuthenticationError(baseErr *AuthenticationError, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Code:    baseErr.Code,
		Cause:   cause,
	}
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	var authenticationError *AuthenticationError
	return errors.As(err, &authenticationError)
}

// IsOAuthError checks if an error is an OAuth error.
func IsOAuthError(err error) bool {
	var oAuthError *OAuthError
	return errors.As(err, &oAuthError)
}

// IsReauthRequired reports whether err means the user has to log in again.
func IsReauthRequired(err error) bool {
	var refreshErr *RefreshError
	if errors.As(err, &refreshErr) {
		return true
	}
	return errors.Is(err, ErrUnauthenticated)
}

// GetUserFriendlyMessage returns a user-friendly error message based on the error type.
func GetUserFriendlyMessage(err error) string {
	var (
		authErr     *AuthenticationError
		oauthErr    *OAuthError
		exchangeErr *ExchangeError
		refreshErr  *RefreshError
	)
	switch {
	case errors.As(err, &authErr):
		switch authErr.Type {
		case ErrUnauthenticated.Type:
			return "You are not logged in. Run the login command to authorize this app."
		case ErrMissingCode.Type:
			return "The authorization redirect did not include a code. Please try again."
		case ErrInvalidState.Type:
			return "The authorization response could not be verified. Please try again."
		case ErrFlowAlreadyActive.Type:
			return "A login is already in progress. Finish it in your browser first."
		case ErrListenerBind.Type:
			return "The OAuth callback port is already in use. Close the other application or choose another port."
		case ErrCallbackTimeout.Type:
			return "Authentication timed out. Please try again."
		case ErrIncompleteCredential.Type:
			return "The merchant platform returned an incomplete credential. Please try again."
		default:
			return "Authentication failed. Please try again."
		}
	case errors.As(err, &oauthErr):
		switch oauthErr.Code {
		case "access_denied":
			return "Authentication was cancelled or denied."
		default:
			return fmt.Sprintf("Authentication failed: %s", oauthErr.Error())
		}
	case errors.As(err, &exchangeErr):
		return "Could not exchange the authorization code for a token. Please log in again."
	case errors.As(err, &refreshErr):
		return "Your session could not be refreshed. Please log in again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
