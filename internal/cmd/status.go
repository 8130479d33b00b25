package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/merchantkit/merchantauth/internal/auth/merchant"
	"github.com/merchantkit/merchantauth/internal/config"
	log "github.com/sirupsen/logrus"
)

// DoStatus prints the state of the stored credential, as text or JSON.
func DoStatus(ctx context.Context, cfg *config.Config, asJSON bool, out io.Writer, opts ...merchant.Option) error {
	manager, err := newAuthManager(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	status := manager.Status()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	writeStatus(out, status)
	return nil
}

func writeStatus(out io.Writer, status merchant.Status) {
	if status.MerchantID == "" {
		_, _ = fmt.Fprintln(out, "Not logged in.")
		if status.CredentialsFile != "" {
			_, _ = fmt.Fprintf(out, "Credentials file: %s\n", status.CredentialsFile)
		}
		return
	}
	state := "expired"
	if status.Authenticated {
		state = "valid"
	}
	_, _ = fmt.Fprintf(out, "Merchant:          %s\n", status.MerchantID)
	_, _ = fmt.Fprintf(out, "Access token:      %s (expires %s)\n", state, formatExpiry(status.AccessTokenExpiresAt))
	if status.HasRefreshToken {
		_, _ = fmt.Fprintf(out, "Refresh token:     present (expires %s)\n", formatExpiry(status.RefreshTokenExpiresAt))
	} else {
		_, _ = fmt.Fprintln(out, "Refresh token:     none")
	}
	if status.CredentialsFile != "" {
		_, _ = fmt.Fprintf(out, "Credentials file:  %s\n", status.CredentialsFile)
	}
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}

// DoRefresh refreshes the stored credential now.
func DoRefresh(ctx context.Context, cfg *config.Config, out io.Writer, opts ...merchant.Option) error {
	manager, err := newAuthManager(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	record, err := manager.ForceRefresh(ctx)
	if err != nil {
		log.Error(merchant.GetUserFriendlyMessage(err))
		return err
	}
	_, _ = fmt.Fprintf(out, "Token refreshed for merchant %s, expires %s\n", record.MerchantID, formatExpiry(record.AccessTokenExpiresAt()))
	return nil
}

// DoLogout forgets the stored credential.
func DoLogout(ctx context.Context, cfg *config.Config, out io.Writer, opts ...merchant.Option) error {
	manager, err := newAuthManager(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	if err = manager.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	_, _ = fmt.Fprintln(out, "Logged out.")
	return nil
}
