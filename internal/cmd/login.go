// Package cmd implements the merchantauth commands: login, status, refresh, logout and
// the merchant resource lookups.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/merchantkit/merchantauth/internal/auth/merchant"
	"github.com/merchantkit/merchantauth/internal/browser"
	"github.com/merchantkit/merchantauth/internal/config"
	log "github.com/sirupsen/logrus"
)

const defaultManualPromptDelay = 15 * time.Second

// LoginOptions contains options for the login process.
// It provides configuration for the authentication flow including browser behavior
// and interactive prompting capabilities.
type LoginOptions struct {
	// NoBrowser indicates whether to skip opening the browser automatically.
	NoBrowser bool

	// CallbackPort overrides the local OAuth callback port when set (>0).
	CallbackPort int

	// Prompt allows the caller to provide interactive input when needed.
	// When set, the user may paste the callback URL instead of waiting for the redirect.
	Prompt func(prompt string) (string, error)

	// ManualPromptDelay is how long to wait for the redirect before prompting. Defaults to 15s.
	ManualPromptDelay time.Duration

	// Notifier replaces the terminal notifier.
	Notifier merchant.Notifier

	// ManagerOptions are passed to the credential manager.
	ManagerOptions []merchant.Option
}

// DoLogin runs the merchant OAuth flow and stores the resulting credential.
//
// Parameters:
//   - ctx: Cancelling ctx abandons the flow
//   - cfg: The application configuration
//   - options: Login options including browser behavior and prompts
//   - out: Where progress messages are written
//
// Returns:
//   - error: The flow failure, if any
func DoLogin(ctx context.Context, cfg *config.Config, options *LoginOptions, out io.Writer) error {
	if options == nil {
		options = &LoginOptions{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	notifier := options.Notifier
	if notifier == nil {
		terminal := browser.NewNotifier(options.NoBrowser)
		terminal.SetOutput(out)
		notifier = terminal
	}
	opts := append([]merchant.Option{merchant.WithNotifier(notifier)}, options.ManagerOptions...)
	manager, err := newAuthManager(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	type loginResult struct {
		record *merchant.Record
		err    error
	}
	done := make(chan loginResult, 1)
	go func() {
		record, errLogin := manager.Login(ctx, options.CallbackPort)
		done <- loginResult{record: record, err: errLogin}
	}()

	var promptC <-chan time.Time
	if options.Prompt != nil {
		delay := options.ManualPromptDelay
		if delay <= 0 {
			delay = defaultManualPromptDelay
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		promptC = timer.C
	}

	for {
		select {
		case res := <-done:
			if res.err != nil {
				log.Error(merchant.GetUserFriendlyMessage(res.err))
				return res.err
			}
			if status := manager.Status(); status.CredentialsFile != "" {
				_, _ = fmt.Fprintf(out, "Authentication saved to %s\n", status.CredentialsFile)
			}
			_, _ = fmt.Fprintf(out, "Merchant authentication successful! (merchant %s)\n", res.record.MerchantID)
			return nil
		case <-promptC:
			promptC = nil
			go promptForCallback(manager.Flow(), options.Prompt)
		}
	}
}

// promptForCallback lets the user paste the redirect URL from the browser. An empty
// answer keeps waiting for the redirect.
func promptForCallback(flow *merchant.FlowController, prompt func(string) (string, error)) {
	for {
		if _, pending := flow.Pending(); !pending {
			return
		}
		input, err := prompt("Paste the merchant callback URL (or press Enter to keep waiting): ")
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warnf("failed to read callback URL: %v", err)
			}
			return
		}
		if strings.TrimSpace(input) == "" {
			return
		}
		if err = flow.SubmitCallbackURL(input); err != nil {
			log.Warnf("could not use the pasted callback URL: %v", err)
			continue
		}
		return
	}
}
