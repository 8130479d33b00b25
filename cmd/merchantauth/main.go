// Package main provides the entry point for merchantauth, a command line client that
// logs in to the merchant platform over OAuth and keeps the merchant credential fresh.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/merchantkit/merchantauth/internal/auth/merchant"
	"github.com/merchantkit/merchantauth/internal/buildinfo"
	"github.com/merchantkit/merchantauth/internal/logging"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

// Exit codes.
const (
	exitError        = 1
	exitAuthRequired = 2
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to load .env file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var authErr *merchant.AuthenticationError
	if errors.As(err, &authErr) && authErr.Type == merchant.ErrListenerBind.Type {
		return merchant.ErrListenerBind.Code
	}
	if merchant.IsReauthRequired(err) {
		return exitAuthRequired
	}
	return exitError
}
