package cmd

import (
	"context"

	"github.com/merchantkit/merchantauth/internal/auth/merchant"
	"github.com/merchantkit/merchantauth/internal/config"
)

// newAuthManager creates the merchant credential manager used by every command.
// The persisted credential is loaded before it returns.
//
// Parameters:
//   - ctx: The context for loading the persisted credential
//   - cfg: The application configuration
//   - opts: Extra manager options
//
// Returns:
//   - *merchant.Manager: A configured manager
//   - error: An error if the configuration is unusable
func newAuthManager(ctx context.Context, cfg *config.Config, opts ...merchant.Option) (*merchant.Manager, error) {
	return merchant.NewManager(ctx, cfg, opts...)
}
