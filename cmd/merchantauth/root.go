package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/merchantkit/merchantauth/internal/buildinfo"
	internalcmd "github.com/merchantkit/merchantauth/internal/cmd"
	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/merchantkit/merchantauth/internal/logging"
	"github.com/merchantkit/merchantauth/internal/merchantapi"
	"github.com/merchantkit/merchantauth/internal/misc"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const exampleConfigPath = "config.example.yaml"

// rootOptions holds the global flags and the configuration loaded from them.
type rootOptions struct {
	configPath   string
	debug        bool
	noBrowser    bool
	callbackPort int
	cfg          *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "merchantauth",
		Short: "Log in to the merchant platform and keep the merchant credential fresh",
		Long: `merchantauth runs the merchant OAuth authorization flow through a local callback
listener, stores the resulting credential in a key/value file and refreshes it
when it expires.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("merchantauth %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate))
	root.PersistentFlags().StringVar(&opts.configPath, "config", DefaultConfigPath, "Configuration file path")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&opts.noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	root.PersistentFlags().IntVar(&opts.callbackPort, "oauth-callback-port", 0, "Override OAuth callback port")

	root.AddCommand(
		newLoginCmd(opts),
		newStatusCmd(opts),
		newRefreshCmd(opts),
		newLogoutCmd(opts),
		newMerchantCmd(opts),
		newItemsCmd(opts),
		newOrdersCmd(opts),
	)
	return root
}

// load reads the configuration once per invocation, copying the example file on first run.
func (o *rootOptions) load(cmd *cobra.Command) error {
	path := strings.TrimSpace(o.configPath)
	if path != "" && !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if _, errExample := os.Stat(exampleConfigPath); errExample == nil {
				if errCopy := misc.CopyConfigTemplate(exampleConfigPath, path); errCopy != nil {
					log.Warnf("failed to create %s from %s: %v", path, exampleConfigPath, errCopy)
				} else {
					log.Infof("created %s from %s", path, exampleConfigPath)
				}
			}
		}
	}

	cfg, err := config.LoadConfigOptional(path, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if o.debug {
		cfg.Debug = true
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var paste bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize this app for a merchant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loginOpts := &internalcmd.LoginOptions{
				NoBrowser:    opts.noBrowser,
				CallbackPort: opts.callbackPort,
			}
			if paste || opts.noBrowser {
				loginOpts.Prompt = linePrompt(cmd.InOrStdin(), cmd.ErrOrStderr())
			}
			return internalcmd.DoLogin(cmd.Context(), opts.cfg, loginOpts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&paste, "paste", false, "Offer to paste the callback URL if the redirect does not arrive")
	return cmd
}

// linePrompt reads one line from in after writing the prompt to out.
func linePrompt(in io.Reader, out io.Writer) func(string) (string, error) {
	reader := bufio.NewReader(in)
	return func(prompt string) (string, error) {
		_, _ = fmt.Fprint(out, prompt)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored merchant credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return internalcmd.DoStatus(cmd.Context(), opts.cfg, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the merchant access token now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return internalcmd.DoRefresh(cmd.Context(), opts.cfg, cmd.OutOrStdout())
		},
	}
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored merchant credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return internalcmd.DoLogout(cmd.Context(), opts.cfg, cmd.OutOrStdout())
		},
	}
}

func newMerchantCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merchant",
		Short: "Show the merchant profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return internalcmd.DoShowMerchant(cmd.Context(), opts.cfg, cmd.OutOrStdout())
		},
	}
}

func addPageFlags(cmd *cobra.Command, page *merchantapi.Page) {
	cmd.Flags().IntVar(&page.Limit, "limit", 20, "Maximum number of results")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "Number of results to skip")
}

func newItemsCmd(opts *rootOptions) *cobra.Command {
	var page merchantapi.Page
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List inventory items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return internalcmd.DoListItems(cmd.Context(), opts.cfg, page, cmd.OutOrStdout())
		},
	}
	addPageFlags(cmd, &page)
	return cmd
}

func newOrdersCmd(opts *rootOptions) *cobra.Command {
	var page merchantapi.Page
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return internalcmd.DoListOrders(cmd.Context(), opts.cfg, page, cmd.OutOrStdout())
		},
	}
	addPageFlags(cmd, &page)
	return cmd
}
