// Package vaultctl is the operator CLI for the identity vault.
package vaultctl

import (
	"context"
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"identity-vault/internal/platform/config"
	"identity-vault/internal/platform/logger"
	"identity-vault/internal/vault/bootstrap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	// App, when set, is used instead of connecting from ConfigPath.
	App *bootstrap.App
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the vaultctl root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "Operate the identity vault",
		Long: `Inspect and load the identity vault directly against its configured store.

The store backend, table and verification toggles come from the same
configuration file and environment variables the server reads.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to the vault YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level to stderr")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newFindCommand(opts))
	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

// open returns the injected App or connects one from configuration. The
// returned func releases it.
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*bootstrap.App, func(), error) {
	if o.App != nil {
		return o.App, func() {}, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), level)
	app, err := bootstrap.New(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to connect to the vault", err)
	}
	return app, func() { _ = app.Close() }, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
