package vaultctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the table, indexes and change topic for the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, release, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer release()

			if err := app.Migrate(ctx); err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			if done, err := opts.formatter(cmd).JSON(map[string]string{
				"backend": app.Config.Store.Backend,
				"table":   app.Config.Store.Table,
			}); done || err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrated %s table %s\n", app.Config.Store.Backend, app.Config.Store.Table)
			return err
		},
	}
}
