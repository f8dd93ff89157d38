package vaultctl

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"identity-vault/internal/vault/models"
)

func newFindCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "find <id|email|uuid|username> <value>",
		Short:     "Look records up by id or a secondary index",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"id", "email", "uuid", "username"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFind(cmd.Context(), opts, cmd, args[0], args[1])
		},
	}
}

func runFind(ctx context.Context, opts *RootOptions, cmd *cobra.Command, field, value string) error {
	app, release, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer release()

	var find func(context.Context, string) ([]models.ProfileRecord, error)
	switch field {
	case "id":
		find = app.Profiles.FindByID
	case "email":
		find = app.Profiles.FindByEmail
	case "uuid":
		find = app.Profiles.FindByUUID
	case "username":
		find = app.Profiles.FindByUsername
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown field %q: must be one of id, email, uuid, username", field))
	}

	recs, err := find(ctx, value)
	if err != nil {
		return WrapExitError(ExitCommandError, "lookup failed", err)
	}
	if len(recs) == 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("no record with %s %q", field, value))
	}

	out := opts.formatter(cmd)
	if done, err := out.JSON(recs); done || err != nil {
		return err
	}
	return writeRecords(out, recs)
}
