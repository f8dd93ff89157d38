package vaultctl

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <sequence-number>",
		Short: "Check whether a write with this sequence number landed",
		Long: `Run every status check for a sequence number.

Exits 1 when any check does not find exactly one matching record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts, cmd, args[0])
		},
	}
}

func runStatus(ctx context.Context, opts *RootOptions, cmd *cobra.Command, seq string) error {
	app, release, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer release()

	results, err := app.Status.Detailed(ctx, seq)
	if err != nil {
		return WrapExitError(ExitCommandError, "status check failed", err)
	}

	out := opts.formatter(cmd)
	done, err := out.JSON(results)
	if err != nil {
		return err
	}
	if !done {
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			r := results[name]
			rows = append(rows, []string{name, strconv.FormatBool(r.OK), strconv.Itoa(r.Matches)})
		}
		if err := out.Table([]string{"CHECK", "OK", "MATCHES"}, rows); err != nil {
			return err
		}
	}

	for name, r := range results {
		if !r.OK {
			return NewExitError(ExitFailure, fmt.Sprintf("check %s found %d records for sequence number %s", name, r.Matches, seq))
		}
	}
	return nil
}
