package vaultctl

import (
	"context"

	"github.com/spf13/cobra"

	"identity-vault/internal/vault/models"
)

type listOptions struct {
	*RootOptions
	Limit int
	Page  string
	All   bool
}

func newListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &listOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List vault records a page at a time",
		Long: `List vault records in id order.

Examples:
  vaultctl list --limit 50
  vaultctl list --page <token from the previous page>
  vaultctl list --all --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "records per page (store default when 0)")
	cmd.Flags().StringVar(&opts.Page, "page", "", "continuation token from a previous page")
	cmd.Flags().BoolVar(&opts.All, "all", false, "follow continuation tokens to the end")
	return cmd
}

func runList(ctx context.Context, opts *listOptions, cmd *cobra.Command) error {
	app, release, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer release()

	var page models.RecordPage
	if opts.All {
		page.Records, err = app.Profiles.ListAll(ctx)
	} else {
		page, err = app.Profiles.ListPage(ctx, opts.Page, opts.Limit)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "list failed", err)
	}
	if page.Records == nil {
		page.Records = []models.ProfileRecord{}
	}

	out := opts.formatter(cmd)
	if done, err := out.JSON(page); done || err != nil {
		return err
	}
	if err := writeRecords(out, page.Records); err != nil {
		return err
	}
	if page.NextPage != "" {
		_, err = cmd.OutOrStdout().Write([]byte("next page: " + page.NextPage + "\n"))
	}
	return err
}

func writeRecords(out *OutputFormatter, recs []models.ProfileRecord) error {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{r.ID, r.PrimaryEmail, r.UUID, r.PrimaryUsername, r.SequenceNumber})
	}
	return out.Table([]string{"ID", "EMAIL", "UUID", "USERNAME", "SEQUENCE"}, rows)
}
