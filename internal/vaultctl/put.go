package vaultctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"identity-vault/internal/vault/models"
)

type putOptions struct {
	*RootOptions
	SequenceNumber string
}

func newPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &putOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "put <file>...",
		Short: "Write profile documents to the vault",
		Long: `Stamp, verify and reconcile profile documents.

Each file holds one profile document or a JSON array of them. Every
document of one invocation shares a single sequence number, which is
printed so it can be passed to "vaultctl status".

Exits 1 when any half of the batch failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd.Context(), opts, cmd, args)
		},
	}
	cmd.Flags().StringVar(&opts.SequenceNumber, "sequence-number", "", "lineage to stamp instead of a random one")
	return cmd
}

func runPut(ctx context.Context, opts *putOptions, cmd *cobra.Command, files []string) error {
	var raws [][]byte
	for _, path := range files {
		docs, err := readDocuments(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read "+path, err)
		}
		raws = append(raws, docs...)
	}

	app, release, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer release()

	res, err := app.Service.ForSequence(opts.SequenceNumber).PutProfiles(ctx, raws)
	if err != nil {
		return WrapExitError(ExitCommandError, "put failed", err)
	}

	out := opts.formatter(cmd)
	done, err := out.JSON(putSummary(res))
	if err != nil {
		return err
	}
	if !done {
		if err := writePutSummary(out, res); err != nil {
			return err
		}
	}
	if res.Reconcile.Created.IsFailed() || res.Reconcile.Updated.IsFailed() {
		return NewExitError(ExitFailure, "one or more batch halves failed")
	}
	return nil
}

// readDocuments accepts a single JSON object or an array of them.
func readDocuments(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{trimmed}, nil
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(trimmed, &docs); err != nil {
		return nil, fmt.Errorf("parse document array: %w", err)
	}
	out := make([][]byte, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out, nil
}

type halfSummary struct {
	State  string               `json:"state"`
	IDs    []string             `json:"ids,omitempty"`
	Failed []models.FailedWrite `json:"failed,omitempty"`
	Error  string               `json:"error,omitempty"`
}

type summary struct {
	SequenceNumber string                  `json:"sequence_number"`
	Created        halfSummary             `json:"created"`
	Updated        halfSummary             `json:"updated"`
	Rejected       []models.RejectedRecord `json:"rejected,omitempty"`
	Dropped        []models.RejectedRecord `json:"dropped,omitempty"`
}

func putSummary(res models.BatchPutResult) summary {
	return summary{
		SequenceNumber: res.SequenceNumber,
		Created:        half(res.Reconcile.Created),
		Updated:        half(res.Reconcile.Updated),
		Rejected:       res.Reconcile.Rejected,
		Dropped:        res.Dropped,
	}
}

func half(o models.Outcome) halfSummary {
	h := halfSummary{State: o.State.String()}
	o.Match(func(r models.BatchResult) {
		h.IDs = r.Applied()
		h.Failed = r.Failed
	}, func(err error) {
		h.Error = err.Error()
	})
	return h
}

func writePutSummary(out *OutputFormatter, res models.BatchPutResult) error {
	s := putSummary(res)
	rows := [][]string{
		{"created", s.Created.State, strconv.Itoa(len(s.Created.IDs)), s.Created.Error},
		{"updated", s.Updated.State, strconv.Itoa(len(s.Updated.IDs)), s.Updated.Error},
	}
	for _, r := range append(s.Rejected, s.Dropped...) {
		rows = append(rows, []string{"dropped", "#" + strconv.Itoa(r.Index), r.ID, strings.TrimSpace(r.Reason)})
	}
	fmt.Fprintf(out.Writer, "sequence number: %s\n", s.SequenceNumber)
	return out.Table([]string{"HALF", "STATE", "WRITTEN", "DETAIL"}, rows)
}
