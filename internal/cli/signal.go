package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petrijr/gasoline/internal/persistence"
)

// NewSignalCommand groups the signal debugging commands.
func NewSignalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Send, list and silence signals",
	}
	cmd.AddCommand(
		newSignalSendCommand(rootOpts),
		newSignalListCommand(rootOpts),
		newSignalSilenceCommand(rootOpts),
	)
	return cmd
}

type signalSendOptions struct {
	*RootOptions
	WorkflowID string
	Tags       []string
	Name       string
	Body       string
}

func newSignalSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &signalSendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a signal to a workflow id or tag set",
		Long: `Send a signal to a workflow id or to the oldest unfinished workflow
carrying all of the given tags.

Examples:
  gasoline wf signal send --workflow-id 0b5a... --name epoxy_remove_replica --body '{"replica_id":4}'
  gasoline wf signal send --tags epoxy=coordinator --name epoxy_add_replica --body '{"replica_id":4,"url":"http://r4:7070"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.WorkflowID == "") == (len(opts.Tags) == 0) {
				return NewExitError(ExitCommandError, "exactly one of --workflow-id and --tags is required")
			}
			if !json.Valid([]byte(opts.Body)) {
				return NewExitError(ExitCommandError, "--body must be valid JSON")
			}
			send := persistence.SignalOpts{
				RayID: uuid.New(),
				Name:  opts.Name,
				Body:  json.RawMessage(opts.Body),
			}
			if opts.WorkflowID != "" {
				ids, err := parseIDs([]string{opts.WorkflowID})
				if err != nil {
					return err
				}
				send.WorkflowID = &ids[0]
			} else {
				tags, err := parseTags(opts.Tags)
				if err != nil {
					return err
				}
				send.Tags = tags
			}

			ctx := cmd.Context()
			db, closeDB, err := opts.database(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			id, err := db.PublishSignal(ctx, send)
			if err != nil {
				return storeError("failed to send signal", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if out.Structured() {
				return out.Encode(map[string]any{"signal_id": id})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent signal %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.WorkflowID, "workflow-id", "", "target workflow id")
	cmd.Flags().StringArrayVar(&opts.Tags, "tags", nil, "target tags as key=value, repeatable")
	cmd.Flags().StringVar(&opts.Name, "name", "", "signal name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().StringVar(&opts.Body, "body", "null", "JSON body")

	return cmd
}

func newSignalListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <workflow-id>",
		Short:         "List the signals sent to a workflow",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, closeDB, err := opts.database(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			if _, err := db.GetWorkflow(ctx, ids[0]); err != nil {
				return storeError("failed to get workflow", err)
			}
			signals, err := db.ListSignals(ctx, ids[0])
			if err != nil {
				return storeError("failed to list signals", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if out.Structured() {
				return out.Encode(signals)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED\tSTATE\tBODY")
			for _, s := range signals {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, formatTS(s.CreateTS), signalState(s), compactJSON(s.Body))
			}
			return tw.Flush()
		},
	}
}

func signalState(s *persistence.Signal) string {
	switch {
	case s.Silenced:
		return "silenced"
	case s.AckTS != nil:
		return "acked"
	default:
		return "pending"
	}
}

func newSignalSilenceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "silence <signal-id>...",
		Short:         "Drop pending signals without delivering them",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, closeDB, err := opts.database(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := db.SilenceSignals(ctx, ids); err != nil {
				return storeError("failed to silence signals", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if out.Structured() {
				return out.Encode(map[string]any{"silenced": ids})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d signals silenced\n", len(ids))
			return nil
		},
	}
}
