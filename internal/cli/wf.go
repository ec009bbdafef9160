package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petrijr/gasoline/internal/persistence"
)

const timeLayout = "2006-01-02 15:04:05"

// NewWorkflowCommand groups the workflow debugging commands.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "wf",
		Aliases: []string{"workflow"},
		Short:   "Inspect and manage workflows",
	}
	cmd.AddCommand(
		newWorkflowGetCommand(rootOpts),
		newWorkflowListCommand(rootOpts),
		newWorkflowSilenceCommand(rootOpts),
		newWorkflowWakeCommand(rootOpts),
		newWorkflowHistoryCommand(rootOpts),
		NewSignalCommand(rootOpts),
	)
	return cmd
}

func newWorkflowGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <workflow-id>...",
		Short:         "Print workflows by id",
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

			workflows, err := db.GetWorkflows(ctx, ids)
			if err != nil {
				return storeError("failed to get workflows", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := printWorkflows(out, workflows); err != nil {
				return err
			}
			if len(workflows) < len(ids) {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d workflows not found", len(ids)-len(workflows), len(ids)))
			}
			return nil
		},
	}
}

type listOptions struct {
	*RootOptions
	Name  string
	Tags  []string
	State string
	Limit int
}

func newWorkflowListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &listOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows matching a name, tags and state",
		Long: `List workflows, newest first.

Examples:
  gasoline wf list --name epoxy_coordinator
  gasoline wf list --tags replica_id=4 --state sleeping
  gasoline wf list --tags epoxy=coordinator --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "workflow name")
	cmd.Flags().StringArrayVar(&opts.Tags, "tags", nil, "tag filter as key=value, repeatable")
	cmd.Flags().StringVar(&opts.State, "state", "", "running|sleeping|complete|dead|silenced")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of workflows")

	return cmd
}

func runList(ctx context.Context, opts *listOptions, w io.Writer) error {
	tags, err := parseTags(opts.Tags)
	if err != nil {
		return err
	}
	state := persistence.State(opts.State)
	switch state {
	case "", persistence.StateRunning, persistence.StateSleeping, persistence.StateComplete,
		persistence.StateDead, persistence.StateSilenced:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid state %q", opts.State))
	}

	db, closeDB, err := opts.database(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	workflows, err := db.FindWorkflows(ctx, persistence.ListFilter{
		Name:  opts.Name,
		Tags:  tags,
		State: state,
		Limit: opts.Limit,
	})
	if err != nil {
		return storeError("failed to list workflows", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: w}
	if out.Structured() {
		return out.Encode(workflows)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tCREATED\tTAGS")
	for _, wf := range workflows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", wf.ID, wf.Name, wf.State, formatTS(wf.CreateTS), compactJSON(tagsJSON(wf.Tags)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s workflows\n", humanize.Comma(int64(len(workflows))))
	return nil
}

func newWorkflowSilenceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "silence <workflow-id>...",
		Short:         "Stop workflows from being woken",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateWorkflows(cmd, opts, args, "silenced", (*persistence.Database).SilenceWorkflows)
		},
	}
}

func newWorkflowWakeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "wake <workflow-id>...",
		Short:         "Unsilence workflows and run them now",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateWorkflows(cmd, opts, args, "woken", (*persistence.Database).WakeWorkflows)
		},
	}
}

func updateWorkflows(cmd *cobra.Command, opts *RootOptions, args []string, verb string,
	apply func(*persistence.Database, context.Context, []uuid.UUID) error,
) error {
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

	if err := apply(db, ctx, ids); err != nil {
		return storeError("failed to update workflows", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if out.Structured() {
		return out.Encode(map[string]any{verb: ids})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d workflows %s\n", len(ids), verb)
	return nil
}

func printWorkflows(out *OutputFormatter, workflows []*persistence.Workflow) error {
	if out.Structured() {
		return out.Encode(workflows)
	}
	for i, wf := range workflows {
		if i > 0 {
			fmt.Fprintln(out.Writer)
		}
		w := out.Writer
		fmt.Fprintln(w, wf.Name)
		fmt.Fprintf(w, "  id %s\n", wf.ID)
		fmt.Fprintf(w, "  created at %s\n", formatTS(wf.CreateTS))
		fmt.Fprintf(w, "  state %s\n", wf.State)
		if wf.Error != "" {
			fmt.Fprintf(w, "  error %s (retries %d)\n", wf.Error, wf.Retries)
		}
		if wf.ParentID != nil {
			fmt.Fprintf(w, "  parent %s\n", *wf.ParentID)
		}
		if len(wf.Tags) > 0 {
			fmt.Fprintf(w, "  tags %s\n", compactJSON(tagsJSON(wf.Tags)))
		}
		fmt.Fprintf(w, "  input %s\n", indentJSON(wf.Input, "  "))
		if wf.Output != nil {
			fmt.Fprintf(w, "  output %s\n", indentJSON(wf.Output, "  "))
		} else {
			fmt.Fprintln(w, "  output <none>")
		}
	}
	return nil
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid id %q", a), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseTags reads key=value pairs. Values that parse as JSON scalars keep
// their type; anything else is a string.
func parseTags(pairs []string) (persistence.Tags, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	in := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid tag %q, want key=value", p))
		}
		var scalar any
		dec := json.NewDecoder(strings.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&scalar); err == nil && !dec.More() {
			switch scalar.(type) {
			case json.Number, bool, nil:
				in[k] = scalar
				continue
			}
		}
		in[k] = v
	}
	tags, err := persistence.NewTags(in)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid tags", err)
	}
	return tags, nil
}

func tagsJSON(t persistence.Tags) json.RawMessage {
	if len(t) == 0 {
		return json.RawMessage("{}")
	}
	raw, _ := json.Marshal(t)
	return raw
}

func formatTS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(timeLayout)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// indentJSON renders raw over several lines, each continuation prefixed
// by prefix.
func indentJSON(raw json.RawMessage, prefix string) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, prefix, "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
