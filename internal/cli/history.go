package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
)

type historyOptions struct {
	*RootOptions
	ExcludeJSON      bool
	IncludeForgotten bool
	PrintLocation    bool
	PrintTimestamps  bool
}

func newWorkflowHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &historyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Print the event history of a workflow",
		Long: `Print the event history of a workflow as a tree of branches.

Examples:
  gasoline wf history 0b5a...
  gasoline wf history 0b5a... -f -l
  gasoline wf history 0b5a... --format yaml`,
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

			wf, err := db.GetWorkflow(ctx, ids[0])
			if err != nil {
				return storeError("failed to get workflow", err)
			}
			events, err := db.GetWorkflowHistory(ctx, ids[0], opts.IncludeForgotten)
			if err != nil {
				return storeError("failed to get history", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if out.Structured() {
				return out.Encode(newHistoryView(wf, events))
			}
			renderHistory(cmd.OutOrStdout(), wf, events, opts)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.ExcludeJSON, "exclude-json", "j", false, "omit inputs, outputs and bodies")
	cmd.Flags().BoolVarP(&opts.IncludeForgotten, "forgotten", "f", false, "include events of finished loop iterations")
	cmd.Flags().BoolVarP(&opts.PrintLocation, "location", "l", false, "print event versions and locations")
	cmd.Flags().BoolVarP(&opts.PrintTimestamps, "timestamps", "t", false, "print event timestamps")

	return cmd
}

type historyView struct {
	Workflow *persistence.Workflow `json:"workflow"`
	Events   []eventView           `json:"events"`
}

type eventView struct {
	Location  history.Location `json:"location"`
	Forgotten bool             `json:"forgotten"`
	*history.Event
}

func newHistoryView(wf *persistence.Workflow, events []*history.Event) historyView {
	v := historyView{Workflow: wf, Events: make([]eventView, 0, len(events))}
	for _, e := range events {
		v.Events = append(v.Events, eventView{Location: e.Location, Forgotten: e.Forgotten, Event: e})
	}
	return v
}

func eventTitle(e *history.Event) string {
	switch e.Type {
	case history.EventActivity:
		return "activity " + e.Activity.Name
	case history.EventSignalReceive:
		return "signal receive " + e.Signal.Name
	case history.EventSignalSend:
		return "signal send " + e.SignalSend.Name
	case history.EventMessageSend:
		return "message send " + e.Message.Name
	case history.EventSubWorkflow:
		return "sub workflow " + e.SubWorkflow.Name
	case history.EventSleep:
		return "sleep"
	case history.EventLoop:
		return "loop"
	case history.EventBranch:
		return "branch"
	case history.EventVersionCheck:
		return "version check"
	case history.EventSignals:
		return "signals " + strings.Join(e.Signals.Names, ", ")
	case history.EventRemoved:
		if e.Removed.Name != "" {
			return fmt.Sprintf("removed %s %s", e.Removed.OriginalType, e.Removed.Name)
		}
		return "removed " + string(e.Removed.OriginalType)
	default:
		return string(e.Type)
	}
}

// renderHistory prints events indented by branch depth. Lines of an
// event's details start with "|", forgotten events with "x".
func renderHistory(w io.Writer, wf *persistence.Workflow, events []*history.Event, opts *historyOptions) {
	fmt.Fprintf(w, "%s %s\n", wf.Name, wf.ID)
	if !opts.ExcludeJSON {
		fmt.Fprintf(w, "| input %s\n", indentJSON(wf.Input, "| "))
		if wf.Output != nil {
			fmt.Fprintf(w, "| output %s\n", indentJSON(wf.Output, "| "))
		}
	}
	if wf.Error != "" {
		fmt.Fprintf(w, "| error %s\n", wf.Error)
	}
	fmt.Fprintln(w)

	for _, e := range events {
		indent := strings.Repeat("  ", max(len(e.Location)-1, 0))
		title := eventTitle(e)
		if opts.PrintLocation {
			title += fmt.Sprintf(" v%d @ %s", e.Version, e.Location)
		}
		if opts.PrintTimestamps {
			title = formatTS(e.CreateTS) + " " + title
		}
		fmt.Fprintf(w, "%s- %s\n", indent, title)

		bar := "|"
		if e.Forgotten {
			bar = "x"
		}
		prefix := indent + "  " + bar + " "
		line := func(format string, args ...any) {
			fmt.Fprintf(w, prefix+format+"\n", args...)
		}
		payload := func(label string, raw []byte) {
			if !opts.ExcludeJSON {
				line("%s %s", label, indentJSON(raw, prefix))
			}
		}

		switch e.Type {
		case history.EventActivity:
			payload("input", e.Activity.Input)
			if e.Activity.Output != nil {
				payload("output", e.Activity.Output)
			}
			if e.Activity.Error != "" {
				line("error %s (attempts %d)", e.Activity.Error, e.Activity.Attempts)
			}
		case history.EventSignalReceive:
			line("id %s", e.Signal.SignalID)
			payload("body", e.Signal.Body)
		case history.EventSignalSend:
			line("id %s", e.SignalSend.SignalID)
			if e.SignalSend.WorkflowID != nil {
				line("to %s", *e.SignalSend.WorkflowID)
			} else {
				line("to tags %s", compactJSON(tagsJSON(e.SignalSend.Tags)))
			}
			payload("body", e.SignalSend.Body)
		case history.EventMessageSend:
			line("tags %s", compactJSON(tagsJSON(e.Message.Tags)))
			payload("body", e.Message.Body)
		case history.EventSubWorkflow:
			line("id %s", e.SubWorkflow.SubWorkflowID)
			if len(e.SubWorkflow.Tags) > 0 {
				line("tags %s", compactJSON(tagsJSON(e.SubWorkflow.Tags)))
			}
			payload("input", e.SubWorkflow.Input)
		case history.EventSleep:
			line("until %s (%s)", formatTS(e.Sleep.DeadlineTS), e.Sleep.State)
		case history.EventLoop:
			line("iteration %d", e.Loop.Iteration)
			if e.Loop.State != nil {
				payload("state", e.Loop.State)
			}
			if e.Loop.Output != nil {
				payload("output", e.Loop.Output)
			}
		case history.EventSignals:
			for i, id := range e.Signals.SignalIDs {
				line("%s %s", e.Signals.Names[i], id)
				if i < len(e.Signals.Bodies) {
					payload("body", e.Signals.Bodies[i])
				}
			}
		}
	}
}
