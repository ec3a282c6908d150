package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/stringutil"
)

// Status symbols for terminal rendering.
const (
	symbolRunning      = "●"
	symbolCompleted    = "✓"
	symbolFailed       = "✗"
	symbolCancelled    = "⚠"
	symbolSuspended    = "◌"
	symbolPending      = "○"
	symbolCompensating = "◐"
)

func statusSymbol(s core.Status) string {
	switch s {
	case core.Running:
		return symbolRunning
	case core.Completed:
		return symbolCompleted
	case core.Failed:
		return symbolFailed
	case core.Cancelled:
		return symbolCancelled
	case core.Suspended:
		return symbolSuspended
	case core.Compensating:
		return symbolCompensating
	default:
		return symbolPending
	}
}

// statusColorize applies color to a string based on execution status.
func statusColorize(text string, s core.Status) string {
	switch s {
	case core.Running:
		return color.New(color.FgHiGreen).Sprint(text)
	case core.Completed:
		return color.GreenString(text)
	case core.Failed:
		return color.RedString(text)
	case core.Cancelled:
		return color.YellowString(text)
	case core.Suspended:
		return color.BlueString(text)
	case core.Compensating:
		return color.New(color.FgYellow).Sprint(text)
	default:
		return color.New(color.Faint).Sprint(text)
	}
}

func nodeStatusSymbol(s core.NodeStatus) string {
	switch s {
	case core.NodeRunning, core.NodeRetrying:
		return symbolRunning
	case core.NodeSuccess:
		return symbolCompleted
	case core.NodeFailed:
		return symbolFailed
	case core.NodeCancelled:
		return symbolCancelled
	case core.NodeSkipped:
		return symbolSuspended
	default:
		return symbolPending
	}
}

func nodeStatusColorize(text string, s core.NodeStatus) string {
	switch s {
	case core.NodeRunning, core.NodeRetrying:
		return color.New(color.FgHiGreen).Sprint(text)
	case core.NodeSuccess:
		return color.GreenString(text)
	case core.NodeFailed:
		return color.RedString(text)
	case core.NodeCancelled:
		return color.YellowString(text)
	case core.NodeSkipped:
		return color.New(color.Faint).Sprint(text)
	default:
		return color.New(color.Faint).Sprint(text)
	}
}

// renderExecution prints an execution summary followed by one row per node.
func renderExecution(w io.Writer, rec *core.ExecutionRecord) {
	e := rec.Execution
	fmt.Fprintf(w, "\n%s %s  %s:%s\n",
		statusColorize(statusSymbol(e.Status), e.Status),
		statusColorize(e.Status.String(), e.Status),
		e.Workflow, e.Version)
	fmt.Fprintf(w, "  execution: %s\n", e.ID)
	if e.ParentID != "" {
		fmt.Fprintf(w, "  parent: %s\n", e.ParentID)
	}
	fmt.Fprintf(w, "  submitted: %s\n", stringutil.FormatTime(e.SubmittedAt))
	if !e.StartedAt.IsZero() && !e.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  duration: %s\n", stringutil.FormatDuration(e.FinishedAt.Sub(e.StartedAt)))
	}
	if e.Error != nil {
		fmt.Fprintf(w, "  error: %s\n", color.RedString(e.Error.Error()))
	}

	if len(rec.Nodes) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  \tNODE\tSTATUS\tRETRIES\tDURATION\tERROR")
		for _, n := range rec.Nodes {
			var duration, errText string
			if !n.StartedAt.IsZero() && !n.FinishedAt.IsZero() {
				duration = stringutil.FormatDuration(n.FinishedAt.Sub(n.StartedAt))
			}
			if n.Error != nil {
				errText = stringutil.TruncString(n.Error.Message, 48)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\t%s\n",
				nodeStatusColorize(nodeStatusSymbol(n.Status), n.Status),
				n.NodeID,
				nodeStatusColorize(n.Status.String(), n.Status),
				n.RetryCount,
				duration,
				errText)
		}
		_ = tw.Flush()
	}

	if len(e.Output) > 0 {
		out, err := json.MarshalIndent(e.Output, "  ", "  ")
		if err == nil {
			fmt.Fprintf(w, "\n  output:\n  %s\n", out)
		}
	}
}

func instanceSymbol(inst *core.Instance) string {
	if inst.IsFinal {
		return symbolCompleted
	}
	return symbolRunning
}

func instanceColorize(text string, inst *core.Instance) string {
	if inst.IsFinal {
		return color.GreenString(text)
	}
	return color.New(color.FgHiGreen).Sprint(text)
}

// renderInstances prints one row per state-machine instance.
func renderInstances(w io.Writer, instances []*core.Instance) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  \tINSTANCE\tSTATE\tTRANSITIONS\tUPDATED")
	for _, inst := range instances {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\n",
			instanceColorize(instanceSymbol(inst), inst),
			inst.ID,
			instanceColorize(inst.CurrentState, inst),
			len(inst.History),
			stringutil.FormatTime(inst.UpdatedAt))
	}
	_ = tw.Flush()
}

// renderInstance prints one instance in full: identity, transition history,
// and context.
func renderInstance(w io.Writer, inst *core.Instance) {
	fmt.Fprintf(w, "\n%s %s  %s:%s\n",
		instanceColorize(instanceSymbol(inst), inst),
		instanceColorize(inst.CurrentState, inst),
		inst.Workflow, inst.Version)
	fmt.Fprintf(w, "  instance: %s\n", inst.ID)
	fmt.Fprintf(w, "  created: %s\n", stringutil.FormatTime(inst.CreatedAt))
	fmt.Fprintf(w, "  updated: %s\n", stringutil.FormatTime(inst.UpdatedAt))
	if inst.IsFinal {
		fmt.Fprintf(w, "  final: yes\n")
	}

	if len(inst.History) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  TIME\tEVENT\tFROM\tTO")
		for _, tr := range inst.History {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
				stringutil.FormatTime(tr.Timestamp),
				tr.Event,
				tr.From,
				tr.To)
		}
		_ = tw.Flush()
	}

	if len(inst.Context) > 0 {
		out, err := json.MarshalIndent(inst.Context, "  ", "  ")
		if err == nil {
			fmt.Fprintf(w, "\n  context:\n  %s\n", out)
		}
	}
}

// renderEvents prints the execution's event lineage, one line per event.
func renderEvents(w io.Writer, events []*core.Event) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tNODE\tDETAILS")
	for _, ev := range events {
		var details string
		if len(ev.Payload) > 0 {
			raw, err := json.Marshal(ev.Payload)
			if err == nil {
				details = stringutil.TruncString(string(raw), 80)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.Seq,
			stringutil.FormatTime(ev.Timestamp),
			ev.Type,
			ev.NodeID,
			details)
	}
	_ = tw.Flush()
}
