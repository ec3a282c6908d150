package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CmdEvents creates the events command.
func CmdEvents() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "events [flags] <execution ID>",
			Short: "Print the lifecycle event lineage of an execution",
			Long: `List every recorded lifecycle event of an execution in sequence order:
submission, node starts and settlements, retries, compensation, and the
terminal transition.

Example:
  agentrun events 0190cb2d-...
`,
			Args: cobra.ExactArgs(1),
		}, nil, runEvents,
	)
}

func runEvents(ctx *Context, args []string) error {
	rt, err := ctx.NewRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	events, err := rt.Manager.Events(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load events for %s: %w", args[0], err)
	}
	out := ctx.Command.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintf(out, "no events recorded for execution %s\n", args[0])
		return nil
	}
	renderEvents(out, events)
	return nil
}
