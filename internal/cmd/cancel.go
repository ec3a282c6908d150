package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CmdCancel creates the cancel command.
func CmdCancel() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "cancel [flags] <execution ID>",
			Short: "Cancel a suspended or stuck execution",
			Long: `Settle a non-terminal execution as cancelled. Works on suspended executions
and on executions orphaned by a crashed process; an execution live in another
process holds its run lock and cannot be cancelled from here.

Example:
  agentrun cancel 0190cb2d-...
`,
			Args: cobra.ExactArgs(1),
		}, nil, runCancel,
	)
}

func runCancel(ctx *Context, args []string) error {
	rt, err := ctx.NewRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := rt.Manager.Cancel(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to cancel execution %s: %w", args[0], err)
	}
	fmt.Fprintf(ctx.Command.OutOrStdout(), "execution %s cancelled\n", args[0])
	return nil
}
