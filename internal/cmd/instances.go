package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CmdInstances creates the instances command.
func CmdInstances() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "instances [flags] <workflow name>",
			Short: "List state-machine instances of a workflow",
			Long: `List the persisted instances of a state-machine workflow, newest first.
With --instance-id one instance is shown in full: current state, context,
and transition history.

Examples:
  agentrun instances order-flow
  agentrun instances order-flow --instance-id 0190cb2d-...
`,
			Args: cobra.ExactArgs(1),
		}, instancesFlags, runInstances,
	)
}

var instancesFlags = []commandLineFlag{instanceIDFlag}

func runInstances(ctx *Context, args []string) error {
	instanceID, err := ctx.StringParam("instance-id")
	if err != nil {
		return err
	}

	rt, err := ctx.NewRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	out := ctx.Command.OutOrStdout()
	if instanceID != "" {
		inst, err := rt.Instances.Load(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("failed to load instance %s: %w", instanceID, err)
		}
		renderInstance(out, inst)
		return nil
	}

	list, err := rt.Instances.List(ctx, args[0])
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintf(out, "no instances found for workflow %s\n", args[0])
		return nil
	}
	renderInstances(out, list)
	return nil
}
