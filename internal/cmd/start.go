package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// CmdStart creates the start command.
func CmdStart() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "start [flags] <workflow name | definition file>",
			Short: "Create a state-machine instance",
			Long: `Create an instance of a state-machine workflow at its initial state and run
the entry actions. A definition file is saved to the store first. The
instance then waits for events; dispatch them with the send command.

Examples:
  agentrun start order-flow --context '{"customer": "c-42"}'
  agentrun start flows/order.yaml
`,
			Args: cobra.ExactArgs(1),
		}, startFlags, runStart,
	)
}

var startFlags = []commandLineFlag{versionFlag, contextFlag}

func runStart(ctx *Context, args []string) error {
	initial, err := resolveInstanceContext(ctx)
	if err != nil {
		return err
	}
	version, err := ctx.StringParam("version")
	if err != nil {
		return err
	}

	flow, name, version, err := resolveWorkflow(args[0], version)
	if err != nil {
		return err
	}

	rt, err := ctx.NewRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if flow != nil {
		if err := ensureStored(ctx, rt, flow); err != nil {
			return err
		}
	}

	// Instances track the stored definition, so create from the store even
	// when a file was given.
	w, err := rt.Workflows.LoadByNameVersion(ctx, name, version)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", name, err)
	}
	if err := rt.Machine.Register(w); err != nil {
		return err
	}

	inst, err := rt.Machine.CreateInstance(ctx, w.ID, initial)
	if inst == nil {
		return fmt.Errorf("failed to create instance of %s: %w", w.Ref(), err)
	}
	out := ctx.Command.OutOrStdout()
	fmt.Fprintf(out, "instance %s started (%s:%s)\n", inst.ID, inst.Workflow, inst.Version)
	fmt.Fprintf(out, "  state: %s\n", inst.CurrentState)
	if err != nil {
		// The instance exists and stays at the initial state; only its
		// entry actions failed.
		return fmt.Errorf("entry actions failed: %w", err)
	}
	return nil
}

// resolveInstanceContext decodes the --context flag.
func resolveInstanceContext(ctx *Context) (map[string]any, error) {
	raw, err := ctx.StringParam("context")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var initial map[string]any
	if err := json.Unmarshal([]byte(raw), &initial); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	return initial, nil
}
