package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luomaohao/agentRun/internal/core"
)

// CmdSend creates the send command.
func CmdSend() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "send [flags] <instance ID> <event>",
			Short: "Send an event to a state-machine instance",
			Long: `Dispatch one event to an instance. A transition matching the event with a
satisfied guard runs its exit and transition actions, commits the new state,
and runs the entry actions; otherwise the event is recorded as unhandled and
the command fails.

Examples:
  agentrun send 0190cb2d-... payment.confirmed
  agentrun send 0190cb2d-... items.picked --payload '{"count": 3}'
`,
			Args: cobra.ExactArgs(2),
		}, sendFlags, runSend,
	)
}

var sendFlags = []commandLineFlag{payloadFlag}

func runSend(ctx *Context, args []string) error {
	instanceID, event := args[0], args[1]
	payload, err := resolvePayload(ctx)
	if err != nil {
		return err
	}

	rt, err := ctx.NewRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := registerInstanceWorkflow(ctx, rt, instanceID); err != nil {
		return err
	}

	res, err := rt.Machine.ProcessEvent(ctx, instanceID, event, payload)
	if res == nil {
		return fmt.Errorf("failed to process event %q: %w", event, err)
	}

	out := ctx.Command.OutOrStdout()
	switch {
	case res.Fired:
		fmt.Fprintf(out, "instance %s: %s → %s\n", res.InstanceID, res.From, res.To)
		if res.Final {
			fmt.Fprintf(out, "  final state reached\n")
		}
		if err != nil {
			// The transition committed; only the entry actions failed.
			return fmt.Errorf("entry actions failed in state %s: %w", res.To, err)
		}
		return nil
	case res.Final:
		return fmt.Errorf("%w: instance %s is in state %s", core.ErrInstanceFinal, instanceID, res.From)
	default:
		return fmt.Errorf("event %q not handled in state %s", event, res.From)
	}
}

// registerInstanceWorkflow loads the instance's workflow version from the
// definition store and registers it with the state-machine engine.
func registerInstanceWorkflow(ctx *Context, rt *Runtime, instanceID string) error {
	inst, err := rt.Instances.Load(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}
	w, err := rt.Workflows.LoadByNameVersion(ctx, inst.Workflow, inst.Version)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s:%s: %w", inst.Workflow, inst.Version, err)
	}
	if w.ID != inst.WorkflowID {
		return core.NewError(core.ErrKindState,
			"stored definition %s was replaced since instance %s was created", w.Ref(), instanceID)
	}
	return rt.Machine.Register(w)
}

// resolvePayload decodes the --payload flag.
func resolvePayload(ctx *Context) (map[string]any, error) {
	raw, err := ctx.StringParam("payload")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}
