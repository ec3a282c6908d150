package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luomaohao/agentRun/internal/core"
)

// CmdStatus creates the status command.
func CmdStatus() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status [flags] <workflow name>",
			Short: "Display the state of a workflow execution",
			Long: `Show the persisted state of an execution: status, per-node results, and
output. Without --execution-id the most recent execution of the workflow is
shown.

Examples:
  agentrun status enrich-pipeline
  agentrun status enrich-pipeline --execution-id 0190cb2d-...
`,
			Args: cobra.ExactArgs(1),
		}, statusFlags, runStatus,
	)
}

var statusFlags = []commandLineFlag{executionIDFlag}

func runStatus(ctx *Context, args []string) error {
	executionID, err := ctx.StringParam("execution-id")
	if err != nil {
		return err
	}

	rt, err := ctx.NewRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if executionID == "" {
		executionID, err = latestExecutionID(ctx, rt, args[0])
		if err != nil {
			return err
		}
	}

	record, err := rt.Manager.Status(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	renderExecution(ctx.Command.OutOrStdout(), record)
	return nil
}

// latestExecutionID returns the newest execution for the workflow name.
func latestExecutionID(ctx *Context, rt *Runtime, name string) (string, error) {
	execs, err := rt.Manager.List(ctx, name, core.WithLimit(1))
	if err != nil {
		return "", err
	}
	if len(execs) == 0 {
		return "", fmt.Errorf("no executions found for workflow %s", name)
	}
	return execs[0].ID, nil
}
