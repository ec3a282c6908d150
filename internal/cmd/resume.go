package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/persistence/filerun"
)

// CmdResume creates the resume command.
func CmdResume() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "resume [flags] <execution ID>",
			Short: "Resume a suspended execution",
			Long: `Restart a suspended execution from its persisted state. Settled nodes keep
their results; pending work is re-dispatched. The command waits until the
execution finishes or suspends again.

Example:
  agentrun resume 0190cb2d-...
`,
			Args: cobra.ExactArgs(1),
		}, nil, runResume,
	)
}

func runResume(ctx *Context, args []string) error {
	executionID := args[0]

	// Peek at the stored record so the tracer carries the workflow
	// reference before the engine is built.
	peek, err := filerun.New(ctx.Config.Paths.RunsDir)
	if err != nil {
		return err
	}
	record, err := peek.Load(ctx, executionID)
	peek.Close(ctx)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	tracer, err := ctx.Tracer(record.Execution.Workflow, record.Execution.Version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	rt, err := ctx.NewRuntime(tracer)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	rt.Start(ctx)

	sigCtx, stop := signalContext(ctx)
	defer stop()

	exec, err := rt.Manager.Resume(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to resume execution %s: %w", executionID, err)
	}
	out := ctx.Command.OutOrStdout()
	fmt.Fprintf(out, "execution %s resumed (%s:%s)\n", exec.ID, exec.Workflow, exec.Version)

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			logger.Info(ctx, "Cancelling execution on signal", tag.Execution(exec.ID))
			if err := rt.Manager.Cancel(ctx, exec.ID); err != nil {
				logger.Warn(ctx, "Cancel on signal failed", tag.Execution(exec.ID), tag.Error(err))
			}
		case <-waitDone:
		}
	}()

	final, err := rt.Manager.Wait(ctx, exec.ID)
	close(waitDone)
	if err != nil {
		return fmt.Errorf("failed waiting for execution %s: %w", exec.ID, err)
	}

	refreshed, err := rt.Manager.Status(ctx, exec.ID)
	if err != nil {
		return err
	}
	renderExecution(out, refreshed)

	switch final.Status {
	case core.Completed:
		return nil
	case core.Suspended:
		fmt.Fprintf(out, "resume again with: %s resume %s\n", ctx.Command.Root().Name(), exec.ID)
		return nil
	default:
		return fmt.Errorf("execution %s ended %s", exec.ID, final.Status)
	}
}
