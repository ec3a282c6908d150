package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/parser"
)

// CmdRun creates the run command.
func CmdRun() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "run [flags] <workflow name | definition file>",
			Short: "Execute a workflow and wait for it to finish",
			Long: `Submit an execution for a stored workflow, or for a definition file that is
saved to the store first. The command waits until the execution reaches a
terminal status or suspends; Ctrl-C cancels the execution gracefully.

Examples:
  agentrun run enrich-pipeline --input '{"ticket_id": 42}'
  agentrun run enrich-pipeline --version "^1.2"
  agentrun run pipelines/enrich.yaml --input-file ticket.json
`,
			Args: cobra.ExactArgs(1),
		}, runFlags, runRun,
	)
}

var runFlags = []commandLineFlag{versionFlag, inputFlag, inputFileFlag}

func runRun(ctx *Context, args []string) error {
	input, err := resolveInput(ctx)
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
	if flow != nil && !flow.Kind.HasGraph() {
		return fmt.Errorf("workflow %s has no graph; create an instance with: %s start %s",
			flow.Ref(), ctx.Command.Root().Name(), args[0])
	}

	tracer, err := ctx.Tracer(name, version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	rt, err := ctx.NewRuntime(tracer)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if flow != nil {
		if err := ensureStored(ctx, rt, flow); err != nil {
			return err
		}
	}

	rt.Start(ctx)

	sigCtx, stop := signalContext(ctx)
	defer stop()

	exec, err := rt.Manager.Submit(ctx, name, version, input, core.TriggerManual)
	if err != nil {
		return fmt.Errorf("failed to submit execution: %w", err)
	}
	out := ctx.Command.OutOrStdout()
	fmt.Fprintf(out, "execution %s started (%s:%s)\n", exec.ID, exec.Workflow, exec.Version)

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

	record, err := rt.Manager.Status(ctx, exec.ID)
	if err != nil {
		return err
	}
	renderExecution(out, record)

	switch final.Status {
	case core.Completed:
		return nil
	case core.Suspended:
		fmt.Fprintf(out, "resume with: %s resume %s\n", ctx.Command.Root().Name(), exec.ID)
		return nil
	default:
		return fmt.Errorf("execution %s ended %s", exec.ID, final.Status)
	}
}

// resolveWorkflow turns the command argument into a name and version,
// parsing it when it is a definition file. The parsed workflow, if any,
// still needs ensureStored before it can be submitted.
func resolveWorkflow(arg, version string) (*core.Workflow, string, string, error) {
	if !strings.HasSuffix(arg, ".yaml") && !strings.HasSuffix(arg, ".yml") {
		return nil, arg, version, nil
	}

	w, err := parser.ParseFile(arg)
	if err != nil {
		return nil, "", "", err
	}
	if version != "" && version != "latest" && version != w.Version {
		return nil, "", "", fmt.Errorf("definition file %s is version %s, not %s", arg, w.Version, version)
	}
	return w, w.Name, w.Version, nil
}

// ensureStored saves the parsed definition unless that exact version is
// already stored.
func ensureStored(ctx *Context, rt *Runtime, w *core.Workflow) error {
	switch _, err := rt.Workflows.LoadByNameVersion(ctx, w.Name, w.Version); {
	case err == nil:
		return nil // already stored, run that version
	case errors.Is(err, core.ErrWorkflowNotFound):
		if err := rt.Workflows.Save(ctx, w); err != nil {
			return fmt.Errorf("failed to store %s: %w", w.Ref(), err)
		}
		if err := rt.Audit.LogWorkflowSaved(ctx, w.Name, w.Version); err != nil {
			logger.Warn(ctx, "Audit append failed", tag.Error(err))
		}
		logger.Info(ctx, "Workflow stored", tag.Workflow(w.Name), tag.Version(w.Version))
		return nil
	default:
		return err
	}
}

// resolveInput builds the execution input from --input / --input-file.
func resolveInput(ctx *Context) (map[string]any, error) {
	raw, err := ctx.StringParam("input")
	if err != nil {
		return nil, err
	}
	file, err := ctx.StringParam("input-file")
	if err != nil {
		return nil, err
	}
	if raw != "" && file != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		raw = string(data)
	}
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}
