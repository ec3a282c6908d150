package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/parser"
)

// CmdValidate creates the validate command.
func CmdValidate() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "validate [flags] <definition file>",
			Short: "Check a workflow definition without running it",
			Long: `Parse a workflow definition file, apply the structural validation rules,
and compute the dispatch plan. Nothing is stored or executed.

Example:
  agentrun validate pipelines/enrich.yaml
`,
			Args: cobra.ExactArgs(1),
		}, nil, runValidate,
	)
}

func runValidate(ctx *Context, args []string) error {
	out := ctx.Command.OutOrStdout()
	w, err := parser.ParseFile(args[0])
	if err != nil {
		printValidationErrors(out, err)
		return err
	}

	fmt.Fprintf(out, "%s is valid\n", w.Ref())
	fmt.Fprintf(out, "  kind: %s\n", w.Kind)
	if len(w.Nodes) > 0 {
		fmt.Fprintf(out, "  nodes: %d, edges: %d\n", len(w.Nodes), len(w.Edges))
	}
	if len(w.States) > 0 {
		fmt.Fprintf(out, "  states: %d (initial: %s)\n", len(w.States), w.InitialState)
	}
	if w.Schedule != "" {
		fmt.Fprintf(out, "  schedule: %s\n", w.Schedule)
	}
	return nil
}

// printValidationErrors lists each problem on its own line when the parser
// returned an aggregate.
func printValidationErrors(out io.Writer, err error) {
	var list core.ErrorList
	if errors.As(err, &list) {
		fmt.Fprintf(out, "found %d problem(s):\n", len(list))
		for _, e := range list {
			fmt.Fprintf(out, "  - %s\n", e)
		}
		return
	}
	fmt.Fprintf(out, "invalid definition: %v\n", err)
}
