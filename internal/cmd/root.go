package cmd

import (
	"github.com/spf13/cobra"

	"github.com/luomaohao/agentRun/internal/build"
)

// New builds the root command with every subcommand registered.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:   build.Slug,
		Short: "agentRun is a workflow runtime for agent and tool orchestration",
		Long: `agentRun executes declarative workflows that orchestrate AI-agent calls,
tool invocations, and control flow. Definitions are YAML, stored as immutable
versions; executions are durable and resumable.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(CmdValidate())
	root.AddCommand(CmdRun())
	root.AddCommand(CmdStatus())
	root.AddCommand(CmdEvents())
	root.AddCommand(CmdResume())
	root.AddCommand(CmdCancel())
	root.AddCommand(CmdStart())
	root.AddCommand(CmdSend())
	root.AddCommand(CmdInstances())
	root.AddCommand(CmdVersion())
	return root
}

// Run executes the CLI with the given process arguments.
func Run(args []string) error {
	root := New()
	root.SetArgs(args[1:])
	return root.Execute()
}
