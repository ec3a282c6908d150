package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required, isBool                     bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $XDG_CONFIG_HOME/agentrun/config.yaml)",
	}
	dataDirFlag = commandLineFlag{
		name:  "data-dir",
		usage: "base directory for workflow definitions, runs, and logs",
	}
	quietFlag = commandLineFlag{
		name:      "quiet",
		shorthand: "q",
		isBool:    true,
		usage:     "suppress console logging",
	}
	versionFlag = commandLineFlag{
		name:  "version",
		usage: `workflow version or semver constraint (default "latest")`,
	}
	inputFlag = commandLineFlag{
		name:      "input",
		shorthand: "i",
		usage:     "execution input as a JSON object",
	}
	inputFileFlag = commandLineFlag{
		name:  "input-file",
		usage: "path to a JSON file carrying the execution input",
	}
	executionIDFlag = commandLineFlag{
		name:      "execution-id",
		shorthand: "e",
		usage:     "execution ID (defaults to the most recent execution of the workflow)",
	}
	contextFlag = commandLineFlag{
		name:  "context",
		usage: "initial instance context as a JSON object",
	}
	payloadFlag = commandLineFlag{
		name:      "payload",
		shorthand: "p",
		usage:     "event payload as a JSON object",
	}
	instanceIDFlag = commandLineFlag{
		name:  "instance-id",
		usage: "show one instance in full instead of the list",
	}
)

// initFlags declares the command's flags plus the flags every command
// carries.
func initFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	flags = append(flags, configFlag, dataDirFlag, quietFlag)
	for _, f := range flags {
		if f.isBool {
			cmd.Flags().BoolP(f.name, f.shorthand, f.defaultValue == "true", f.usage)
		} else {
			cmd.Flags().StringP(f.name, f.shorthand, f.defaultValue, f.usage)
		}
		if f.required {
			if err := cmd.MarkFlagRequired(f.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", f.name, err)
			}
		}
	}
}

// bindFlags exposes the config-related flags through viper so the loader
// sees them regardless of which command is running.
func bindFlags(cmd *cobra.Command, _ ...commandLineFlag) {
	for _, name := range []string{"config", "data-dir"} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			fmt.Printf("failed to bind flag %s: %v\n", name, err)
		}
	}
}
