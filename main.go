package main

import (
	"os"

	"github.com/luomaohao/agentRun/internal/cmd"
)

func main() {
	if err := cmd.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
