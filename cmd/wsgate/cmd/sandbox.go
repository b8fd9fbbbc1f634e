package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/sandbox"
)

var (
	sandboxRoot     string
	sandboxMemoryMB int
)

// sandboxExecCmd confines itself to an environment root and execs the
// command after "--". The process runtime wraps every environment command
// with it.
var sandboxExecCmd = &cobra.Command{
	Use:    environment.SandboxCommand + " --root DIR [--memory-mb N] -- COMMAND [ARGS...]",
	Short:  "Run a command confined to an environment root",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sandboxRoot == "" {
			return fmt.Errorf("--root is required")
		}
		return sandbox.Exec(sandbox.DefaultPolicy(sandboxRoot, sandboxMemoryMB), args)
	},
}

func init() {
	sandboxExecCmd.Flags().StringVar(&sandboxRoot, "root", "", "environment root the command may write to")
	sandboxExecCmd.Flags().IntVar(&sandboxMemoryMB, "memory-mb", 0, "memory limit in megabytes, 0 for none")
	sandboxExecCmd.Flags().SetInterspersed(false)
}
