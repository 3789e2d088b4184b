// Command ouroboros is the single binary that runs both the Supervisor
// Main process and, re-invoked with "worker", each isolated task-loop
// worker it spawns (spec §4.10, §4.6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ouroboros",
		Short: "Self-modifying agent runtime supervisor",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	return root
}
