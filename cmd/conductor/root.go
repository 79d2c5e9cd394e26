package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Task orchestration engine",
	Long: `Conductor runs trees of tasks through reasoning-provider-driven
processes. A submitted task is claimed by a worker, driven decision by
decision, and may decompose into subtasks that run concurrently while
the parent waits.

Core capabilities:
- Recursive task decomposition with a bounded nesting depth
- Capability-gated tool invocation with task-scoped grants
- Durable task state and an append-only audit log in SQLite
- Agent and tool definitions loaded from YAML, hot-reloaded on change`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
