package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/internal/lifecycle"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and its subtasks",
	Long: `Cancel a task. Cancellation cascades to every live descendant;
already finished subtasks keep their results. A running engine notices
the cancellation at the task's next suspension point.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded on the task")
}

func runCancel(cmd *cobra.Command, args []string) error {
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	machine := lifecycle.NewMachine(db)
	if _, err := machine.Cancel(taskID, cancelReason); err != nil {
		return fmt.Errorf("cancel task %d: %w", taskID, err)
	}

	fmt.Printf("%s task %d cancelled\n", color.YellowString("✓"), taskID)
	return nil
}
