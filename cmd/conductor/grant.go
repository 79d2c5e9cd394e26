package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/internal/permission"
)

var (
	grantTool string
	grantTTL  time.Duration
)

var grantCmd = &cobra.Command{
	Use:   "grant <task-id> <capability>...",
	Short: "Grant temporary capabilities to a task",
	Long: `Issue a time-bounded capability grant scoped to one task.

Grants extend the assigned agent's base capabilities for that task
only, and expire automatically. Use this to unblock a task whose agent
lacks a capability its tool requires.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runGrant,
}

func init() {
	grantCmd.Flags().StringVar(&grantTool, "tool", "", "Tool the grant is issued for, recorded on the grant")
	grantCmd.Flags().DurationVar(&grantTTL, "ttl", 15*time.Minute, "How long the grant lasts")
}

func runGrant(cmd *cobra.Command, args []string) error {
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	capabilities := args[1:]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.GetTask(taskID); err != nil {
		return fmt.Errorf("get task %d: %w", taskID, err)
	}

	mgr := permission.NewManager(db)
	grant, err := mgr.Grant(taskID, grantTool, capabilities, grantTTL)
	if err != nil {
		return fmt.Errorf("issue grant: %w", err)
	}

	fmt.Printf("%s grant %s issued for task %d: %v (expires %s)\n",
		color.GreenString("✓"), grant.ID, taskID, capabilities,
		grant.ExpiresAt.Format("15:04:05"))
	return nil
}
