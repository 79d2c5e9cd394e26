package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/pkg/models"
)

var eventsCmd = &cobra.Command{
	Use:   "events <task-id>",
	Short: "Show the audit log for a task",
	Long: `Print the append-only event log recorded for a task: status
transitions, tool authorizations and denials, capability grants, and
agent reassignments, oldest first.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.ListEvents("task", args[0])
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		fmt.Printf("No events for task %s.\n", args[0])
		return nil
	}

	for _, ev := range events {
		stamp := ev.CreatedAt.Format("2006-01-02 15:04:05")
		line := fmt.Sprintf("[%s] %s %s", stamp, ev.EventType, ev.Payload)
		switch ev.Severity {
		case models.SeverityWarning:
			color.Yellow(line)
		case models.SeverityError:
			color.Red(line)
		default:
			fmt.Println(line)
		}
	}
	return nil
}
