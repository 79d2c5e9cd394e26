package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/internal/store"
	"github.com/cmoretti/conductor/pkg/models"
)

var statusTree int64

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task state",
	Long: `Display the state of submitted tasks.

Without flags, shows all live tasks grouped by tree, plus recently
finished roots. With --tree <id>, shows the full task tree rooted at
that task, including terminal descendants.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Int64Var(&statusTree, "tree", 0, "Show the full tree rooted at this task ID")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Store.Path == "" {
		if _, err := os.Stat(store.DefaultDBPath()); os.IsNotExist(err) {
			fmt.Println("No tasks yet. Run 'conductor submit' to queue one.")
			return nil
		}
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if statusTree != 0 {
		return displayTree(db, statusTree)
	}

	live := 0
	for _, status := range []models.TaskStatus{
		models.TaskStatusQueued,
		models.TaskStatusRunning,
		models.TaskStatusWaiting,
		models.TaskStatusBlocked,
	} {
		tasks, err := db.ListTasksByStatus(status)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if live == 0 {
				fmt.Println("Live tasks:")
			}
			live++
			displayTask(t, 1)
		}
	}
	if live == 0 {
		fmt.Println("No live tasks.")
	}

	return displayRecentRoots(db)
}

// displayTree prints a task and its descendants, indented by depth.
func displayTree(db *store.DB, rootID int64) error {
	root, err := db.GetTask(rootID)
	if err != nil {
		return fmt.Errorf("get task %d: %w", rootID, err)
	}

	var walk func(t *models.Task, indent int) error
	walk = func(t *models.Task, indent int) error {
		displayTask(t, indent)
		children, err := db.ListTasksByParent(t.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c, indent+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, 0)
}

// displayTask prints one task line with a colored status.
func displayTask(t *models.Task, indent int) {
	elapsed := ""
	if t.StartedAt != nil {
		end := time.Now()
		if t.CompletedAt != nil {
			end = *t.CompletedAt
		}
		elapsed = fmt.Sprintf(" (%s)", formatDuration(end.Sub(*t.StartedAt)))
	}

	detail := ""
	if t.Error != "" {
		detail = " — " + t.Error
	}

	fmt.Printf("%s%d [%s] %s: %q%s%s\n",
		strings.Repeat("  ", indent), t.ID, colorStatus(t.Status),
		t.AgentName, truncate(t.Instruction, 60), elapsed, detail)
}

// displayRecentRoots prints the last few finished root tasks.
func displayRecentRoots(db *store.DB) error {
	var recent []*models.Task
	for _, status := range []models.TaskStatus{
		models.TaskStatusComplete,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	} {
		tasks, err := db.ListTasksByStatus(status)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if t.IsRoot() {
				recent = append(recent, t)
			}
		}
	}
	if len(recent) == 0 {
		return nil
	}

	// Newest first, capped at 5.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	if len(recent) > 5 {
		recent = recent[:5]
	}

	fmt.Println()
	fmt.Println("Recent tasks:")
	for _, t := range recent {
		displayTask(t, 1)
	}
	return nil
}

// colorStatus renders a task status with a matching color.
func colorStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusComplete:
		return color.GreenString(string(s))
	case models.TaskStatusFailed:
		return color.RedString(string(s))
	case models.TaskStatusBlocked, models.TaskStatusCancelled:
		return color.YellowString(string(s))
	case models.TaskStatusRunning:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// truncate shortens a string to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
