package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/internal/engine"
	"github.com/cmoretti/conductor/internal/lifecycle"
	"github.com/cmoretti/conductor/pkg/models"
)

var (
	submitAgent    string
	submitProcess  string
	submitPriority int
)

var submitCmd = &cobra.Command{
	Use:   "submit <instruction>",
	Short: "Submit a task for execution",
	Long: `Submit a root task to the queue.

A running 'conductor run' engine claims and executes it. The agent
must exist in the definitions directory; the process is one of the
built-ins:

  agent_loop  decision-driven execution, may decompose recursively
  fanout      one up-front decomposition, results aggregated

Higher priority tasks are claimed first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitAgent, "agent", "", "Agent definition to execute the task (required)")
	submitCmd.Flags().StringVar(&submitProcess, "process", engine.ProcessAgentLoop, "Process to run: agent_loop or fanout")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 5, "Scheduling priority; higher runs first")
	submitCmd.MarkFlagRequired("agent")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	instruction := strings.Join(args, " ")

	if submitProcess != engine.ProcessAgentLoop && submitProcess != engine.ProcessFanout {
		return fmt.Errorf("unknown process %q; use %s or %s", submitProcess, engine.ProcessAgentLoop, engine.ProcessFanout)
	}
	if submitPriority < models.PriorityMin || submitPriority > models.PriorityMax {
		return fmt.Errorf("priority %d out of range [%d, %d]", submitPriority, models.PriorityMin, models.PriorityMax)
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

	agent, err := db.GetAgent(submitAgent)
	if err != nil {
		return fmt.Errorf("resolve agent %s: %w", submitAgent, err)
	}
	if agent.Status == models.AgentDeprecated {
		return fmt.Errorf("agent %s is deprecated and cannot take new tasks", submitAgent)
	}

	task := &models.Task{
		AgentName:        submitAgent,
		ProcessName:      submitProcess,
		Instruction:      instruction,
		Priority:         submitPriority,
		MaxExecutionTime: cfg.Engine.MaxExecutionTime,
	}
	if err := db.CreateTask(task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	machine := lifecycle.NewMachine(db)
	if _, err := machine.Transition(task.ID, models.TaskStatusQueued); err != nil {
		return fmt.Errorf("queue task: %w", err)
	}

	fmt.Printf("%s task %d queued (agent=%s process=%s priority=%d)\n",
		color.GreenString("✓"), task.ID, submitAgent, submitProcess, submitPriority)
	fmt.Printf("Watch it with: conductor status\n")
	return nil
}
