package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cmoretti/conductor/internal/coordinator"
	"github.com/cmoretti/conductor/internal/provider"
	"github.com/cmoretti/conductor/pkg/models"
)

// TaskContext is a process's handle on its task. It mediates every
// interaction with the provider, the permission gate, and subtasks, so
// processes stay free of storage and concurrency concerns.
type TaskContext struct {
	eng   *Engine
	task  *models.Task
	agent *models.Agent
	docs  []*models.ContextDocument
	tools []*models.ToolDescriptor

	// history accumulates the conversation for provider requests.
	history []models.Message
	// pendingChildren are subtasks created since the last wait.
	pendingChildren []int64
	// slotHeld tracks whether this task currently occupies a worker
	// slot. It is false only while the task is suspended on subtasks.
	slotHeld bool
}

// Task returns the task snapshot the context was built with. Processes
// must treat it as read-only; the engine owns persistence.
func (tc *TaskContext) Task() *models.Task {
	return tc.task
}

// Agent returns the executor definition assigned to the task.
func (tc *TaskContext) Agent() *models.Agent {
	return tc.agent
}

// History returns the conversation so far, oldest first.
func (tc *TaskContext) History() []models.Message {
	return tc.history
}

// Record appends a message to the conversation.
func (tc *TaskContext) Record(role, content string) {
	tc.history = append(tc.history, models.Message{Role: role, Content: content})
}

// Decide asks the reasoning provider for the next decision. Transient
// provider failures are retried with backoff before the error
// surfaces; an exhausted retry budget blocks the task.
func (tc *TaskContext) Decide(ctx context.Context) (*models.Decision, error) {
	req := &provider.Request{
		Instruction:     tc.agent.Instruction,
		TaskInstruction: tc.task.Instruction,
		Documents:       tc.docs,
		Tools:           tc.tools,
		History:         tc.history,
		Depth:           tc.task.Depth,
		MaxDepth:        tc.eng.maxDepth,
	}
	return tc.eng.prov.Decide(ctx, req)
}

// CallTool routes a tool invocation through the permission gate and,
// when authorized, the engine's executor. A denial comes back as
// *permission.DeniedError; the process decides how to continue.
func (tc *TaskContext) CallTool(ctx context.Context, toolName string, params map[string]any) (string, error) {
	tool, err := tc.eng.perms.Authorize(tc.agent.Name, tc.task.ID, toolName, params)
	if err != nil {
		return "", err
	}
	return tc.eng.exec.Execute(ctx, tool, params)
}

// CreateSubtasks creates the given subtasks in order, queues them, and
// registers them with the coordinator. Creation is refused with
// ErrRecursionLimit when the children would sit past the nesting
// ceiling; no subtask is created in that case.
func (tc *TaskContext) CreateSubtasks(ctx context.Context, specs []models.SubtaskSpec) ([]int64, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no subtasks given")
	}
	if tc.task.Depth+1 > tc.eng.maxDepth {
		return nil, fmt.Errorf("task %d at depth %d: %w", tc.task.ID, tc.task.Depth, ErrRecursionLimit)
	}

	ids := make([]int64, 0, len(specs))
	for _, spec := range specs {
		agentName := spec.AgentName
		if agentName == "" {
			agentName = tc.agent.Name
		}
		priority := spec.Priority
		if priority == 0 {
			priority = tc.task.Priority
		}
		child := &models.Task{
			ParentID:         tc.task.ID,
			TreeID:           tc.task.TreeID,
			AgentName:        agentName,
			ProcessName:      tc.task.ProcessName,
			Instruction:      spec.Instruction,
			Priority:         models.ClampPriority(priority),
			Depth:            tc.task.Depth + 1,
			MaxExecutionTime: tc.task.MaxExecutionTime,
		}
		if err := tc.eng.db.CreateTask(child); err != nil {
			return ids, fmt.Errorf("create subtask: %w", err)
		}
		if _, err := tc.eng.machine.Transition(child.ID, models.TaskStatusQueued); err != nil {
			return ids, fmt.Errorf("queue subtask %d: %w", child.ID, err)
		}
		ids = append(ids, child.ID)
		debugLog("[engine.CreateSubtasks] task=%d created child=%d agent=%s", tc.task.ID, child.ID, agentName)
	}

	tc.eng.coord.RegisterChildren(tc.task.ID, ids)
	tc.pendingChildren = append(tc.pendingChildren, ids...)
	return ids, nil
}

// WaitForSubtasks suspends the task until every child created since
// the last wait has terminated. The worker slot is released for the
// duration, so waiting parents never starve their own children. The
// outcomes come back in child-creation order.
func (tc *TaskContext) WaitForSubtasks(ctx context.Context) ([]coordinator.Outcome, error) {
	if len(tc.pendingChildren) == 0 {
		return nil, fmt.Errorf("task %d has no pending subtasks to wait for", tc.task.ID)
	}

	if _, err := tc.eng.machine.Transition(tc.task.ID, models.TaskStatusWaiting); err != nil {
		return nil, err
	}
	tc.eng.emitter.Emit(Event{Type: EventTaskWaiting, TaskID: tc.task.ID, Status: models.TaskStatusWaiting})

	tc.eng.releaseSlot()
	tc.slotHeld = false
	outcomes, err := tc.eng.coord.AwaitAll(ctx, tc.task.ID, tc.eng.waitTimeout)
	for errors.Is(err, coordinator.ErrTimedOut) {
		// The outstanding set survives a timeout; log and re-await.
		debugLog("[engine.WaitForSubtasks] task=%d wait timed out, re-awaiting (%d outstanding)",
			tc.task.ID, tc.eng.coord.Outstanding(tc.task.ID))
		outcomes, err = tc.eng.coord.AwaitAll(ctx, tc.task.ID, tc.eng.waitTimeout)
	}
	if acquireErr := tc.eng.acquireSlot(ctx); acquireErr != nil {
		return nil, acquireErr
	}
	tc.slotHeld = true
	if err != nil {
		return nil, err
	}

	tc.pendingChildren = nil
	if _, err := tc.eng.machine.Transition(tc.task.ID, models.TaskStatusRunning); err != nil {
		// The task may have been cancelled while it waited.
		return outcomes, err
	}
	tc.eng.emitter.Emit(Event{Type: EventTaskResumed, TaskID: tc.task.ID, Status: models.TaskStatusRunning})
	return outcomes, nil
}

// SummarizeOutcomes renders child outcomes into one message suitable
// for the conversation history.
func SummarizeOutcomes(outcomes []coordinator.Outcome) string {
	var b strings.Builder
	for i, o := range outcomes {
		if i > 0 {
			b.WriteString("\n")
		}
		switch o.Status {
		case models.TaskStatusComplete:
			fmt.Fprintf(&b, "subtask %d completed: %s", o.TaskID, o.Result)
		case models.TaskStatusFailed:
			fmt.Fprintf(&b, "subtask %d failed: %s", o.TaskID, o.Error)
		default:
			fmt.Fprintf(&b, "subtask %d %s", o.TaskID, o.Status)
		}
	}
	return b.String()
}
