package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cmoretti/conductor/internal/permission"
	"github.com/cmoretti/conductor/pkg/models"
)

// Built-in process names.
const (
	// ProcessAgentLoop is the decision-driven recursive process: the
	// provider chooses each step, including decomposition into
	// subtasks.
	ProcessAgentLoop = "agent_loop"
	// ProcessFanout decomposes once up front, runs the pieces, and
	// aggregates their results.
	ProcessFanout = "fanout"
)

// runAgentLoop drives a task decision by decision until the provider
// ends it or the iteration budget runs out.
func (e *Engine) runAgentLoop(ctx context.Context, tc *TaskContext) (Outcome, error) {
	for i := 0; i < e.maxIterations; i++ {
		decision, err := tc.Decide(ctx)
		if err != nil {
			return Outcome{}, err
		}

		switch decision.Kind {
		case models.DecisionRespond:
			tc.Record("assistant", decision.Respond.Text)

		case models.DecisionCallTool:
			result, err := tc.CallTool(ctx, decision.CallTool.Tool, decision.CallTool.Params)
			if err != nil {
				var denied *permission.DeniedError
				if errors.As(err, &denied) {
					// Denials are survivable; the provider hears about
					// it and picks another path.
					tc.Record("tool", fmt.Sprintf("tool %s denied: %s", denied.Tool, denied.Detail))
					continue
				}
				tc.Record("tool", fmt.Sprintf("tool %s failed: %v", decision.CallTool.Tool, err))
				continue
			}
			tc.Record("tool", result)

		case models.DecisionCreateSubtasks:
			if _, err := tc.CreateSubtasks(ctx, decision.CreateSubtasks.Subtasks); err != nil {
				if errors.Is(err, ErrRecursionLimit) {
					return Outcome{}, err
				}
				return Outcome{}, fmt.Errorf("create subtasks: %w", err)
			}
			outcomes, err := tc.WaitForSubtasks(ctx)
			if err != nil {
				return Outcome{}, err
			}
			tc.Record("user", SummarizeOutcomes(outcomes))

		case models.DecisionEndTask:
			if decision.EndTask.Error != "" {
				return Outcome{}, &TaskFailure{Msg: decision.EndTask.Error}
			}
			return Outcome{Result: decision.EndTask.Result}, nil
		}
	}
	return Outcome{}, &TaskFailure{Msg: fmt.Sprintf("no terminal decision after %d iterations", e.maxIterations)}
}

// runFanout asks for a single decomposition, runs the subtasks, and
// aggregates their results in creation order. Child failures are
// reported in the aggregate; only a fully failed fanout fails the
// parent.
func (e *Engine) runFanout(ctx context.Context, tc *TaskContext) (Outcome, error) {
	decision, err := tc.Decide(ctx)
	if err != nil {
		return Outcome{}, err
	}

	switch decision.Kind {
	case models.DecisionEndTask:
		// Small enough to answer directly.
		if decision.EndTask.Error != "" {
			return Outcome{}, &TaskFailure{Msg: decision.EndTask.Error}
		}
		return Outcome{Result: decision.EndTask.Result}, nil
	case models.DecisionRespond:
		return Outcome{Result: decision.Respond.Text}, nil
	case models.DecisionCreateSubtasks:
	default:
		return Outcome{}, &TaskFailure{Msg: fmt.Sprintf("fanout expects a decomposition, got %s", decision.Kind)}
	}

	if _, err := tc.CreateSubtasks(ctx, decision.CreateSubtasks.Subtasks); err != nil {
		if errors.Is(err, ErrRecursionLimit) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("create subtasks: %w", err)
	}

	outcomes, err := tc.WaitForSubtasks(ctx)
	if err != nil {
		return Outcome{}, err
	}

	var parts []string
	failures := 0
	for _, o := range outcomes {
		switch o.Status {
		case models.TaskStatusComplete:
			parts = append(parts, o.Result)
		case models.TaskStatusFailed:
			failures++
			parts = append(parts, fmt.Sprintf("[subtask %d failed: %s]", o.TaskID, o.Error))
		default:
			failures++
			parts = append(parts, fmt.Sprintf("[subtask %d %s]", o.TaskID, o.Status))
		}
	}
	if len(outcomes) > 0 && failures == len(outcomes) {
		return Outcome{}, &TaskFailure{Msg: "all subtasks failed"}
	}
	return Outcome{Result: strings.Join(parts, "\n")}, nil
}
