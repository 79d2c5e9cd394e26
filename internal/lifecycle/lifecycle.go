// Package lifecycle validates and applies task state transitions.
//
// Every transition is a single version-guarded store write. A writer
// that loses the race re-reads the task and re-validates; an illegal
// transition is rejected with PreconditionError and applies nothing.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cmoretti/conductor/internal/store"
	"github.com/cmoretti/conductor/pkg/models"
)

// maxTransitionRetries bounds how many times a transition re-reads
// after losing a version race before giving up.
const maxTransitionRetries = 5

// PreconditionError indicates a transition that the state machine
// rejects. Nothing was mutated.
type PreconditionError struct {
	// TaskID is the task the transition targeted.
	TaskID int64
	// From is the task's status at validation time.
	From models.TaskStatus
	// To is the requested status.
	To models.TaskStatus
	// Reason explains what precondition failed.
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("task %d: %s -> %s rejected: %s", e.TaskID, e.From, e.To, e.Reason)
}

// Machine applies validated transitions against the store.
type Machine struct {
	db *store.DB
}

// NewMachine returns a state machine backed by the given store.
func NewMachine(db *store.DB) *Machine {
	return &Machine{db: db}
}

// Option adjusts a single transition.
type Option func(*request)

type request struct {
	result string
	errMsg string
	// force bypasses the unterminated-children check on terminal
	// transitions. Used by the watchdog's fatal cascade; the caller
	// is responsible for cancelling the descendants.
	force bool
}

// WithResult attaches the success payload for a COMPLETE transition.
func WithResult(result string) Option {
	return func(r *request) { r.result = result }
}

// WithError attaches the failure message for a FAILED or CANCELLED
// transition.
func WithError(msg string) Option {
	return func(r *request) { r.errMsg = msg }
}

// withForce marks the transition as part of a fatal cascade.
func withForce() Option {
	return func(r *request) { r.force = true }
}

// Transition moves a task to the requested status. It re-reads and
// retries when a concurrent writer advanced the task's version, and
// returns the task as written on success.
func (m *Machine) Transition(taskID int64, to models.TaskStatus, opts ...Option) (*models.Task, error) {
	var req request
	for _, opt := range opts {
		opt(&req)
	}

	if !to.Valid() {
		return nil, &PreconditionError{TaskID: taskID, To: to, Reason: "unknown status"}
	}

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		task, err := m.db.GetTask(taskID)
		if err != nil {
			return nil, err
		}

		// Re-entering the current wait state is a no-op.
		if task.Status == to && to == models.TaskStatusWaiting {
			return task, nil
		}

		if err := m.validate(task, to, &req); err != nil {
			return nil, err
		}

		from := task.Status
		m.apply(task, to, &req)

		err = m.db.UpdateTask(task)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		m.recordTransition(task, from, to, &req)
		return task, nil
	}
	return nil, fmt.Errorf("task %d: transition to %s: %w", taskID, to, store.ErrConflict)
}

// ForceFail fails a task regardless of unterminated children. The
// watchdog uses this when a task exceeds its execution bound; the
// caller must cancel the descendants afterwards.
func (m *Machine) ForceFail(taskID int64, reason string) (*models.Task, error) {
	return m.Transition(taskID, models.TaskStatusFailed, WithError(reason), withForce())
}

// Cancel cancels a task and, best effort, every non-terminal
// descendant. Descendant cancellation failures are collected but do
// not undo the task's own cancellation.
func (m *Machine) Cancel(taskID int64, reason string) (*models.Task, error) {
	task, err := m.Transition(taskID, models.TaskStatusCancelled, WithError(reason), withForce())
	if err != nil {
		return nil, err
	}

	children, err := m.db.ListTasksByParent(taskID)
	if err != nil {
		return task, fmt.Errorf("cancel descendants of %d: %w", taskID, err)
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if _, err := m.Cancel(child.ID, reason); err != nil {
			// A descendant that raced into a terminal state is fine.
			var pe *PreconditionError
			if errors.As(err, &pe) {
				continue
			}
			return task, err
		}
	}
	return task, nil
}

// ReassignAgent swaps the task's agent. Permitted exactly once, and
// only before the task has started running.
func (m *Machine) ReassignAgent(taskID int64, agentName string) (*models.Task, error) {
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		task, err := m.db.GetTask(taskID)
		if err != nil {
			return nil, err
		}

		if task.Status != models.TaskStatusCreated && task.Status != models.TaskStatusQueued {
			return nil, &PreconditionError{
				TaskID: taskID, From: task.Status, To: task.Status,
				Reason: "agent reassignment only permitted before running",
			}
		}
		if task.Reassigned {
			return nil, &PreconditionError{
				TaskID: taskID, From: task.Status, To: task.Status,
				Reason: "agent already reassigned once",
			}
		}

		previous := task.AgentName
		task.AgentName = agentName
		task.Reassigned = true

		err = m.db.UpdateTask(task)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		payload, _ := json.Marshal(map[string]string{"from": previous, "to": agentName})
		m.db.AppendEvent(&models.Event{
			EntityType: "task",
			EntityID:   strconv.FormatInt(taskID, 10),
			EventType:  "agent_reassigned",
			Payload:    string(payload),
		})
		return task, nil
	}
	return nil, fmt.Errorf("task %d: reassign agent: %w", taskID, store.ErrConflict)
}

// validate checks the transition against the state table and the
// request payload. It returns a PreconditionError on any violation.
func (m *Machine) validate(task *models.Task, to models.TaskStatus, req *request) error {
	reject := func(reason string) error {
		return &PreconditionError{TaskID: task.ID, From: task.Status, To: to, Reason: reason}
	}

	if task.Status.Terminal() {
		return reject("task is terminal")
	}

	switch to {
	case models.TaskStatusQueued:
		if task.Status != models.TaskStatusCreated && task.Status != models.TaskStatusBlocked {
			return reject("only created or blocked tasks can be queued")
		}

	case models.TaskStatusRunning:
		switch task.Status {
		case models.TaskStatusQueued:
			if task.AgentName == "" {
				return reject("no agent assigned")
			}
		case models.TaskStatusWaiting, models.TaskStatusBlocked:
			// Resume after subtask completion or blocked resolution.
		default:
			return reject("cannot start running from " + string(task.Status))
		}

	case models.TaskStatusWaiting:
		if task.Status != models.TaskStatusRunning {
			return reject("only running tasks wait for subtasks")
		}
		// Children that already finished still count: the waiter
		// collects their buffered outcomes and resumes immediately.
		n, err := m.db.CountChildren(task.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return reject("no subtasks to wait for")
		}

	case models.TaskStatusBlocked:
		// Reachable from any non-terminal state.

	case models.TaskStatusComplete:
		if req.result == "" {
			return reject("complete requires a result")
		}
		if req.errMsg != "" {
			return reject("complete carries a result, not an error")
		}
		if err := m.checkChildrenTerminal(task, to, req); err != nil {
			return err
		}

	case models.TaskStatusFailed:
		if req.errMsg == "" {
			return reject("failed requires an error")
		}
		if req.result != "" {
			return reject("failed carries an error, not a result")
		}
		if err := m.checkChildrenTerminal(task, to, req); err != nil {
			return err
		}

	case models.TaskStatusCancelled:
		// Any non-terminal state may be cancelled.

	default:
		return reject("no transition to " + string(to))
	}
	return nil
}

// checkChildrenTerminal rejects a terminal transition while the task
// still has unterminated children, unless the transition is forced.
func (m *Machine) checkChildrenTerminal(task *models.Task, to models.TaskStatus, req *request) error {
	if req.force {
		return nil
	}
	n, err := m.db.CountNonTerminalChildren(task.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return &PreconditionError{
			TaskID: task.ID, From: task.Status, To: to,
			Reason: fmt.Sprintf("%d unterminated children", n),
		}
	}
	return nil
}

// apply mutates the in-memory task for the validated transition.
func (m *Machine) apply(task *models.Task, to models.TaskStatus, req *request) {
	now := time.Now()

	switch to {
	case models.TaskStatusRunning:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case models.TaskStatusComplete:
		task.Result = req.result
		task.CompletedAt = &now
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		if req.errMsg != "" {
			task.Error = req.errMsg
		}
		task.CompletedAt = &now
	case models.TaskStatusBlocked:
		task.BlockedAttempts++
	}
	task.Status = to
}

// recordTransition appends the status change to the audit log.
func (m *Machine) recordTransition(task *models.Task, from, to models.TaskStatus, req *request) {
	severity := models.SeverityInfo
	if to == models.TaskStatusFailed || to == models.TaskStatusBlocked {
		severity = models.SeverityWarning
	}

	payload, _ := json.Marshal(map[string]string{
		"from":  string(from),
		"to":    string(to),
		"error": req.errMsg,
	})
	m.db.AppendEvent(&models.Event{
		EntityType: "task",
		EntityID:   strconv.FormatInt(task.ID, 10),
		EventType:  "status_changed",
		Payload:    string(payload),
		Severity:   severity,
	})
}
