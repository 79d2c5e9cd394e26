package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusCreated indicates the task exists but has not been queued.
	TaskStatusCreated TaskStatus = "created"
	// TaskStatusQueued indicates the task is ready for a worker to claim.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates a worker is driving the task's process.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusWaiting indicates the task is suspended on its subtasks.
	TaskStatusWaiting TaskStatus = "waiting_for_subtasks"
	// TaskStatusBlocked indicates a required capability or context is missing.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusComplete indicates the task finished with a result.
	TaskStatusComplete TaskStatus = "complete"
	// TaskStatusFailed indicates the task finished with an error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before finishing.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusQueued, TaskStatusRunning, TaskStatusWaiting,
		TaskStatusBlocked, TaskStatusComplete, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
// Terminal tasks never transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusComplete, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority bounds for queued-task ordering.
const (
	PriorityMin = 1
	PriorityMax = 10
)

// ClampPriority bounds a priority to the valid range.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// Task represents a unit of work in a task tree.
type Task struct {
	// ID is the unique, monotonically increasing identifier for this task.
	ID int64 `json:"id"`
	// ParentID is the ID of the parent task, or 0 for a root task.
	ParentID int64 `json:"parent_id,omitempty"`
	// TreeID is the root task's ID, shared by every descendant.
	// For a root task TreeID equals ID.
	TreeID int64 `json:"tree_id"`
	// AgentName is the executor assigned to this task.
	AgentName string `json:"agent_name"`
	// ProcessName is the named procedure the engine runs for this task.
	ProcessName string `json:"process_name"`
	// Instruction is the work description passed to the executor.
	Instruction string `json:"instruction"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Result holds the success payload on COMPLETE.
	Result string `json:"result,omitempty"`
	// Error holds the failure message on FAILED or CANCELLED.
	Error string `json:"error,omitempty"`
	// Priority orders claiming among queued tasks (1 lowest, 10 highest).
	Priority int `json:"priority"`
	// Depth is the task's distance from its tree root (0 for roots).
	Depth int `json:"depth"`
	// Reassigned records whether the agent was swapped once before RUNNING.
	Reassigned bool `json:"reassigned,omitempty"`
	// BlockedAttempts counts resolution attempts while BLOCKED.
	BlockedAttempts int `json:"blocked_attempts,omitempty"`
	// MaxExecutionTime bounds how long the task may run before the
	// watchdog force-fails it. Zero means no bound.
	MaxExecutionTime time.Duration `json:"max_execution_time,omitempty"`
	// Version is the optimistic-concurrency counter, incremented on every write.
	Version int64 `json:"version"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task first entered RUNNING, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsRoot returns true if the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == 0
}

// Expired returns true if the task has a time bound and has been
// running longer than it allows.
func (t *Task) Expired(now time.Time) bool {
	if t.MaxExecutionTime <= 0 || t.StartedAt == nil {
		return false
	}
	return now.Sub(*t.StartedAt) > t.MaxExecutionTime
}
