package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRecursionLimit indicates a task tried to create a subtask past
// the nesting ceiling. Fatal to the task, not to the tree.
var ErrRecursionLimit = errors.New("recursion depth limit exceeded")

// ErrUnknownProcess indicates a task names a process the engine does
// not have.
var ErrUnknownProcess = errors.New("unknown process")

// Outcome is a process's successful result.
type Outcome struct {
	// Result is the task's terminal payload.
	Result string
}

// TaskFailure is returned by a process to fail its task with a
// message. Unlike other errors it is an expected outcome, not an
// engine fault.
type TaskFailure struct {
	Msg string
}

func (e *TaskFailure) Error() string {
	return e.Msg
}

// Process is a named procedure the engine can run for a task. A
// process drives the task to completion through the TaskContext:
// requesting decisions, invoking tools, and creating and waiting on
// subtasks. Run returns when the task is done or cannot continue.
type Process interface {
	Run(ctx context.Context, tc *TaskContext) (Outcome, error)
}

// ProcessFunc adapts a function to the Process interface.
type ProcessFunc func(ctx context.Context, tc *TaskContext) (Outcome, error)

func (f ProcessFunc) Run(ctx context.Context, tc *TaskContext) (Outcome, error) {
	return f(ctx, tc)
}

// processRegistry maps process names to implementations.
type processRegistry struct {
	mu        sync.RWMutex
	processes map[string]Process
}

func newProcessRegistry() *processRegistry {
	return &processRegistry{processes: make(map[string]Process)}
}

// register binds a name to a process, replacing any previous binding.
func (r *processRegistry) register(name string, p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[name] = p
}

// get resolves a process by name.
func (r *processRegistry) get(name string) (Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return p, nil
}
