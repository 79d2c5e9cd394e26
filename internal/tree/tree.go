// Package tree maintains an in-memory index of a task tree for fast
// parent/child lookups and terminal tracking. The store remains the
// source of truth; the index is rebuilt from it on demand.
package tree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cmoretti/conductor/pkg/models"
)

// ErrUnknownTask indicates an operation referenced a task not present
// in the index.
var ErrUnknownTask = errors.New("task not in tree")

// Index is a thread-safe view of one task tree.
type Index struct {
	mu sync.RWMutex
	// nodes maps task ID to the task snapshot.
	nodes map[int64]*models.Task
	// children maps parent ID to child IDs in creation order.
	children map[int64][]int64
	// terminal tracks which tasks have reached a terminal state.
	terminal map[int64]bool
	// root is the tree's root task ID, 0 until built.
	root int64
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty index.
func New() *Index {
	return &Index{
		nodes:    make(map[int64]*models.Task),
		children: make(map[int64][]int64),
		terminal: make(map[int64]bool),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (x *Index) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		x.debugLog = fn
	}
}

// Build constructs the index from a tree's tasks, as returned by
// ListTasksByTree (creation order). Returns an error when a child
// references a parent outside the slice or the slice holds more than
// one root.
func (x *Index) Build(tasks []*models.Task) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.nodes = make(map[int64]*models.Task, len(tasks))
	x.children = make(map[int64][]int64)
	x.terminal = make(map[int64]bool)
	x.root = 0

	for _, task := range tasks {
		x.nodes[task.ID] = task
		if task.Status.Terminal() {
			x.terminal[task.ID] = true
		}
		if task.IsRoot() {
			if x.root != 0 {
				return fmt.Errorf("multiple roots: %d and %d", x.root, task.ID)
			}
			x.root = task.ID
		}
	}

	// Creation order of the input carries into each child list.
	for _, task := range tasks {
		if task.IsRoot() {
			continue
		}
		if _, ok := x.nodes[task.ParentID]; !ok {
			return fmt.Errorf("task %d references parent %d outside the tree", task.ID, task.ParentID)
		}
		x.children[task.ParentID] = append(x.children[task.ParentID], task.ID)
	}

	x.debugLog("[tree.Build] indexed %d tasks, root=%d", len(tasks), x.root)
	return nil
}

// Add inserts a newly created task into the index.
func (x *Index) Add(task *models.Task) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !task.IsRoot() {
		if _, ok := x.nodes[task.ParentID]; !ok {
			return fmt.Errorf("add task %d: %w (parent %d)", task.ID, ErrUnknownTask, task.ParentID)
		}
	} else if x.root == 0 {
		x.root = task.ID
	}

	x.nodes[task.ID] = task
	if !task.IsRoot() {
		x.children[task.ParentID] = append(x.children[task.ParentID], task.ID)
	}
	if task.Status.Terminal() {
		x.terminal[task.ID] = true
	}
	return nil
}

// Update replaces a task's snapshot and refreshes terminal tracking.
func (x *Index) Update(task *models.Task) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.nodes[task.ID]; !ok {
		return fmt.Errorf("update task %d: %w", task.ID, ErrUnknownTask)
	}
	x.nodes[task.ID] = task
	if task.Status.Terminal() {
		x.terminal[task.ID] = true
	}
	return nil
}

// Root returns the tree's root task ID, or 0 for an empty index.
func (x *Index) Root() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.root
}

// Get returns the indexed snapshot for a task, or nil if absent.
func (x *Index) Get(taskID int64) *models.Task {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.nodes[taskID]
}

// Children returns a task's direct children in creation order.
func (x *Index) Children(taskID int64) []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]int64, len(x.children[taskID]))
	copy(out, x.children[taskID])
	return out
}

// Descendants returns every task below the given one, depth-first in
// creation order. Used for cascade cancellation.
func (x *Index) Descendants(taskID int64) []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []int64
	var walk func(id int64)
	walk = func(id int64) {
		for _, child := range x.children[id] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(taskID)
	return out
}

// LiveDescendants returns the non-terminal tasks below the given one.
func (x *Index) LiveDescendants(taskID int64) []int64 {
	var out []int64
	for _, id := range x.Descendants(taskID) {
		x.mu.RLock()
		live := !x.terminal[id]
		x.mu.RUnlock()
		if live {
			out = append(out, id)
		}
	}
	return out
}

// AllChildrenTerminal reports whether every direct child of the task
// has reached a terminal state. True for a task with no children.
func (x *Index) AllChildrenTerminal(taskID int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, child := range x.children[taskID] {
		if !x.terminal[child] {
			return false
		}
	}
	return true
}

// Size returns the number of indexed tasks.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.nodes)
}
