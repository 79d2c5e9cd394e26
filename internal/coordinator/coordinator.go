// Package coordinator tracks outstanding subtasks and wakes suspended
// parents when every child has reached a terminal state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

// ErrTimedOut indicates an AwaitAll wait elapsed before every child
// terminated. The outstanding set is preserved; a later AwaitAll on
// the same parent resumes the wait.
var ErrTimedOut = errors.New("wait for subtasks timed out")

// ErrNoWait indicates AwaitAll was called for a parent with no
// registered children.
var ErrNoWait = errors.New("no registered wait for parent")

// Outcome is a child's terminal result, reported back to the parent.
type Outcome struct {
	// TaskID is the child task.
	TaskID int64
	// Status is the terminal status the child reached.
	Status models.TaskStatus
	// Result is the success payload, if any.
	Result string
	// Error is the failure message, if any.
	Error string
}

// waitSet tracks one parent's outstanding children for the current
// wait epoch.
type waitSet struct {
	// order preserves child-creation order for outcome aggregation.
	order []int64
	// outcomes maps terminated children to their results.
	outcomes map[int64]Outcome
	// outstanding counts children not yet terminal.
	outstanding int
	// wake is signaled whenever outstanding reaches zero. Buffered so
	// the notifier never blocks on an absent waiter.
	wake chan struct{}
}

// Coordinator mediates between terminating children and waiting
// parents.
type Coordinator struct {
	mu sync.Mutex
	// waits maps parent ID to its current wait epoch.
	waits map[int64]*waitSet
	// parents maps child ID to its registered parent.
	parents map[int64]int64
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{
		waits:    make(map[int64]*waitSet),
		parents:  make(map[int64]int64),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (c *Coordinator) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		c.debugLog = fn
	}
}

// RegisterChildren opens (or extends) the parent's wait epoch with the
// given children, in creation order.
func (c *Coordinator) RegisterChildren(parentID int64, childIDs []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waits[parentID]
	if ws == nil {
		ws = &waitSet{
			outcomes: make(map[int64]Outcome),
			wake:     make(chan struct{}, 1),
		}
		c.waits[parentID] = ws
	}

	for _, id := range childIDs {
		if _, known := c.parents[id]; known {
			continue
		}
		ws.order = append(ws.order, id)
		ws.outstanding++
		c.parents[id] = parentID
	}
	c.debugLog("[coordinator.RegisterChildren] parent=%d children=%v outstanding=%d",
		parentID, childIDs, ws.outstanding)
}

// NotifyTerminal records a child's terminal outcome and wakes the
// parent's waiter once the last child reports. Duplicate reports for
// the same child are ignored.
func (c *Coordinator) NotifyTerminal(childID int64, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parentID, ok := c.parents[childID]
	if !ok {
		c.debugLog("[coordinator.NotifyTerminal] child=%d has no registered parent, dropping", childID)
		return
	}
	ws := c.waits[parentID]
	if ws == nil {
		return
	}
	if _, done := ws.outcomes[childID]; done {
		return
	}

	outcome.TaskID = childID
	ws.outcomes[childID] = outcome
	ws.outstanding--
	c.debugLog("[coordinator.NotifyTerminal] child=%d parent=%d status=%s outstanding=%d",
		childID, parentID, outcome.Status, ws.outstanding)

	if ws.outstanding == 0 {
		select {
		case ws.wake <- struct{}{}:
		default:
		}
	}
}

// AwaitAll blocks until every registered child of the parent has
// terminated, the timeout elapses, or the context is cancelled. On
// success the outcomes are returned in child-creation order and the
// wait epoch is closed. A timeout preserves the epoch for a later
// call; zero timeout means no bound.
func (c *Coordinator) AwaitAll(ctx context.Context, parentID int64, timeout time.Duration) ([]Outcome, error) {
	c.mu.Lock()
	ws := c.waits[parentID]
	if ws == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("parent %d: %w", parentID, ErrNoWait)
	}
	if ws.outstanding == 0 {
		outcomes := c.closeEpochLocked(parentID, ws)
		c.mu.Unlock()
		return outcomes, nil
	}
	wake := ws.wake
	c.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		select {
		case <-wake:
		case <-timer:
			return nil, fmt.Errorf("parent %d: %w", parentID, ErrTimedOut)
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// A buffered wake can be stale when the epoch was extended
		// after an earlier batch fully terminated. Re-check under the
		// lock and keep waiting while children are outstanding.
		c.mu.Lock()
		if ws.outstanding == 0 {
			outcomes := c.closeEpochLocked(parentID, ws)
			c.mu.Unlock()
			return outcomes, nil
		}
		c.mu.Unlock()
	}
}

// Outstanding returns how many of the parent's children have not yet
// terminated, or zero when no epoch is open.
func (c *Coordinator) Outstanding(parentID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws := c.waits[parentID]; ws != nil {
		return ws.outstanding
	}
	return 0
}

// Forget discards the parent's wait epoch without delivering outcomes.
// Used when the parent is cancelled while waiting.
func (c *Coordinator) Forget(parentID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws := c.waits[parentID]; ws != nil {
		c.closeEpochLocked(parentID, ws)
	}
}

// closeEpochLocked collects outcomes in creation order and releases
// the epoch's bookkeeping. Caller holds the lock.
func (c *Coordinator) closeEpochLocked(parentID int64, ws *waitSet) []Outcome {
	outcomes := make([]Outcome, 0, len(ws.order))
	for _, id := range ws.order {
		if o, ok := ws.outcomes[id]; ok {
			outcomes = append(outcomes, o)
		}
		delete(c.parents, id)
	}
	delete(c.waits, parentID)
	return outcomes
}
