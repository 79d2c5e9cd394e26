package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

// watchdogLoop periodically sweeps for tasks past their execution
// bound, blocked tasks due for another attempt, and expired grants.
func (e *Engine) watchdogLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired()
			e.sweepBlocked()
			e.sweepGrants()
		}
	}
}

// sweepExpired force-fails tasks that have exceeded max_execution_time
// and cancels their live descendants.
func (e *Engine) sweepExpired() {
	now := time.Now()
	for _, status := range []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusWaiting} {
		tasks, err := e.db.ListTasksByStatus(status)
		if err != nil {
			debugLog("[engine.watchdog] list %s failed: %v", status, err)
			continue
		}
		for _, task := range tasks {
			if !task.Expired(now) {
				continue
			}
			e.killExpired(task, now)
		}
	}
}

// killExpired force-fails one expired task and cascades cancellation.
func (e *Engine) killExpired(task *models.Task, now time.Time) {
	reason := fmt.Sprintf("exceeded max execution time %s", task.MaxExecutionTime)
	debugLog("[engine.watchdog] task=%d expired (started %s)", task.ID, task.StartedAt.Format(time.RFC3339))

	e.cancelRunning(task.ID)

	failed, err := e.machine.ForceFail(task.ID, reason)
	if err != nil {
		debugLog("[engine.watchdog] force-fail task=%d: %v", task.ID, err)
		return
	}
	e.emitter.Emit(Event{Type: EventWatchdogKill, TaskID: task.ID, Status: models.TaskStatusFailed, Detail: reason})
	e.notifyParent(failed)

	// The failure orphaned any live descendants; cancel them and wake
	// whatever was waiting on them.
	children, err := e.db.ListTasksByParent(task.ID)
	if err != nil {
		return
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if err := e.Cancel(child.ID, reason); err != nil {
			debugLog("[engine.watchdog] cancel descendant %d: %v", child.ID, err)
		}
	}
	e.coord.Forget(task.ID)
}

// sweepBlocked requeues blocked tasks with attempts to spare and
// escalates the rest to failed.
func (e *Engine) sweepBlocked() {
	tasks, err := e.db.ListTasksByStatus(models.TaskStatusBlocked)
	if err != nil {
		debugLog("[engine.watchdog] list blocked failed: %v", err)
		return
	}

	for _, task := range tasks {
		if task.BlockedAttempts >= e.maxBlockedAttempts {
			msg := fmt.Sprintf("still blocked after %d resolution attempts", task.BlockedAttempts)
			failed, err := e.machine.ForceFail(task.ID, msg)
			if err != nil {
				debugLog("[engine.watchdog] escalate blocked task=%d: %v", task.ID, err)
				continue
			}
			e.emitter.Emit(Event{Type: EventTaskTerminal, TaskID: task.ID, Status: models.TaskStatusFailed, Detail: msg})
			e.notifyParent(failed)
			continue
		}

		if _, err := e.machine.Transition(task.ID, models.TaskStatusQueued); err != nil {
			debugLog("[engine.watchdog] requeue blocked task=%d: %v", task.ID, err)
			continue
		}
		debugLog("[engine.watchdog] requeued blocked task=%d (attempt %d of %d)",
			task.ID, task.BlockedAttempts, e.maxBlockedAttempts)
	}
}

// sweepGrants purges expired capability grants.
func (e *Engine) sweepGrants() {
	purged, err := e.db.PurgeExpiredGrants(time.Now())
	if err != nil {
		debugLog("[engine.watchdog] purge grants failed: %v", err)
		return
	}
	if purged > 0 {
		debugLog("[engine.watchdog] purged %d expired grants", purged)
	}
}
