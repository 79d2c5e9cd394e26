package lifecycle

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/cmoretti/conductor/internal/store"
	"github.com/cmoretti/conductor/pkg/models"
)

func newTestMachine(t *testing.T) (*Machine, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return NewMachine(db), db
}

func createTask(t *testing.T, db *store.DB, task *models.Task) *models.Task {
	t.Helper()
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

// advance walks a task through the happy path to the given status.
func advance(t *testing.T, m *Machine, taskID int64, to models.TaskStatus) {
	t.Helper()
	if _, err := m.Transition(taskID, to); err != nil {
		t.Fatalf("transition to %s failed: %v", to, err)
	}
}

func TestTransition_HappyPath(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "work", AgentName: "worker"})

	advance(t, m, task.ID, models.TaskStatusQueued)
	got, err := m.Transition(task.ID, models.TaskStatusRunning)
	if err != nil {
		t.Fatalf("queued->running failed: %v", err)
	}
	if got.StartedAt == nil {
		t.Error("expected started_at set on running")
	}

	got, err = m.Transition(task.ID, models.TaskStatusComplete, WithResult("done"))
	if err != nil {
		t.Fatalf("running->complete failed: %v", err)
	}
	if got.Result != "done" {
		t.Errorf("Result = %q, want done", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at set on complete")
	}
}

func TestTransition_SkippingQueuedRejected(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "work", AgentName: "worker"})

	_, err := m.Transition(task.ID, models.TaskStatusRunning)
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("created->running error = %v, want PreconditionError", err)
	}

	// Nothing was written.
	got, _ := db.GetTask(task.ID)
	if got.Status != models.TaskStatusCreated {
		t.Errorf("status = %s, want created", got.Status)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestTransition_RunningRequiresAgent(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "unassigned"})
	advance(t, m, task.ID, models.TaskStatusQueued)

	_, err := m.Transition(task.ID, models.TaskStatusRunning)
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
	if pe.Reason != "no agent assigned" {
		t.Errorf("Reason = %q, want no agent assigned", pe.Reason)
	}
}

func TestTransition_TerminalTaskNeverTransitions(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "work", AgentName: "worker"})
	advance(t, m, task.ID, models.TaskStatusQueued)
	advance(t, m, task.ID, models.TaskStatusRunning)
	if _, err := m.Transition(task.ID, models.TaskStatusComplete, WithResult("done")); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	for _, to := range []models.TaskStatus{
		models.TaskStatusQueued,
		models.TaskStatusRunning,
		models.TaskStatusCancelled,
		models.TaskStatusFailed,
	} {
		_, err := m.Transition(task.ID, to, WithError("x"))
		var pe *PreconditionError
		if !errors.As(err, &pe) {
			t.Errorf("complete->%s error = %v, want PreconditionError", to, err)
		}
	}
}

func TestTransition_CompleteRequiresResultXorError(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "work", AgentName: "worker"})
	advance(t, m, task.ID, models.TaskStatusQueued)
	advance(t, m, task.ID, models.TaskStatusRunning)

	var pe *PreconditionError
	if _, err := m.Transition(task.ID, models.TaskStatusComplete); !errors.As(err, &pe) {
		t.Errorf("complete without result: error = %v, want PreconditionError", err)
	}
	if _, err := m.Transition(task.ID, models.TaskStatusComplete, WithResult("ok"), WithError("bad")); !errors.As(err, &pe) {
		t.Errorf("complete with both: error = %v, want PreconditionError", err)
	}
	if _, err := m.Transition(task.ID, models.TaskStatusFailed); !errors.As(err, &pe) {
		t.Errorf("failed without error: error = %v, want PreconditionError", err)
	}
}

func TestTransition_TerminalRejectedWithLiveChildren(t *testing.T) {
	m, db := newTestMachine(t)
	parent := createTask(t, db, &models.Task{Instruction: "parent", AgentName: "worker"})
	advance(t, m, parent.ID, models.TaskStatusQueued)
	advance(t, m, parent.ID, models.TaskStatusRunning)

	child := createTask(t, db, &models.Task{
		ParentID: parent.ID, TreeID: parent.TreeID,
		Instruction: "child", AgentName: "worker", Depth: 1,
		Status: models.TaskStatusRunning,
	})

	_, err := m.Transition(parent.ID, models.TaskStatusComplete, WithResult("done"))
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}

	got, _ := db.GetTask(parent.ID)
	if got.Status != models.TaskStatusRunning {
		t.Errorf("parent status = %s, want running (unchanged)", got.Status)
	}

	// Once the child terminates the same transition succeeds.
	if _, err := m.Transition(child.ID, models.TaskStatusComplete, WithResult("child done")); err != nil {
		t.Fatalf("child complete failed: %v", err)
	}
	if _, err := m.Transition(parent.ID, models.TaskStatusComplete, WithResult("done")); err != nil {
		t.Errorf("parent complete after child terminal failed: %v", err)
	}
}

func TestTransition_WaitingRequiresChildren(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "loner", AgentName: "worker"})
	advance(t, m, task.ID, models.TaskStatusQueued)
	advance(t, m, task.ID, models.TaskStatusRunning)

	_, err := m.Transition(task.ID, models.TaskStatusWaiting)
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("waiting without children: error = %v, want PreconditionError", err)
	}
}

func TestTransition_WaitingAllowedWithFinishedChildren(t *testing.T) {
	m, db := newTestMachine(t)
	parent := createTask(t, db, &models.Task{Instruction: "parent", AgentName: "worker"})
	advance(t, m, parent.ID, models.TaskStatusQueued)
	advance(t, m, parent.ID, models.TaskStatusRunning)

	// The child finishes before the parent suspends. The wait must
	// still be allowed so the parent can collect the buffered outcome
	// instead of being stranded in RUNNING.
	createTask(t, db, &models.Task{
		ParentID: parent.ID, TreeID: parent.TreeID,
		Instruction: "fast child", Status: models.TaskStatusComplete,
		Result: "done", Depth: 1,
	})

	got, err := m.Transition(parent.ID, models.TaskStatusWaiting)
	if err != nil {
		t.Fatalf("waiting with finished children: %v", err)
	}
	if got.Status != models.TaskStatusWaiting {
		t.Errorf("status = %s, want waiting_for_subtasks", got.Status)
	}

	advance(t, m, parent.ID, models.TaskStatusRunning)
}

func TestTransition_WaitingResumeCycle(t *testing.T) {
	m, db := newTestMachine(t)
	parent := createTask(t, db, &models.Task{Instruction: "parent", AgentName: "worker"})
	advance(t, m, parent.ID, models.TaskStatusQueued)
	advance(t, m, parent.ID, models.TaskStatusRunning)
	createTask(t, db, &models.Task{
		ParentID: parent.ID, TreeID: parent.TreeID,
		Instruction: "child", Status: models.TaskStatusQueued, Depth: 1,
	})

	advance(t, m, parent.ID, models.TaskStatusWaiting)

	// Re-entering the wait state is a no-op, not an error.
	got, err := m.Transition(parent.ID, models.TaskStatusWaiting)
	if err != nil {
		t.Fatalf("idempotent waiting failed: %v", err)
	}
	if got.Status != models.TaskStatusWaiting {
		t.Errorf("status = %s, want waiting_for_subtasks", got.Status)
	}

	advance(t, m, parent.ID, models.TaskStatusRunning)
}

func TestTransition_BlockedCountsAttemptsAndRecovers(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "flaky", AgentName: "worker"})
	advance(t, m, task.ID, models.TaskStatusQueued)
	advance(t, m, task.ID, models.TaskStatusRunning)

	got, err := m.Transition(task.ID, models.TaskStatusBlocked)
	if err != nil {
		t.Fatalf("running->blocked failed: %v", err)
	}
	if got.BlockedAttempts != 1 {
		t.Errorf("BlockedAttempts = %d, want 1", got.BlockedAttempts)
	}

	advance(t, m, task.ID, models.TaskStatusRunning)
	got, _ = m.Transition(task.ID, models.TaskStatusBlocked)
	if got.BlockedAttempts != 2 {
		t.Errorf("BlockedAttempts = %d, want 2", got.BlockedAttempts)
	}
}

func TestCancel_CascadesToDescendants(t *testing.T) {
	m, db := newTestMachine(t)
	root := createTask(t, db, &models.Task{Instruction: "root", AgentName: "worker", Status: models.TaskStatusRunning})

	childA := createTask(t, db, &models.Task{
		ParentID: root.ID, TreeID: root.TreeID, Instruction: "a",
		Status: models.TaskStatusRunning, Depth: 1,
	})
	childB := createTask(t, db, &models.Task{
		ParentID: root.ID, TreeID: root.TreeID, Instruction: "b",
		Status: models.TaskStatusRunning, Depth: 1,
	})
	grandchild := createTask(t, db, &models.Task{
		ParentID: childA.ID, TreeID: root.TreeID, Instruction: "a1",
		Status: models.TaskStatusQueued, Depth: 2,
	})
	doneChild := createTask(t, db, &models.Task{
		ParentID: root.ID, TreeID: root.TreeID, Instruction: "c",
		Status: models.TaskStatusComplete, Result: "done", Depth: 1,
	})

	if _, err := m.Cancel(root.ID, "operator abort"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	for _, id := range []int64{root.ID, childA.ID, childB.ID, grandchild.ID} {
		got, _ := db.GetTask(id)
		if got.Status != models.TaskStatusCancelled {
			t.Errorf("task %d status = %s, want cancelled", id, got.Status)
		}
	}

	// A child that already finished keeps its outcome.
	got, _ := db.GetTask(doneChild.ID)
	if got.Status != models.TaskStatusComplete {
		t.Errorf("finished child status = %s, want complete", got.Status)
	}
}

func TestForceFail_BypassesChildCheck(t *testing.T) {
	m, db := newTestMachine(t)
	parent := createTask(t, db, &models.Task{Instruction: "slow", AgentName: "worker", Status: models.TaskStatusRunning})
	createTask(t, db, &models.Task{
		ParentID: parent.ID, TreeID: parent.TreeID, Instruction: "child",
		Status: models.TaskStatusRunning, Depth: 1,
	})

	got, err := m.ForceFail(parent.ID, "execution time exceeded")
	if err != nil {
		t.Fatalf("ForceFail failed: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "execution time exceeded" {
		t.Errorf("Error = %q, want execution time exceeded", got.Error)
	}
}

func TestReassignAgent_ExactlyOnceBeforeRunning(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "work", AgentName: "first"})

	got, err := m.ReassignAgent(task.ID, "second")
	if err != nil {
		t.Fatalf("first reassign failed: %v", err)
	}
	if got.AgentName != "second" || !got.Reassigned {
		t.Errorf("AgentName = %q Reassigned = %v, want second/true", got.AgentName, got.Reassigned)
	}

	_, err = m.ReassignAgent(task.ID, "third")
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("second reassign error = %v, want PreconditionError", err)
	}

	// Not permitted once the task is running either.
	advance(t, m, task.ID, models.TaskStatusQueued)
	advance(t, m, task.ID, models.TaskStatusRunning)
	fresh := createTask(t, db, &models.Task{Instruction: "late", AgentName: "a", Status: models.TaskStatusRunning})
	if _, err := m.ReassignAgent(fresh.ID, "b"); !errors.As(err, &pe) {
		t.Errorf("reassign while running error = %v, want PreconditionError", err)
	}
}

func TestTransition_RecordsStatusEvents(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "audited", AgentName: "worker"})
	advance(t, m, task.ID, models.TaskStatusQueued)
	advance(t, m, task.ID, models.TaskStatusRunning)
	if _, err := m.Transition(task.ID, models.TaskStatusFailed, WithError("boom")); err != nil {
		t.Fatalf("failed transition: %v", err)
	}

	events, err := db.ListEvents("task", strconv.FormatInt(task.ID, 10))
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for _, e := range events {
		if e.EventType != "status_changed" {
			t.Errorf("EventType = %q, want status_changed", e.EventType)
		}
	}
	if events[2].Severity != models.SeverityWarning {
		t.Errorf("failed transition severity = %s, want warning", events[2].Severity)
	}
}

func TestTransition_RacingWritersOneWins(t *testing.T) {
	m, db := newTestMachine(t)
	task := createTask(t, db, &models.Task{Instruction: "contested", AgentName: "worker", Status: models.TaskStatusQueued})

	// Simulate a competing claim by advancing the version underneath a
	// stale snapshot.
	stale, _ := db.GetTask(task.ID)
	if _, err := m.Transition(task.ID, models.TaskStatusRunning); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	stale.Status = models.TaskStatusRunning
	err := db.UpdateTask(stale)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale write error = %v, want ErrConflict", err)
	}

	// The machine itself converges by re-reading: the second claim
	// attempt sees RUNNING and rejects cleanly rather than corrupting.
	_, err = m.Transition(task.ID, models.TaskStatusRunning)
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Errorf("second claim error = %v, want PreconditionError", err)
	}
}
