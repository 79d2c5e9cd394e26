package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cmoretti/conductor/internal/coordinator"
	"github.com/cmoretti/conductor/internal/provider"
	"github.com/cmoretti/conductor/internal/store"
	"github.com/cmoretti/conductor/pkg/models"
)

// decideFunc adapts a function to the provider interface so tests can
// script decisions per task.
type decideFunc func(ctx context.Context, req *provider.Request) (*models.Decision, error)

func (f decideFunc) Decide(ctx context.Context, req *provider.Request) (*models.Decision, error) {
	return f(ctx, req)
}

func endTask(result string) *models.Decision {
	return &models.Decision{Kind: models.DecisionEndTask, EndTask: &models.EndTaskPayload{Result: result}}
}

func endTaskErr(msg string) *models.Decision {
	return &models.Decision{Kind: models.DecisionEndTask, EndTask: &models.EndTaskPayload{Error: msg}}
}

func decompose(instructions ...string) *models.Decision {
	specs := make([]models.SubtaskSpec, 0, len(instructions))
	for _, inst := range instructions {
		specs = append(specs, models.SubtaskSpec{Instruction: inst})
	}
	return &models.Decision{Kind: models.DecisionCreateSubtasks, CreateSubtasks: &models.CreateSubtasksPayload{Subtasks: specs}}
}

// newSeededStore opens a fresh store with the test agents and tools.
func newSeededStore(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	agents := []*models.Agent{
		{Name: "worker", Instruction: "do the work", Capabilities: []string{"respond"}, Status: models.AgentActive},
		{Name: "restricted", Instruction: "stay in your lane", Tools: []string{"shell_execute"},
			Capabilities: []string{"respond"}, Status: models.AgentActive},
	}
	for _, a := range agents {
		if err := db.PutAgent(a); err != nil {
			t.Fatalf("PutAgent(%s) error = %v", a.Name, err)
		}
	}
	if err := db.PutTool(&models.ToolDescriptor{
		Name:         "shell_execute",
		Description:  "run a shell command",
		Capabilities: []string{"shell"},
	}); err != nil {
		t.Fatalf("PutTool() error = %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, prov provider.Provider, opts ...Option) (*Engine, *store.DB) {
	t.Helper()

	db := newSeededStore(t)

	base := []Option{
		WithWorkers(4),
		WithPollInterval(5 * time.Millisecond),
		WithWatchdogInterval(25 * time.Millisecond),
		WithWaitTimeout(200 * time.Millisecond),
	}
	e := New(db, prov, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Stop()
	})
	return e, db
}

// waitForTask polls until the task satisfies the predicate or the
// deadline passes.
func waitForTask(t *testing.T, db *store.DB, id int64, pred func(*models.Task) bool) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := db.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask(%d) error = %v", id, err)
		}
		if pred(task) {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := db.GetTask(id)
	t.Fatalf("task %d never reached expected state; last seen %+v", id, task)
	return nil
}

func terminal(task *models.Task) bool {
	return task.Status.Terminal()
}

func TestSubmitRunsToCompletion(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		return endTask("hello from the worker"), nil
	})
	e, db := newTestEngine(t, prov)

	task, err := e.Submit("worker", ProcessAgentLoop, "say hello", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, task.ID, terminal)
	if done.Status != models.TaskStatusComplete {
		t.Fatalf("status = %s, want %s (error: %s)", done.Status, models.TaskStatusComplete, done.Error)
	}
	if done.Result != "hello from the worker" {
		t.Errorf("result = %q, want %q", done.Result, "hello from the worker")
	}
}

func TestSubmitRejectsUnknownAgentAndProcess(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		return endTask("unused"), nil
	})
	e, _ := newTestEngine(t, prov)

	if _, err := e.Submit("nobody", ProcessAgentLoop, "x", 5); err == nil {
		t.Error("Submit() with unknown agent should fail")
	}
	if _, err := e.Submit("worker", "no_such_process", "x", 5); err == nil {
		t.Error("Submit() with unknown process should fail")
	}
}

func TestAgentLoopDecomposesAndAggregates(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		switch {
		case req.TaskInstruction == "plan the report":
			if len(req.History) == 0 {
				return decompose("draft section A", "draft section B"), nil
			}
			// Children are done; their outcomes are in the history.
			summary := req.History[len(req.History)-1].Content
			if !strings.Contains(summary, "section A done") || !strings.Contains(summary, "section B done") {
				return endTaskErr("subtask outcomes missing from history"), nil
			}
			return endTask("report assembled"), nil
		case req.TaskInstruction == "draft section A":
			return endTask("section A done"), nil
		default:
			return endTask("section B done"), nil
		}
	})
	e, db := newTestEngine(t, prov)

	root, err := e.Submit("worker", ProcessAgentLoop, "plan the report", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, root.ID, terminal)
	if done.Status != models.TaskStatusComplete {
		t.Fatalf("root status = %s, want complete (error: %s)", done.Status, done.Error)
	}
	if done.Result != "report assembled" {
		t.Errorf("root result = %q, want %q", done.Result, "report assembled")
	}

	children, err := db.ListTasksByParent(root.ID)
	if err != nil {
		t.Fatalf("ListTasksByParent() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.Status != models.TaskStatusComplete {
			t.Errorf("child %d status = %s, want complete", c.ID, c.Status)
		}
		if c.TreeID != root.TreeID || c.Depth != 1 {
			t.Errorf("child %d tree/depth = %d/%d, want %d/1", c.ID, c.TreeID, c.Depth, root.TreeID)
		}
	}
}

func TestWaitResumesWhenChildrenFinishFirst(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		return endTask("unused"), nil
	})
	// No dispatcher: the test drives the parent directly so the child
	// can terminate before the parent ever suspends.
	db := newSeededStore(t)
	e := New(db, prov, WithWorkers(2))
	ctx := context.Background()

	root, err := e.Submit("worker", ProcessAgentLoop, "parent work", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	claimed, err := e.machine.Transition(root.ID, models.TaskStatusRunning)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := e.acquireSlot(ctx); err != nil {
		t.Fatalf("acquireSlot() error = %v", err)
	}
	tc, err := e.buildContext(claimed)
	if err != nil {
		t.Fatalf("buildContext() error = %v", err)
	}

	ids, err := tc.CreateSubtasks(ctx, []models.SubtaskSpec{{Instruction: "quick piece"}})
	if err != nil {
		t.Fatalf("CreateSubtasks() error = %v", err)
	}
	if _, err := e.machine.Transition(ids[0], models.TaskStatusRunning); err != nil {
		t.Fatalf("child claim failed: %v", err)
	}
	e.finishComplete(ids[0], "already done")

	outcomes, err := tc.WaitForSubtasks(ctx)
	if err != nil {
		t.Fatalf("WaitForSubtasks() after fast child error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Result != "already done" {
		t.Fatalf("outcomes = %+v, want the child's buffered result", outcomes)
	}

	got, _ := db.GetTask(root.ID)
	if got.Status != models.TaskStatusRunning {
		t.Errorf("parent status = %s, want running after resume", got.Status)
	}
}

func TestRecursionCeilingFailsDeepestTask(t *testing.T) {
	// Every fresh task tries to decompose; the ceiling has to stop the
	// chain, and the failure must not cascade upward.
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		if len(req.History) == 0 {
			return decompose("recurse"), nil
		}
		return endTask("depth done"), nil
	})
	e, db := newTestEngine(t, prov, WithRecursionDepth(2))

	root, err := e.Submit("worker", ProcessAgentLoop, "recurse", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, root.ID, terminal)
	if done.Status != models.TaskStatusComplete {
		t.Fatalf("root status = %s, want complete (error: %s)", done.Status, done.Error)
	}

	tree, err := db.ListTasksByTree(root.TreeID)
	if err != nil {
		t.Fatalf("ListTasksByTree() error = %v", err)
	}
	var deepest *models.Task
	for _, task := range tree {
		if task.Depth > 2 {
			t.Fatalf("task %d created at depth %d, past ceiling 2", task.ID, task.Depth)
		}
		if deepest == nil || task.Depth > deepest.Depth {
			deepest = task
		}
	}
	if deepest.Depth != 2 {
		t.Fatalf("deepest task depth = %d, want 2", deepest.Depth)
	}
	if deepest.Status != models.TaskStatusFailed || !strings.Contains(deepest.Error, "recursion") {
		t.Errorf("deepest task = %s (%q), want failed with recursion error", deepest.Status, deepest.Error)
	}
}

func TestCancelCascadesToRunningChildren(t *testing.T) {
	childRunning := make(chan struct{}, 8)
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		if req.TaskInstruction == "coordinate" {
			return decompose("slow piece", "slow piece"), nil
		}
		childRunning <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, db := newTestEngine(t, prov)

	root, err := e.Submit("worker", ProcessAgentLoop, "coordinate", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-childRunning:
		case <-time.After(5 * time.Second):
			t.Fatal("children never started")
		}
	}

	if err := e.Cancel(root.ID, "operator abort"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	waitForTask(t, db, root.ID, func(task *models.Task) bool {
		return task.Status == models.TaskStatusCancelled
	})
	tree, err := db.ListTasksByTree(root.TreeID)
	if err != nil {
		t.Fatalf("ListTasksByTree() error = %v", err)
	}
	if len(tree) != 3 {
		t.Fatalf("tree size = %d, want 3", len(tree))
	}
	for _, task := range tree {
		done := waitForTask(t, db, task.ID, terminal)
		if done.Status != models.TaskStatusCancelled {
			t.Errorf("task %d status = %s, want cancelled", task.ID, done.Status)
		}
	}

	// The root was suspended on its children when it was cancelled; its
	// wait epoch must be released, not left behind.
	_, err = e.coord.AwaitAll(context.Background(), root.ID, 10*time.Millisecond)
	if !errors.Is(err, coordinator.ErrNoWait) {
		t.Errorf("AwaitAll after cancel error = %v, want ErrNoWait", err)
	}
}

func TestSubmitClampsPriority(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		return endTask("unused"), nil
	})
	db := newSeededStore(t)
	e := New(db, prov)

	high, err := e.Submit("worker", ProcessAgentLoop, "urgent", 999)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if high.Priority != models.PriorityMax {
		t.Errorf("priority = %d, want %d", high.Priority, models.PriorityMax)
	}

	low, err := e.Submit("worker", ProcessAgentLoop, "whenever", -3)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if low.Priority != models.PriorityMin {
		t.Errorf("priority = %d, want %d", low.Priority, models.PriorityMin)
	}
}

func TestSubtasksInheritParentPriority(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		if req.TaskInstruction == "important work" && len(req.History) == 0 {
			return decompose("piece one", "piece two"), nil
		}
		return endTask("done"), nil
	})
	e, db := newTestEngine(t, prov)

	root, err := e.Submit("worker", ProcessAgentLoop, "important work", 8)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitForTask(t, db, root.ID, terminal)
	children, err := db.ListTasksByParent(root.ID)
	if err != nil {
		t.Fatalf("ListTasksByParent() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.Priority != 8 {
			t.Errorf("child %d priority = %d, want 8 (inherited)", c.ID, c.Priority)
		}
	}
}

func TestProviderOutageBlocksThenEscalates(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		return nil, provider.ErrUnavailable
	})
	e, db := newTestEngine(t, prov, WithBlockedAttempts(2))

	task, err := e.Submit("worker", ProcessAgentLoop, "doomed", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, task.ID, terminal)
	if done.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "still blocked") {
		t.Errorf("error = %q, want blocked-escalation message", done.Error)
	}
	if done.BlockedAttempts < 2 {
		t.Errorf("blocked attempts = %d, want >= 2", done.BlockedAttempts)
	}
}

func TestWatchdogKillsExpiredTask(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, db := newTestEngine(t, prov, WithDefaultMaxExecutionTime(60*time.Millisecond))

	task, err := e.Submit("worker", ProcessAgentLoop, "hang forever", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, task.ID, terminal)
	if done.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "exceeded max execution time") {
		t.Errorf("error = %q, want watchdog kill message", done.Error)
	}
}

func TestToolDenialSurvivesInAgentLoop(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		if len(req.History) == 0 {
			return &models.Decision{Kind: models.DecisionCallTool,
				CallTool: &models.CallToolPayload{Tool: "shell_execute", Params: map[string]any{}}}, nil
		}
		if !strings.Contains(req.History[len(req.History)-1].Content, "denied") {
			return endTaskErr("denial never reached the history"), nil
		}
		return endTask("worked around it"), nil
	})
	e, db := newTestEngine(t, prov)

	task, err := e.Submit("restricted", ProcessAgentLoop, "try the shell", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, task.ID, terminal)
	if done.Status != models.TaskStatusComplete || done.Result != "worked around it" {
		t.Fatalf("task = %s (%q / %q), want complete after denial", done.Status, done.Result, done.Error)
	}

	denials, err := db.ListEventsByType("tool_denied")
	if err != nil {
		t.Fatalf("ListEventsByType() error = %v", err)
	}
	if len(denials) != 1 {
		t.Fatalf("tool_denied events = %d, want 1", len(denials))
	}
	if denials[0].Severity != models.SeverityWarning {
		t.Errorf("denial severity = %s, want warning", denials[0].Severity)
	}
}

func TestFanoutAggregatesInCreationOrder(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		switch req.TaskInstruction {
		case "split the work":
			return decompose("part one", "part two"), nil
		case "part one":
			return endTask("one done"), nil
		default:
			return endTask("two done"), nil
		}
	})
	e, db := newTestEngine(t, prov)

	root, err := e.Submit("worker", ProcessFanout, "split the work", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, root.ID, terminal)
	if done.Status != models.TaskStatusComplete {
		t.Fatalf("status = %s, want complete (error: %s)", done.Status, done.Error)
	}
	if done.Result != "one done\ntwo done" {
		t.Errorf("result = %q, want parts in creation order", done.Result)
	}
}

func TestFanoutFailsWhenAllSubtasksFail(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		if req.TaskInstruction == "split the work" {
			return decompose("part one", "part two"), nil
		}
		return endTaskErr("piece broke"), nil
	})
	e, db := newTestEngine(t, prov)

	root, err := e.Submit("worker", ProcessFanout, "split the work", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, root.ID, terminal)
	if done.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "all subtasks failed") {
		t.Errorf("error = %q, want all-subtasks-failed message", done.Error)
	}
}

func TestChildFailureDoesNotFailParent(t *testing.T) {
	prov := decideFunc(func(ctx context.Context, req *provider.Request) (*models.Decision, error) {
		switch req.TaskInstruction {
		case "mixed bag":
			if len(req.History) == 0 {
				return decompose("good piece", "bad piece"), nil
			}
			summary := req.History[len(req.History)-1].Content
			if !strings.Contains(summary, "failed") {
				return endTaskErr("child failure missing from outcomes"), nil
			}
			return endTask("carried on regardless"), nil
		case "good piece":
			return endTask("fine"), nil
		default:
			return endTaskErr("broken"), nil
		}
	})
	e, db := newTestEngine(t, prov)

	root, err := e.Submit("worker", ProcessAgentLoop, "mixed bag", 5)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := waitForTask(t, db, root.ID, terminal)
	if done.Status != models.TaskStatusComplete {
		t.Fatalf("root status = %s, want complete (error: %s)", done.Status, done.Error)
	}
	if done.Result != "carried on regardless" {
		t.Errorf("root result = %q", done.Result)
	}
}
