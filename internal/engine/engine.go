package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cmoretti/conductor/internal/coordinator"
	"github.com/cmoretti/conductor/internal/lifecycle"
	"github.com/cmoretti/conductor/internal/permission"
	"github.com/cmoretti/conductor/internal/provider"
	"github.com/cmoretti/conductor/internal/store"
	"github.com/cmoretti/conductor/internal/tree"
	"github.com/cmoretti/conductor/pkg/models"
)

// Engine owns the worker pool and drives tasks through their
// processes. One worker drives one task to its next suspension point;
// single-owner execution is guaranteed by the version-guarded
// QUEUED to RUNNING claim.
type Engine struct {
	db      *store.DB
	machine *lifecycle.Machine
	coord   *coordinator.Coordinator
	perms   *permission.Manager
	prov    provider.Provider
	exec    ToolExecutor
	emitter *Emitter
	logger  *DebugLogger

	registry *processRegistry

	workers            int
	maxDepth           int
	maxIterations      int
	maxBlockedAttempts int
	waitTimeout        time.Duration
	watchdogInterval   time.Duration
	pollInterval       time.Duration
	defaultMaxExec     time.Duration

	// slots is the worker-pool semaphore. Waiting parents give their
	// slot back so children can always make progress.
	slots chan struct{}

	mu sync.Mutex
	// running maps a task to its cancel function while a worker drives it.
	running map[int64]context.CancelFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRecursionDepth sets the subtask nesting ceiling.
func WithRecursionDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithMaxIterations bounds decision rounds per agent_loop run.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithProviderRetries wraps the provider in bounded backoff.
func WithProviderRetries(attempts int, baseDelay time.Duration) Option {
	return func(e *Engine) {
		e.prov = provider.NewRetrier(e.prov, attempts, baseDelay)
	}
}

// WithBlockedAttempts bounds blocked-task resolution attempts before
// escalation to failed.
func WithBlockedAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBlockedAttempts = n
		}
	}
}

// WithWaitTimeout bounds one subtask wait before the parent re-awaits.
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Engine) { e.waitTimeout = d }
}

// WithWatchdogInterval sets the watchdog sweep cadence.
func WithWatchdogInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.watchdogInterval = d
		}
	}
}

// WithPollInterval sets how often idle workers look for queued tasks.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithDefaultMaxExecutionTime bounds tasks that do not set their own.
func WithDefaultMaxExecutionTime(d time.Duration) Option {
	return func(e *Engine) { e.defaultMaxExec = d }
}

// WithToolExecutor sets the executor behind the permission gate.
func WithToolExecutor(exec ToolExecutor) Option {
	return func(e *Engine) {
		if exec != nil {
			e.exec = exec
		}
	}
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEmitterBuffer sets the engine event channel size.
func WithEmitterBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.emitter = NewEmitter(n)
		}
	}
}

// New creates an engine over the store and reasoning provider. The
// built-in agent_loop and fanout processes are registered; more can be
// added with RegisterProcess before Start.
func New(db *store.DB, prov provider.Provider, opts ...Option) *Engine {
	e := &Engine{
		db:                 db,
		machine:            lifecycle.NewMachine(db),
		coord:              coordinator.New(),
		perms:              permission.NewManager(db),
		prov:               prov,
		exec:               NewFuncExecutor(nil),
		emitter:            NewEmitter(256),
		logger:             NopLogger(),
		registry:           newProcessRegistry(),
		workers:            4,
		maxDepth:           5,
		maxIterations:      50,
		maxBlockedAttempts: 3,
		waitTimeout:        30 * time.Minute,
		watchdogInterval:   10 * time.Second,
		pollInterval:       100 * time.Millisecond,
		running:            make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.slots = make(chan struct{}, e.workers)
	setPackageLogger(e.logger)
	e.coord.SetDebugLog(debugLog)

	e.registry.register(ProcessAgentLoop, ProcessFunc(e.runAgentLoop))
	e.registry.register(ProcessFanout, ProcessFunc(e.runFanout))
	e.persistBuiltins()
	return e
}

// persistBuiltins records the built-in process definitions so the
// status surface and other binaries can resolve them by name.
func (e *Engine) persistBuiltins() {
	for _, p := range []*models.Process{
		{Name: ProcessAgentLoop, Version: 1,
			Description: "decision-driven recursive execution",
			Phases:      []string{"decide", "act", "wait", "finish"}},
		{Name: ProcessFanout, Version: 1,
			Description: "one-shot decomposition with aggregated results",
			Phases:      []string{"decompose", "wait", "aggregate"}},
	} {
		if err := e.db.PutProcess(p); err != nil {
			debugLog("[engine] persist process %s: %v", p.Name, err)
		}
	}
}

// RegisterProcess binds a process name to an implementation.
func (e *Engine) RegisterProcess(name string, p Process) {
	e.registry.register(name, p)
}

// Events returns the engine event stream.
func (e *Engine) Events() <-chan Event {
	return e.emitter.Events()
}

// Permissions returns the engine's permission manager, for issuing
// grants administratively.
func (e *Engine) Permissions() *permission.Manager {
	return e.perms
}

// Submit creates a root task and queues it. The task's process
// defaults to agent_loop and its execution bound to the engine
// default.
func (e *Engine) Submit(agentName, processName, instruction string, priority int) (*models.Task, error) {
	if processName == "" {
		processName = ProcessAgentLoop
	}
	if _, err := e.registry.get(processName); err != nil {
		return nil, err
	}
	if _, err := e.db.GetAgent(agentName); err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentName, err)
	}

	task := &models.Task{
		AgentName:        agentName,
		ProcessName:      processName,
		Instruction:      instruction,
		Priority:         models.ClampPriority(priority),
		MaxExecutionTime: e.defaultMaxExec,
	}
	if err := e.db.CreateTask(task); err != nil {
		return nil, err
	}
	if _, err := e.machine.Transition(task.ID, models.TaskStatusQueued); err != nil {
		return nil, err
	}

	e.emitter.Emit(Event{Type: EventTaskSubmitted, TaskID: task.ID, Status: models.TaskStatusQueued})
	debugLog("[engine.Submit] task=%d agent=%s process=%s", task.ID, agentName, processName)
	return e.db.GetTask(task.ID)
}

// Start launches the dispatcher and watchdog. It returns immediately;
// Stop shuts both down and waits for in-flight tasks.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go e.dispatchLoop(ctx)
	go e.watchdogLoop(ctx)
}

// Stop cancels all engine goroutines and waits for them to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Cancel cancels a task and its live descendants, waking any parent
// that waits on them.
func (e *Engine) Cancel(taskID int64, reason string) error {
	task, err := e.db.GetTask(taskID)
	if err != nil {
		return err
	}

	// Stop the goroutines driving the subtree first.
	e.cancelRunning(taskID)

	if _, err := e.machine.Cancel(taskID, reason); err != nil {
		return err
	}

	// Wake every waiter in the subtree, then the task's own parent.
	tasks, err := e.db.ListTasksByTree(task.TreeID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusCancelled && t.ParentID != 0 {
			e.coord.NotifyTerminal(t.ID, coordinator.Outcome{
				Status: models.TaskStatusCancelled,
				Error:  reason,
			})
		}
	}
	// Release wait epochs owned by cancelled tasks. Their driving
	// goroutines were interrupted mid-AwaitAll and will not close them.
	for _, t := range tasks {
		if t.Status == models.TaskStatusCancelled {
			e.coord.Forget(t.ID)
		}
	}
	e.emitter.Emit(Event{Type: EventTaskTerminal, TaskID: taskID, Status: models.TaskStatusCancelled, Detail: reason})
	return nil
}

// dispatchLoop claims queued tasks and hands them to workers.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		queued, err := e.db.ListQueuedTasks(e.workers * 2)
		if err != nil {
			debugLog("[engine.dispatch] list queued failed: %v", err)
			continue
		}

		for _, task := range queued {
			if err := e.acquireSlot(ctx); err != nil {
				return
			}

			claimed, err := e.machine.Transition(task.ID, models.TaskStatusRunning)
			if err != nil {
				// Someone else claimed it, or it moved on. Not ours.
				e.releaseSlot()
				var pe *lifecycle.PreconditionError
				if !errors.As(err, &pe) && !errors.Is(err, store.ErrConflict) {
					debugLog("[engine.dispatch] claim task=%d failed: %v", task.ID, err)
				}
				continue
			}

			taskCtx, cancel := context.WithCancel(ctx)
			e.mu.Lock()
			e.running[claimed.ID] = cancel
			e.mu.Unlock()

			e.wg.Add(1)
			go func(t *models.Task) {
				defer e.wg.Done()
				defer func() {
					e.mu.Lock()
					delete(e.running, t.ID)
					e.mu.Unlock()
					cancel()
				}()
				e.runTask(taskCtx, t)
			}(claimed)
		}
	}
}

// runTask drives one claimed task through its process and applies the
// terminal transition. The caller's worker slot is owned here: a task
// suspended on subtasks gives it back for the duration of the wait, so
// the deferred release consults the context's ownership flag.
func (e *Engine) runTask(ctx context.Context, task *models.Task) {
	var tc *TaskContext
	defer func() {
		if tc == nil || tc.slotHeld {
			e.releaseSlot()
		}
	}()

	e.emitter.Emit(Event{Type: EventTaskStarted, TaskID: task.ID, Status: models.TaskStatusRunning})
	debugLog("[engine.runTask] task=%d process=%s agent=%s depth=%d",
		task.ID, task.ProcessName, task.AgentName, task.Depth)

	tc, err := e.buildContext(task)
	if err != nil {
		e.finishFailed(task.ID, fmt.Sprintf("context setup: %v", err))
		return
	}

	proc, err := e.registry.get(task.ProcessName)
	if err != nil {
		e.finishFailed(task.ID, err.Error())
		return
	}

	outcome, runErr := proc.Run(ctx, tc)
	switch {
	case runErr == nil:
		e.finishComplete(task.ID, outcome.Result)

	case isTaskFailure(runErr):
		e.finishFailed(task.ID, runErr.Error())

	case errors.Is(runErr, ErrRecursionLimit):
		e.finishFailed(task.ID, runErr.Error())

	case errors.Is(runErr, provider.ErrUnavailable), errors.Is(runErr, provider.ErrMalformed):
		// Retry budget exhausted; park the task for the blocked sweep.
		if _, err := e.machine.Transition(task.ID, models.TaskStatusBlocked); err != nil {
			debugLog("[engine.runTask] block task=%d failed: %v", task.ID, err)
			return
		}
		e.emitter.Emit(Event{Type: EventTaskBlocked, TaskID: task.ID, Status: models.TaskStatusBlocked, Detail: runErr.Error()})

	case errors.Is(runErr, context.Canceled):
		// Cancellation is applied by whoever requested it.
		debugLog("[engine.runTask] task=%d cancelled mid-run", task.ID)

	default:
		var pe *lifecycle.PreconditionError
		if errors.As(runErr, &pe) {
			// Lost the task to a concurrent terminal transition.
			debugLog("[engine.runTask] task=%d: %v", task.ID, runErr)
			return
		}
		e.finishFailed(task.ID, runErr.Error())
	}
}

// buildContext loads the task's agent, documents, and tools.
func (e *Engine) buildContext(task *models.Task) (*TaskContext, error) {
	agent, err := e.db.GetAgent(task.AgentName)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", task.AgentName, err)
	}

	docs := make([]*models.ContextDocument, 0, len(agent.ContextDocuments))
	for _, name := range agent.ContextDocuments {
		doc, err := e.db.GetDocument(name)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", name, err)
		}
		docs = append(docs, doc)
	}

	tools := make([]*models.ToolDescriptor, 0, len(agent.Tools))
	for _, name := range agent.Tools {
		tool, err := e.db.GetTool(name)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		tools = append(tools, tool)
	}

	return &TaskContext{eng: e, task: task, agent: agent, docs: docs, tools: tools, slotHeld: true}, nil
}

// finishComplete applies the COMPLETE transition and notifies the
// parent's wait.
func (e *Engine) finishComplete(taskID int64, result string) {
	if result == "" {
		result = "done"
	}
	task, err := e.machine.Transition(taskID, models.TaskStatusComplete, lifecycle.WithResult(result))
	if err != nil {
		debugLog("[engine] complete task=%d failed: %v", taskID, err)
		return
	}
	e.emitter.Emit(Event{Type: EventTaskTerminal, TaskID: taskID, Status: models.TaskStatusComplete, Detail: result})
	e.notifyParent(task)
}

// finishFailed applies the FAILED transition and notifies the parent's
// wait.
func (e *Engine) finishFailed(taskID int64, msg string) {
	task, err := e.machine.Transition(taskID, models.TaskStatusFailed, lifecycle.WithError(msg))
	if err != nil {
		debugLog("[engine] fail task=%d failed: %v", taskID, err)
		return
	}
	e.emitter.Emit(Event{Type: EventTaskTerminal, TaskID: taskID, Status: models.TaskStatusFailed, Detail: msg})
	e.notifyParent(task)
}

// notifyParent reports a terminal task to the coordinator.
func (e *Engine) notifyParent(task *models.Task) {
	if task.ParentID == 0 {
		return
	}
	e.coord.NotifyTerminal(task.ID, coordinator.Outcome{
		Status: task.Status,
		Result: task.Result,
		Error:  task.Error,
	})
}

// cancelRunning cancels the goroutines driving the task and its
// descendants, if any are in flight.
func (e *Engine) cancelRunning(taskID int64) {
	ids := []int64{taskID}
	if idx, err := e.treeIndex(taskID); err == nil {
		ids = append(ids, idx.Descendants(taskID)...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := e.running[id]; ok {
			cancel()
		}
	}
}

// treeIndex builds a tree index for the tree containing the task.
func (e *Engine) treeIndex(taskID int64) (*tree.Index, error) {
	task, err := e.db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.db.ListTasksByTree(task.TreeID)
	if err != nil {
		return nil, err
	}
	idx := tree.New()
	idx.SetDebugLog(debugLog)
	if err := idx.Build(tasks); err != nil {
		return nil, err
	}
	return idx, nil
}

// acquireSlot takes a worker slot, honoring cancellation.
func (e *Engine) acquireSlot(ctx context.Context) error {
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseSlot gives a worker slot back.
func (e *Engine) releaseSlot() {
	<-e.slots
}

// isTaskFailure reports whether the error is a process-declared task
// failure.
func isTaskFailure(err error) bool {
	var tf *TaskFailure
	return errors.As(err, &tf)
}
