// Package orchestrator drives a run end to end: it spawns workers
// against the Task Graph, reacts to worker exits, hands level merges
// to the Level Coordinator, and arbitrates the crash-vs-failure retry
// rules. It is the top-level composition of every other package in
// this module.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"zerg/internal/breaker"
	"zerg/internal/errz"
	"zerg/internal/launcher"
	"zerg/internal/level"
	"zerg/internal/merge"
	"zerg/internal/ports"
	"zerg/internal/state"
	"zerg/internal/taskgraph"
	"zerg/internal/telemetry"
	"zerg/internal/verify"
	"zerg/internal/worktree"
)

// Config bundles the run-wide knobs read from the top-level config file.
type Config struct {
	Feature             string
	RepoDir             string
	WorkerCount         int
	WorkerTimeout       time.Duration
	ContextThreshold    float64
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	MaxTaskRetries      int
	MergeTimeoutSeconds int
	MergeMaxRetries     int
	MergeBaseDelay      int
	VerifyTimeout       time.Duration
}

// AssignmentPolicy picks a worker for a pending task; nil means "leave
// the task pending for any idle worker to pick up via claim_task".
type AssignmentPolicy func(taskID string, idleWorkers []int) (workerID int, ok bool)

// Orchestrator owns one feature's run.
type Orchestrator struct {
	cfg      Config
	graph    *taskgraph.Graph
	store    *state.Store
	ports    *ports.Allocator
	worktree *worktree.Manager
	launcher launcher.Launcher
	merge    *merge.Coordinator
	level    *level.Coordinator
	breaker  *breaker.CircuitBreaker
	backpres *breaker.Backpressure
	assign   AssignmentPolicy

	mu        sync.Mutex
	running   bool
	paused    bool
	onTask    []func(taskID string)
	onLevel   []func(level int)
	workerTT  map[int]string // worker id -> repo-relative worktree path, for stop()
}

// New composes an Orchestrator from its already-constructed
// dependencies; launcher selection happens in cmd/zerg via
// launcher.Select before calling this constructor.
func New(cfg Config, graph *taskgraph.Graph, store *state.Store, portAlloc *ports.Allocator,
	wm *worktree.Manager, l launcher.Launcher, mc *merge.Coordinator, cb *breaker.CircuitBreaker,
	bp *breaker.Backpressure, assign AssignmentPolicy) *Orchestrator {
	lc := level.New(store, mc, level.Config{
		Feature:          cfg.Feature,
		TimeoutSeconds:   cfg.MergeTimeoutSeconds,
		MaxRetries:       cfg.MergeMaxRetries,
		BaseDelaySeconds: cfg.MergeBaseDelay,
	})
	return &Orchestrator{
		cfg: cfg, graph: graph, store: store, ports: portAlloc, worktree: wm,
		launcher: l, merge: mc, level: lc, breaker: cb, backpres: bp, assign: assign,
		workerTT: make(map[int]string),
	}
}

// OnTaskComplete registers a callback invoked after a task transitions
// to complete and is persisted.
func (o *Orchestrator) OnTaskComplete(fn func(taskID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTask = append(o.onTask, fn)
}

// OnLevelComplete registers a callback invoked after a level's merge succeeds.
func (o *Orchestrator) OnLevelComplete(fn func(level int)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onLevel = append(o.onLevel, fn)
}

// Start parses the task graph (already loaded into o.graph by the
// caller), loads state, and runs to completion or to a paused halt.
// startLevel of 0 means "resume from the state document's current
// level". dryRun prints the assignment plan and returns without
// spawning anything.
func (o *Orchestrator) Start(ctx context.Context, startLevel int, dryRun bool) error {
	doc, err := o.store.Load()
	if err != nil {
		return errz.Wrap(errz.StateCorruption, "load state", err)
	}
	o.store.AppendEvent("run_started", map[string]any{"feature": o.cfg.Feature})

	level := startLevel
	if level == 0 {
		level = doc.CurrentLevel
	}
	if level == 0 {
		level = o.graph.OrderedLevels()[0]
	}

	if dryRun {
		o.printPlan(level)
		return nil
	}

	if err := o.startLevel(level); err != nil {
		return err
	}

	spawned, err := o.spawnInitialWorkers(ctx, o.cfg.WorkerCount)
	if err != nil {
		return err
	}
	if spawned == 0 {
		o.store.AppendEvent("rush_failed", map[string]any{"reason": "No workers spawned"})
		return errz.New(errz.Configuration, "No workers spawned")
	}

	readyIDs := make([]int, 0, spawned)
	for i := 1; i <= spawned; i++ {
		readyIDs = append(readyIDs, i)
	}
	if err := o.store.WaitForWorkersReady(readyIDs, o.cfg.WorkerTimeout); err != nil {
		telemetry.LogError("not all workers became ready in time", err, "feature", o.cfg.Feature)
	}

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	return o.runMainLoop(ctx)
}

// printPlan renders the per-level task->worker assignment table for
// dry_run, a supplement carried over from the original implementation's
// CLI preview.
func (o *Orchestrator) printPlan(fromLevel int) {
	for _, lvl := range o.graph.OrderedLevels() {
		if lvl < fromLevel {
			continue
		}
		fmt.Printf("level %d:\n", lvl)
		for i, taskID := range o.graph.TasksAt(lvl) {
			worker := i%o.cfg.WorkerCount + 1
			fmt.Printf("  %s -> worker-%d\n", taskID, worker)
		}
	}
}

// startLevel marks the store for a new level and seeds pending task
// assignments from the configured policy.
func (o *Orchestrator) startLevel(lvl int) error {
	if err := o.store.SetCurrentLevel(lvl); err != nil {
		return err
	}
	if err := o.store.SetLevelStatus(lvl, state.LevelRunning, ""); err != nil {
		return err
	}

	tasks := o.graph.TasksAt(lvl)
	if o.assign == nil {
		return nil
	}
	idle := o.idleWorkerIDs()
	for _, taskID := range tasks {
		if workerID, ok := o.assign(taskID, idle); ok {
			o.store.SetTaskStatus(taskID, taskgraph.StatusClaimed, &workerID, "")
		}
	}
	return nil
}

func (o *Orchestrator) idleWorkerIDs() []int {
	doc, err := o.store.Load()
	if err != nil {
		return nil
	}
	var out []int
	for id, w := range doc.Workers {
		if w.Status == state.WorkerIdle || w.Status == state.WorkerReady {
			out = append(out, id)
		}
	}
	return out
}

// spawnInitialWorkers launches workerCount workers concurrently,
// bounded by an errgroup so a single spawn failure does not abort the
// others; it returns the count that launched successfully.
func (o *Orchestrator) spawnInitialWorkers(ctx context.Context, workerCount int) (int, error) {
	var g errgroup.Group
	var mu sync.Mutex
	spawned := 0

	for i := 1; i <= workerCount; i++ {
		workerID := i
		g.Go(func() error {
			if err := o.spawnWorker(ctx, workerID); err != nil {
				telemetry.LogError("worker spawn failed", err, "worker_id", workerID)
				return nil
			}
			mu.Lock()
			spawned++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return spawned, err
	}
	return spawned, nil
}

// spawnWorker allocates a port, creates a worktree, and asks the
// launcher to start the worker process/container/job.
func (o *Orchestrator) spawnWorker(ctx context.Context, workerID int) error {
	port, err := o.ports.AllocateOne()
	if err != nil {
		return err
	}

	wt, err := o.worktree.Create(ctx, o.cfg.Feature, workerID, "main")
	if err != nil {
		o.ports.Release(port)
		return err
	}

	result := o.launcher.Spawn(ctx, launcher.Spec{
		WorkerID: workerID, Feature: o.cfg.Feature, Worktree: wt.Path, Branch: wt.Branch,
		RepoPath: o.cfg.RepoDir,
	})
	if !result.Success {
		o.ports.Release(port)
		return result.Error
	}

	o.mu.Lock()
	o.workerTT[workerID] = wt.Path
	o.mu.Unlock()

	now := time.Now()
	o.store.SetWorkerState(state.WorkerRecord{
		WorkerID: workerID, Status: state.WorkerInitializing, Port: port,
		WorktreePath: wt.Path, Branch: wt.Branch, StartedAt: &now,
		LauncherHandle: result.Handle.ContainerID,
	})
	return nil
}

// runMainLoop is the repeated step described by the main loop
// contract: sync worker state, react to exits, re-admit retries,
// resolve levels, and respawn idle slots.
func (o *Orchestrator) runMainLoop(ctx context.Context) error {
	for {
		o.mu.Lock()
		running := o.running
		o.mu.Unlock()
		if !running {
			return nil
		}

		telemetry.TrackOrchestratorLoop(o.cfg.Feature)

		if err := o.launcher.SyncState(ctx); err != nil {
			telemetry.LogError("sync_state failed", err)
		}

		doc, err := o.store.Load()
		if err != nil {
			return errz.Wrap(errz.StateCorruption, "load state in main loop", err)
		}

		finished, err := o.reactToWorkers(ctx, doc)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}

		o.readmitRetries()

		doc, err = o.store.Load()
		if err != nil {
			return errz.Wrap(errz.StateCorruption, "reload state", err)
		}

		if o.levelResolved(doc) {
			if err := o.resolveLevel(ctx, doc); err != nil {
				telemetry.LogError("level resolution failed", err)
			} else if done := o.advanceLevel(doc); done {
				o.mu.Lock()
				o.running = false
				o.mu.Unlock()
				return nil
			}
		}

		o.mu.Lock()
		paused := o.paused
		o.mu.Unlock()
		if paused {
			time.Sleep(time.Second)
			continue
		}

		o.respawnIdleSlots(ctx, doc)

		time.Sleep(time.Second)
	}
}

// reactToWorkers implements main-loop step 1: inspect each tracked
// worker's status and dispatch the matching handler.
func (o *Orchestrator) reactToWorkers(ctx context.Context, doc *state.Doc) (finished bool, err error) {
	for workerID, w := range doc.Workers {
		switch w.Status {
		case state.WorkerRunning, state.WorkerReady, state.WorkerInitializing, state.WorkerIdle:
			if w.ContextUsage > o.cfg.ContextThreshold {
				telemetry.LogInfo("worker approaching context threshold", "worker_id", workerID, "usage", w.ContextUsage)
			}
		case state.WorkerStopped:
			if w.CurrentTask != "" {
				o.handleTaskComplete(workerID, w.CurrentTask)
			}
		case state.WorkerCrashed:
			o.handleWorkerCrash(workerID, w.CurrentTask)
		case state.WorkerCheckpointing:
			if w.CurrentTask != "" {
				var nilWorker *int
				o.store.SetTaskStatus(w.CurrentTask, taskgraph.StatusPaused, nilWorker, "")
			}
			o.recycleWorkerSlot(workerID)
		case state.WorkerBlocked:
			o.store.AppendEvent("worker_blocked", map[string]any{"worker_id": workerID})
		}
	}
	return false, nil
}

// handleTaskComplete runs the task's verification command, then marks
// it complete or routes it through the failure path, and frees the
// worker slot for reuse either way.
func (o *Orchestrator) handleTaskComplete(workerID int, taskID string) {
	defer o.recycleWorkerSlot(workerID)

	task, ok := o.graph.Get(taskID)
	if !ok {
		telemetry.LogError("task complete for unknown task", nil, "task_id", taskID)
		return
	}

	wtPath := o.worktreePathFor(workerID)
	timeout := o.cfg.VerifyTimeout
	if task.Verification.TimeoutSeconds > 0 {
		timeout = time.Duration(task.Verification.TimeoutSeconds) * time.Second
	}
	result := verify.Verify(context.Background(), task.Verification.Command, wtPath, timeout)
	if !result.Success {
		o.handleTaskFailed(taskID, result.Stderr)
		return
	}

	w := workerID
	if err := o.store.SetTaskStatus(taskID, taskgraph.StatusComplete, &w, ""); err != nil {
		telemetry.LogError("set task complete failed", err, "task_id", taskID)
		return
	}
	o.store.ResetTaskRetry(taskID)
	telemetry.TrackTaskCompleted(o.cfg.Feature)
	o.store.AppendEvent("task_complete", map[string]any{"task_id": taskID, "worker_id": workerID})
	if o.backpres != nil {
		o.backpres.RecordOutcome(false)
	}

	o.mu.Lock()
	callbacks := append([]func(string){}, o.onTask...)
	o.mu.Unlock()
	for _, cb := range callbacks {
		cb(taskID)
	}
}

func (o *Orchestrator) worktreePathFor(workerID int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workerTT[workerID]
}

// handleWorkerCrash implements the crash disambiguation rule: the task
// is requeued without touching its retry budget, and the circuit
// breaker is told about an infrastructure failure.
func (o *Orchestrator) handleWorkerCrash(workerID int, taskID string) {
	telemetry.TrackWorkerCrash(o.cfg.Feature)
	if taskID != "" {
		var nilWorker *int
		o.store.SetTaskStatus(taskID, taskgraph.StatusPending, nilWorker, "")
	}
	o.store.AppendEvent("worker_crash", map[string]any{"worker_id": workerID, "task_id": taskID})
	if o.breaker != nil {
		o.breaker.RecordFailure()
	}
	o.recycleWorkerSlot(workerID)
}

// handleTaskFailed implements the failure disambiguation rule: the
// retry budget is decremented with exponential backoff, or the task is
// marked permanently failed once the budget is exhausted.
func (o *Orchestrator) handleTaskFailed(taskID, reason string) {
	retries, err := o.store.IncrementTaskRetry(taskID)
	if err != nil {
		telemetry.LogError("increment task retry failed", err, "task_id", taskID)
		return
	}
	if retries >= o.cfg.MaxTaskRetries {
		var nilWorker *int
		o.store.SetTaskStatus(taskID, taskgraph.StatusFailed, nilWorker, reason)
		telemetry.TrackTaskFailed(o.cfg.Feature)
		if o.backpres != nil {
			o.backpres.RecordOutcome(true)
		}
		return
	}

	backoff := o.backoffFor(retries)
	var nilWorker *int
	o.store.SetTaskStatus(taskID, taskgraph.StatusFailed, nilWorker, reason)
	o.store.SetTaskNextRetryAt(taskID, time.Now().Add(backoff))
}

// backoffFor computes min(base * 2^retryCount, max), the task-retry
// backoff distinct from the Level Coordinator's merge backoff.
func (o *Orchestrator) backoffFor(retryCount int) time.Duration {
	d := o.cfg.RetryBaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d > o.cfg.RetryMaxDelay {
			return o.cfg.RetryMaxDelay
		}
	}
	return d
}

// recycleWorkerSlot marks a worker idle and clears its current task
// while preserving the rest of its record (port, worktree, branch),
// since SetWorkerState replaces the whole record rather than merging.
func (o *Orchestrator) recycleWorkerSlot(workerID int) {
	doc, err := o.store.Load()
	if err != nil {
		return
	}
	rec := state.WorkerRecord{WorkerID: workerID}
	if existing, ok := doc.Workers[workerID]; ok {
		rec = *existing
	}
	rec.Status = state.WorkerIdle
	rec.CurrentTask = ""
	o.store.SetWorkerState(rec)
}

// readmitRetries implements main-loop step 2.
func (o *Orchestrator) readmitRetries() {
	ready, err := o.store.GetTasksReadyForRetry(time.Now())
	if err != nil {
		telemetry.LogError("get tasks ready for retry failed", err)
		return
	}
	doc, err := o.store.Load()
	if err != nil {
		telemetry.LogError("load state for retry re-admission failed", err)
		return
	}
	for _, taskID := range ready {
		rec, ok := doc.Tasks[taskID]
		if !ok || rec.Status != taskgraph.StatusFailed || rec.RetryCount >= o.cfg.MaxTaskRetries {
			continue
		}
		var nilWorker *int
		o.store.SetTaskStatus(taskID, taskgraph.StatusPending, nilWorker, "")
	}
}

// levelResolved implements main-loop step 3's gate: every task at the
// current level must be complete, failed with no retry still pending,
// or blocked, with at least one complete. A level with no tasks counts
// as resolved.
func (o *Orchestrator) levelResolved(doc *state.Doc) bool {
	lvl := doc.CurrentLevel
	if lr, ok := doc.Levels[lvl]; ok && lr.Status == state.LevelComplete {
		return false
	}

	taskIDs := o.graph.TasksAt(lvl)
	if len(taskIDs) == 0 {
		return true
	}

	anyComplete := false
	for _, id := range taskIDs {
		rec, ok := doc.Tasks[id]
		if !ok {
			return false
		}
		switch rec.Status {
		case taskgraph.StatusComplete:
			anyComplete = true
		case taskgraph.StatusFailed:
			if rec.NextRetryAt != nil && rec.RetryCount < o.cfg.MaxTaskRetries {
				return false // a retry is still scheduled
			}
		case taskgraph.StatusBlocked:
			// resolved, does not block
		default:
			return false
		}
	}
	return anyComplete
}

// resolveLevel invokes the Level Coordinator's bounded-retry merge
// flow for the current level (main-loop step 3/4).
func (o *Orchestrator) resolveLevel(ctx context.Context, doc *state.Doc) error {
	lvl := doc.CurrentLevel
	var sources []merge.SourceBranch
	for id, w := range doc.Workers {
		if w.Branch != "" {
			sources = append(sources, merge.SourceBranch{WorkerID: id, Branch: w.Branch})
		}
	}
	start := time.Now()
	err := o.level.RunLevel(ctx, lvl, sources, o.cfg.Feature, nil, nil)
	telemetry.ObserveLevelDuration(o.cfg.Feature, time.Since(start).Seconds())
	if err != nil {
		o.mu.Lock()
		o.paused = true
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	callbacks := append([]func(int){}, o.onLevel...)
	o.mu.Unlock()
	for _, cb := range callbacks {
		cb(lvl)
	}
	return nil
}

// advanceLevel moves to the next level in the graph, or reports the
// run is finished.
func (o *Orchestrator) advanceLevel(doc *state.Doc) (finished bool) {
	levels := o.graph.OrderedLevels()
	next := -1
	for _, lvl := range levels {
		if lvl > doc.CurrentLevel {
			next = lvl
			break
		}
	}
	if next == -1 {
		o.store.AppendEvent("rush_finished", map[string]any{"feature": o.cfg.Feature})
		return true
	}
	if err := o.startLevel(next); err != nil {
		telemetry.LogError("start next level failed", err, "level", next)
	}
	return false
}

// respawnIdleSlots implements main-loop step 6: replace idle worker
// slots subject to the circuit breaker, only while work remains.
func (o *Orchestrator) respawnIdleSlots(ctx context.Context, doc *state.Doc) {
	if !o.hasUnresolvedWork(doc) {
		return
	}
	for workerID, w := range doc.Workers {
		if w.Status != state.WorkerIdle {
			continue
		}
		if o.breaker != nil && !o.breaker.AllowSpawn() {
			return
		}
		if o.backpres != nil && o.backpres.Active() {
			return
		}
		if err := o.spawnWorker(ctx, workerID); err != nil {
			telemetry.LogError("respawn failed", err, "worker_id", workerID)
		}
	}
}

func (o *Orchestrator) hasUnresolvedWork(doc *state.Doc) bool {
	for _, id := range o.graph.TasksAt(doc.CurrentLevel) {
		rec, ok := doc.Tasks[id]
		if !ok {
			continue
		}
		if rec.Status == taskgraph.StatusPending || rec.Status == taskgraph.StatusClaimed || rec.Status == taskgraph.StatusInProgress {
			return true
		}
	}
	return false
}

// Stop halts the run: terminates every tracked worker, releases ports,
// and persists a rush_stopped event.
func (o *Orchestrator) Stop(ctx context.Context, force bool) error {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()

	if err := o.launcher.TerminateAll(ctx, force); err != nil {
		telemetry.LogError("terminate all failed", err)
	}
	o.ports.ReleaseAll()
	o.store.AppendEvent("rush_stopped", map[string]any{"feature": o.cfg.Feature, "force": force})
	return nil
}

// Resume clears a pause state set by the Level Coordinator on retry
// exhaustion or by a manual operator pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	return o.store.SetPaused(false)
}

// Status is the run snapshot returned to callers (CLI status command,
// or an embedding caller).
type Status struct {
	Feature      string
	Running      bool
	CurrentLevel int
	Total        int
	Completed    int
	Failed       int
	Percent      float64
	Workers      map[int]state.WorkerRecord
	Levels       map[int]state.LevelRecord
	IsComplete   bool
}

func (o *Orchestrator) GetStatus() (Status, error) {
	doc, err := o.store.Load()
	if err != nil {
		return Status{}, err
	}

	total := len(doc.Tasks)
	completed, failed := 0, 0
	for _, t := range doc.Tasks {
		switch t.Status {
		case taskgraph.StatusComplete:
			completed++
		case taskgraph.StatusFailed:
			failed++
		}
	}
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}

	workers := make(map[int]state.WorkerRecord, len(doc.Workers))
	for id, w := range doc.Workers {
		workers[id] = *w
	}
	levels := make(map[int]state.LevelRecord, len(doc.Levels))
	for lvl, lr := range doc.Levels {
		levels[lvl] = *lr
	}

	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	return Status{
		Feature: o.cfg.Feature, Running: running, CurrentLevel: doc.CurrentLevel,
		Total: total, Completed: completed, Failed: failed, Percent: percent,
		Workers: workers, Levels: levels, IsComplete: !running && completed+failed == total,
	}, nil
}

// RetryTask resets a permanently failed task back to pending.
func (o *Orchestrator) RetryTask(taskID string) (bool, error) {
	doc, err := o.store.Load()
	if err != nil {
		return false, err
	}
	rec, ok := doc.Tasks[taskID]
	if !ok || rec.Status != taskgraph.StatusFailed {
		return false, nil
	}
	if err := o.store.ResetTaskRetry(taskID); err != nil {
		return false, err
	}
	var nilWorker *int
	if err := o.store.SetTaskStatus(taskID, taskgraph.StatusPending, nilWorker, ""); err != nil {
		return false, err
	}
	return true, nil
}

// RetryAllFailed retries every permanently failed task and returns their ids.
func (o *Orchestrator) RetryAllFailed() ([]string, error) {
	doc, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	var retried []string
	for taskID, rec := range doc.Tasks {
		if rec.Status != taskgraph.StatusFailed {
			continue
		}
		ok, err := o.RetryTask(taskID)
		if err != nil {
			return retried, err
		}
		if ok {
			retried = append(retried, taskID)
		}
	}
	return retried, nil
}
