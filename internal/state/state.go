// Package state implements the durable State Store: one JSON document per
// feature, guarded by a reload-before-write pattern so sibling processes
// (the orchestrator and every worker) mutating disjoint parts of the
// document keep each other's earlier writes. There is no cross-process
// file lock, so two processes saving at the same moment can still lose
// one of the two writes. A secondary SQLite
// table indexes task next_retry_at so get_tasks_ready_for_retry is an
// indexed query instead of a full document scan; the JSON document
// remains the single source of truth and the index is rebuilt from it on
// every load, never written to independently.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zerg/internal/errz"
	"zerg/internal/taskgraph"

	_ "modernc.org/sqlite"
)

// WorkerStatus mirrors the Worker Launcher's monitor() vocabulary.
type WorkerStatus string

const (
	WorkerInitializing  WorkerStatus = "initializing"
	WorkerReady         WorkerStatus = "ready"
	WorkerRunning       WorkerStatus = "running"
	WorkerIdle          WorkerStatus = "idle"
	WorkerCheckpointing WorkerStatus = "checkpointing"
	WorkerStopping      WorkerStatus = "stopping"
	WorkerStopped       WorkerStatus = "stopped"
	WorkerCrashed       WorkerStatus = "crashed"
	WorkerBlocked       WorkerStatus = "blocked"
)

// LevelState is one level's progress and merge status.
type LevelState string

const (
	LevelPending LevelState = "pending"
	LevelRunning LevelState = "running"
	LevelComplete LevelState = "complete"
)

// MergeState is the Level Coordinator's merge status vocabulary.
type MergeState string

const (
	MergePending    MergeState = "pending"
	MergeWaiting    MergeState = "waiting"
	MergeCollecting MergeState = "collecting"
	MergeMerging    MergeState = "merging"
	MergeValidating MergeState = "validating"
	MergeRebasing   MergeState = "rebasing"
	MergeComplete   MergeState = "complete"
	MergeConflict   MergeState = "conflict"
	MergeFailed     MergeState = "failed"
)

// TaskRecord is the orchestration view of one task's progress.
type TaskRecord struct {
	Status      taskgraph.Status `json:"status"`
	WorkerID    *int             `json:"worker_id,omitempty"`
	Error       string           `json:"error,omitempty"`
	RetryCount  int              `json:"retry_count"`
	LastRetryAt *time.Time       `json:"last_retry_at,omitempty"`
	NextRetryAt *time.Time       `json:"next_retry_at,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
}

// WorkerRecord is the persisted view of a WorkerState.
type WorkerRecord struct {
	WorkerID            int          `json:"worker_id"`
	Status              WorkerStatus `json:"status"`
	CurrentTask         string       `json:"current_task,omitempty"`
	Port                int          `json:"port,omitempty"`
	LauncherHandle      string       `json:"launcher_handle,omitempty"`
	WorktreePath        string       `json:"worktree_path,omitempty"`
	Branch              string       `json:"branch,omitempty"`
	StartedAt           *time.Time   `json:"started_at,omitempty"`
	ReadyAt             *time.Time   `json:"ready_at,omitempty"`
	LastTaskCompletedAt *time.Time   `json:"last_task_completed_at,omitempty"`
	TasksCompleted      int          `json:"tasks_completed"`
	ContextUsage        float64      `json:"context_usage"`
}

// LevelRecord is the persisted status of one level.
type LevelRecord struct {
	Status           LevelState `json:"status"`
	MergeStatus      MergeState `json:"merge_status"`
	MergeCommit      string     `json:"merge_commit,omitempty"`
	MergeDetails     string     `json:"merge_details,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	MergeCompletedAt *time.Time `json:"merge_completed_at,omitempty"`
}

// Event is one append-only execution_log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Doc is the full persisted run-state document for one feature.
type Doc struct {
	Feature      string                  `json:"feature"`
	StartedAt    time.Time               `json:"started_at"`
	CurrentLevel int                     `json:"current_level"`
	Tasks        map[string]*TaskRecord  `json:"tasks"`
	Workers      map[int]*WorkerRecord   `json:"workers"`
	Levels       map[int]*LevelRecord    `json:"levels"`
	ExecutionLog []Event                 `json:"execution_log"`
	Paused       bool                    `json:"paused"`
	Error        string                  `json:"error,omitempty"`
}

func newDoc(feature string) *Doc {
	return &Doc{
		Feature:      feature,
		StartedAt:    now(),
		Tasks:        make(map[string]*TaskRecord),
		Workers:      make(map[int]*WorkerRecord),
		Levels:       make(map[int]*LevelRecord),
		ExecutionLog: nil,
	}
}

// now is isolated so tests can fake it; production uses wall-clock time.
var now = time.Now

// Store is the durable State Store for one feature. All mutating
// operations take the lock, reload the document from disk, mutate, and
// save, so a sibling process's write that landed before the reload is
// kept. The lock is in-process only: a sibling process that saves between
// this reload and this save has its write overwritten.
type Store struct {
	mu       sync.Mutex
	dir      string
	feature  string
	path     string
	indexDB  *sql.DB
	cached   *Doc
}

// Open prepares a Store for feature rooted at stateDir. It does not
// load the document yet; call Load for that.
func Open(stateDir, feature string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errz.Wrap(errz.Configuration, "creating state directory", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(stateDir, fmt.Sprintf(".%s.retryidx.db", feature)))
	if err != nil {
		return nil, errz.Wrap(errz.Configuration, "opening retry index", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS retry_index (task_id TEXT PRIMARY KEY, next_retry_at INTEGER)`); err != nil {
		return nil, errz.Wrap(errz.Configuration, "migrating retry index", err)
	}
	return &Store{
		dir:     stateDir,
		feature: feature,
		path:    filepath.Join(stateDir, feature+".json"),
		indexDB: db,
	}, nil
}

func (s *Store) Close() error {
	if s.indexDB != nil {
		return s.indexDB.Close()
	}
	return nil
}

// Load reads the document from disk, creating an empty one if absent.
// A present-but-malformed document is a fatal StateError — callers must
// not silently reinitialize over operator-visible corruption.
func (s *Store) Load() (*Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.reloadLocked()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) reloadLocked() (*Doc, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		d := newDoc(s.feature)
		s.cached = d
		return d, nil
	}
	if err != nil {
		return nil, errz.Wrap(errz.StateCorruption, "reading state document "+s.path, err)
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errz.Wrap(errz.StateCorruption, "state document "+s.path+" is malformed or truncated", err)
	}
	if d.Tasks == nil {
		d.Tasks = make(map[string]*TaskRecord)
	}
	if d.Workers == nil {
		d.Workers = make(map[int]*WorkerRecord)
	}
	if d.Levels == nil {
		d.Levels = make(map[int]*LevelRecord)
	}
	s.cached = &d
	s.rebuildRetryIndexLocked(&d)
	return &d, nil
}

func (s *Store) rebuildRetryIndexLocked(d *Doc) {
	tx, err := s.indexDB.Begin()
	if err != nil {
		return
	}
	tx.Exec(`DELETE FROM retry_index`)
	for id, t := range d.Tasks {
		if t.NextRetryAt != nil {
			tx.Exec(`INSERT INTO retry_index (task_id, next_retry_at) VALUES (?, ?)`, id, t.NextRetryAt.Unix())
		}
	}
	tx.Commit()
}

// save atomically overwrites the document: write-to-temp-and-rename with
// an fsync of the containing directory so a crash between write and
// rename can never observe a half-written file.
func (s *Store) saveLocked(d *Doc) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errz.Wrap(errz.StateCorruption, "marshaling state document", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+s.feature+"-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}
	if dirFile, err := os.Open(s.dir); err == nil {
		dirFile.Sync()
		dirFile.Close()
	}
	s.cached = d
	return nil
}

// mutate reloads, applies fn, and saves — the mandatory reload-mutate-save
// sequence every write goes through.
func (s *Store) mutate(fn func(d *Doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.reloadLocked()
	if err != nil {
		return err
	}
	if err := fn(d); err != nil {
		return err
	}
	s.rebuildRetryIndexLocked(d)
	return s.saveLocked(d)
}

func appendEventLocked(d *Doc, name string, payload map[string]any) {
	d.ExecutionLog = append(d.ExecutionLog, Event{Timestamp: now(), Event: name, Payload: payload})
}

// SetTaskStatus performs a single read-modify-write: sets the task's
// status and optional fields, appends an execution_log entry, and saves.
func (s *Store) SetTaskStatus(taskID string, status taskgraph.Status, workerID *int, taskErr string) error {
	return s.mutate(func(d *Doc) error {
		rec, ok := d.Tasks[taskID]
		if !ok {
			rec = &TaskRecord{}
			d.Tasks[taskID] = rec
		}
		rec.Status = status
		if workerID != nil {
			rec.WorkerID = workerID
		}
		if taskErr != "" {
			rec.Error = taskErr
		}
		appendEventLocked(d, "task_status_changed", map[string]any{"task_id": taskID, "status": status})
		return nil
	})
}

// ClaimTask is an atomic compare-and-swap: it returns true iff the task's
// current status was pending and the claim was written for workerID.
func (s *Store) ClaimTask(taskID string, workerID int) (bool, error) {
	claimed := false
	err := s.mutate(func(d *Doc) error {
		rec, ok := d.Tasks[taskID]
		if !ok {
			rec = &TaskRecord{Status: taskgraph.StatusPending}
			d.Tasks[taskID] = rec
		}
		if rec.Status != taskgraph.StatusPending {
			return nil
		}
		wid := workerID
		rec.Status = taskgraph.StatusClaimed
		rec.WorkerID = &wid
		claimed = true
		appendEventLocked(d, "task_claimed", map[string]any{"task_id": taskID, "worker_id": workerID})
		return nil
	})
	return claimed, err
}

// ReleaseTask downgrades a task back to pending only if the current
// holder matches workerID.
func (s *Store) ReleaseTask(taskID string, workerID int) error {
	return s.mutate(func(d *Doc) error {
		rec, ok := d.Tasks[taskID]
		if !ok || rec.WorkerID == nil || *rec.WorkerID != workerID {
			return nil
		}
		rec.Status = taskgraph.StatusPending
		rec.WorkerID = nil
		appendEventLocked(d, "task_released", map[string]any{"task_id": taskID, "worker_id": workerID})
		return nil
	})
}

// SetWorkerState replaces the worker record wholesale.
func (s *Store) SetWorkerState(ws WorkerRecord) error {
	return s.mutate(func(d *Doc) error {
		cp := ws
		d.Workers[ws.WorkerID] = &cp
		return nil
	})
}

// SetWorkerReady sets status=ready and stamps ready_at.
func (s *Store) SetWorkerReady(workerID int) error {
	return s.mutate(func(d *Doc) error {
		w, ok := d.Workers[workerID]
		if !ok {
			w = &WorkerRecord{WorkerID: workerID}
			d.Workers[workerID] = w
		}
		w.Status = WorkerReady
		t := now()
		w.ReadyAt = &t
		appendEventLocked(d, "worker_ready", map[string]any{"worker_id": workerID})
		return nil
	})
}

// WaitForWorkersReady blocks, polling the store, until every listed
// worker is ready or timeout elapses.
func (s *Store) WaitForWorkersReady(workerIDs []int, timeout time.Duration) error {
	deadline := now().Add(timeout)
	for {
		d, err := s.Load()
		if err != nil {
			return err
		}
		allReady := true
		for _, id := range workerIDs {
			w, ok := d.Workers[id]
			if !ok || w.Status != WorkerReady {
				allReady = false
				break
			}
		}
		if allReady {
			return nil
		}
		if now().After(deadline) {
			return fmt.Errorf("timed out waiting for workers %v to become ready", workerIDs)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// SetLevelStatus sets a level's top-level status and, optionally, its
// merge commit.
func (s *Store) SetLevelStatus(level int, status LevelState, mergeCommit string) error {
	return s.mutate(func(d *Doc) error {
		l, ok := d.Levels[level]
		if !ok {
			l = &LevelRecord{}
			d.Levels[level] = l
		}
		l.Status = status
		if mergeCommit != "" {
			l.MergeCommit = mergeCommit
		}
		t := now()
		switch status {
		case LevelRunning:
			if l.StartedAt == nil {
				l.StartedAt = &t
			}
		case LevelComplete:
			l.CompletedAt = &t
		}
		return nil
	})
}

// SetLevelMergeStatus sets a level's merge_status and optional details.
func (s *Store) SetLevelMergeStatus(level int, mergeStatus MergeState, details string) error {
	return s.mutate(func(d *Doc) error {
		l, ok := d.Levels[level]
		if !ok {
			l = &LevelRecord{}
			d.Levels[level] = l
		}
		l.MergeStatus = mergeStatus
		if details != "" {
			l.MergeDetails = details
		}
		if mergeStatus == MergeComplete {
			t := now()
			l.MergeCompletedAt = &t
		}
		return nil
	})
}

// GetLevelMergeStatus reads a level's current merge_status.
func (s *Store) GetLevelMergeStatus(level int) (MergeState, error) {
	d, err := s.Load()
	if err != nil {
		return "", err
	}
	l, ok := d.Levels[level]
	if !ok {
		return MergePending, nil
	}
	return l.MergeStatus, nil
}

// GetTaskRetryCount reads a task's current retry count.
func (s *Store) GetTaskRetryCount(taskID string) (int, error) {
	d, err := s.Load()
	if err != nil {
		return 0, err
	}
	rec, ok := d.Tasks[taskID]
	if !ok {
		return 0, nil
	}
	return rec.RetryCount, nil
}

// IncrementTaskRetry increments and returns the new retry count.
func (s *Store) IncrementTaskRetry(taskID string) (int, error) {
	newCount := 0
	err := s.mutate(func(d *Doc) error {
		rec, ok := d.Tasks[taskID]
		if !ok {
			rec = &TaskRecord{}
			d.Tasks[taskID] = rec
		}
		rec.RetryCount++
		t := now()
		rec.LastRetryAt = &t
		newCount = rec.RetryCount
		return nil
	})
	return newCount, err
}

// ResetTaskRetry zeroes a task's retry counter and clears next_retry_at.
func (s *Store) ResetTaskRetry(taskID string) error {
	return s.mutate(func(d *Doc) error {
		rec, ok := d.Tasks[taskID]
		if !ok {
			return nil
		}
		rec.RetryCount = 0
		rec.NextRetryAt = nil
		return nil
	})
}

// SetTaskNextRetryAt records the next time a failed task should be
// re-admitted to pending.
func (s *Store) SetTaskNextRetryAt(taskID string, when time.Time) error {
	return s.mutate(func(d *Doc) error {
		rec, ok := d.Tasks[taskID]
		if !ok {
			rec = &TaskRecord{}
			d.Tasks[taskID] = rec
		}
		w := when
		rec.NextRetryAt = &w
		return nil
	})
}

// GetTasksReadyForRetry returns task ids whose next_retry_at has passed,
// served from the SQLite retry index rather than a full document scan.
func (s *Store) GetTasksReadyForRetry(asOf time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.reloadLocked(); err != nil {
		return nil, err
	}
	rows, err := s.indexDB.Query(`SELECT task_id FROM retry_index WHERE next_retry_at <= ?`, asOf.Unix())
	if err != nil {
		return nil, fmt.Errorf("querying retry index: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendEvent appends an execution_log entry and saves.
func (s *Store) AppendEvent(name string, payload map[string]any) error {
	return s.mutate(func(d *Doc) error {
		appendEventLocked(d, name, payload)
		return nil
	})
}

// SetPaused sets the run's paused flag.
func (s *Store) SetPaused(paused bool) error {
	return s.mutate(func(d *Doc) error {
		d.Paused = paused
		return nil
	})
}

// SetError records a run-level error message.
func (s *Store) SetError(message string) error {
	return s.mutate(func(d *Doc) error {
		d.Error = message
		return nil
	})
}

// SetCurrentLevel advances the persisted current_level pointer.
func (s *Store) SetCurrentLevel(level int) error {
	return s.mutate(func(d *Doc) error {
		d.CurrentLevel = level
		return nil
	})
}

// Exists reports whether a document is already on disk for this feature.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Delete removes the persisted document and its retry index.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.indexDB.Exec(`DELETE FROM retry_index`)
	return nil
}

// GenerateStateMD writes a human-readable Markdown snapshot of the
// current state. It is a convenience for operators, not read by the
// orchestrator itself.
func (s *Store) GenerateStateMD(outDir string) error {
	d, err := s.Load()
	if err != nil {
		return err
	}
	var b []byte
	b = append(b, []byte(fmt.Sprintf("# %s\n\ncurrent_level: %d\npaused: %v\n\n", d.Feature, d.CurrentLevel, d.Paused))...)
	for _, lvl := range sortedLevelKeys(d.Levels) {
		b = append(b, []byte(fmt.Sprintf("## Level %d\n\n| Task | Status | Worker | Retries |\n|---|---|---|---|\n", lvl))...)
		for id, t := range d.Tasks {
			worker := "-"
			if t.WorkerID != nil {
				worker = fmt.Sprintf("%d", *t.WorkerID)
			}
			b = append(b, []byte(fmt.Sprintf("| %s | %s | %s | %d |\n", id, t.Status, worker, t.RetryCount))...)
		}
		b = append(b, '\n')
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, d.Feature+"-state.md"), b, 0o644)
}

func sortedLevelKeys(m map[int]*LevelRecord) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
