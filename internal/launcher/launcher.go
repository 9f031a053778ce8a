// Package launcher implements the Worker Launcher: a pluggable backend
// that spawns, monitors, and terminates the per-worker process that does
// the actual task work, whether that's a bare subprocess, a Docker
// container, or a Kubernetes Job.
//
// Grounded on the teacher's session runner (internal/runner/session_executor.go,
// session_manager.go) for the subprocess lifecycle idiom, and on
// internal/docker/client.go for the container backend.
package launcher

import (
	"context"
	"errors"
	"time"
)

// Backend names a launcher implementation.
type Backend string

const (
	Auto       Backend = "auto"
	Subprocess Backend = "subprocess"
	Container  Backend = "container"
	Kubernetes Backend = "kubernetes"
)

// Outcome classifies how a worker stopped, per the exit-code protocol:
// 0 success, 2 checkpoint, 3 blocked, anything else is a crash.
type Outcome int

const (
	Running Outcome = iota
	Stopped
	Checkpointing
	Blocked
	Crashed
)

func (o Outcome) String() string {
	switch o {
	case Stopped:
		return "stopped"
	case Checkpointing:
		return "checkpointing"
	case Blocked:
		return "blocked"
	case Crashed:
		return "crashed"
	default:
		return "running"
	}
}

// ClassifyExitCode maps a worker's process exit code to an Outcome per
// the documented soft-exit-code protocol. Do not extend this set; any
// code outside {0,2,3} is a crash by design.
func ClassifyExitCode(code int) Outcome {
	switch code {
	case 0:
		return Stopped
	case 2:
		return Checkpointing
	case 3:
		return Blocked
	default:
		return Crashed
	}
}

// Spec describes one worker to spawn.
type Spec struct {
	WorkerID  int
	Feature   string
	Worktree  string // host path to the worker's git worktree
	Branch    string
	SpecDir   string
	StateDir  string
	RepoPath  string
	LogDir    string
	TaskGraph string

	// BinaryPath is the worker executable to run (subprocess backend) or
	// the in-image entry script to exec (container backend).
	BinaryPath string
	Args       []string

	// CallerEnv and Allowlist feed BuildEnv; Allowlist nil means
	// DefaultAllowlist.
	CallerEnv map[string]string
	Allowlist []string

	// Image, ExtraBinds, User, Namespace are container/kubernetes-only.
	Image      string
	ExtraBinds []string
	User       string
	Namespace  string
}

// Handle identifies a running (or recently running) worker to its
// launcher backend.
type Handle struct {
	WorkerID    int
	Backend     Backend
	PID         int    // subprocess backend
	ContainerID string // container backend
	JobName     string // kubernetes backend
	StartedAt   time.Time
}

// SpawnResult is the outcome of Spawn.
type SpawnResult struct {
	Handle  Handle
	Success bool
	Error   error
}

// ErrNotFound is returned by Monitor/Terminate/GetOutput for an unknown
// worker ID.
var ErrNotFound = errors.New("launcher: worker not found")

// Launcher is the contract every backend satisfies. Spawn is synchronous:
// the container backend returns once the container is running and the
// worker process has appeared in it, while the subprocess and kubernetes
// backends return as soon as the process is started or the Job is
// created, without a readiness wait. The async variants let a caller fan
// out spawns without blocking on each one serially.
type Launcher interface {
	Spawn(ctx context.Context, spec Spec) SpawnResult
	SpawnAsync(ctx context.Context, spec Spec) <-chan SpawnResult

	// Monitor reports the worker's current outcome. Running means the
	// worker process/container/job has not exited.
	Monitor(ctx context.Context, workerID int) (Outcome, error)
	MonitorAsync(ctx context.Context, workerID int) <-chan monitorEvent

	// Terminate stops a worker. force=false attempts a graceful signal
	// first, escalating to a forceful kill after a grace period;
	// force=true kills immediately.
	Terminate(ctx context.Context, workerID int, force bool) error
	TerminateAll(ctx context.Context, force bool) error

	GetOutput(ctx context.Context, workerID int) (stdout, stderr string, err error)
	GetHandle(workerID int) (Handle, bool)

	// SyncState reconciles the launcher's in-memory handle map against
	// the runtime's actual state (processes still alive, containers still
	// up), called on every iteration of the orchestrator's main loop.
	SyncState(ctx context.Context) error
}

type monitorEvent struct {
	Outcome Outcome
	Err     error
}
