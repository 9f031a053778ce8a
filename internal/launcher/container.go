package launcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"

	"zerg/internal/docker"
	"zerg/internal/telemetry"
)

func listRunningOptions() dockercontainer.ListOptions {
	return dockercontainer.ListOptions{}
}

const (
	readinessTimeout   = 30 * time.Second
	processProbeTimeout = 120 * time.Second
	livenessGrace      = 60 * time.Second
	probeInterval      = 2 * time.Second
)

type containerWorker struct {
	handle    Handle
	spec      Spec
	startedAt time.Time
}

// ContainerLauncher spawns workers as Docker containers. The container's
// primary process is "sleep infinity" so it survives worker exit for
// inspection; work happens through an entry script exec'd via docker
// exec that in turn execs the worker binary and drops back to idle.
type ContainerLauncher struct {
	mu      sync.Mutex
	workers map[int]*containerWorker
	client  docker.IClient
}

func NewContainerLauncher(client docker.IClient) *ContainerLauncher {
	return &ContainerLauncher{workers: make(map[int]*containerWorker), client: client}
}

func markerPath(feature string) string {
	return "/tmp/." + feature + "-alive"
}

func exitCodePath(feature string) string {
	return "/tmp/." + feature + "-exitcode"
}

// entryScript is exec'd inside the container: it creates the liveness
// marker, runs the worker binary to completion, writes its exit code to
// exitCodePath, removes the marker, then drops to sleep infinity so the
// outer container stays inspectable. This exec never returns (it's
// launched fire-and-forget); Monitor reads the exit code back from
// exitCodePath once the marker is gone.
func entryScript(feature, binary string, args []string) []string {
	cmdLine := binary
	for _, a := range args {
		cmdLine += " " + shellQuote(a)
	}
	marker := markerPath(feature)
	exitFile := exitCodePath(feature)
	script := fmt.Sprintf(
		`touch %s; %s; echo $? > %s; rm -f %s; sleep infinity`,
		marker, cmdLine, exitFile, marker,
	)
	return []string{"/bin/sh", "-c", script}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (l *ContainerLauncher) Spawn(ctx context.Context, spec Spec) SpawnResult {
	env := BuildEnv(Injected{
		WorkerID: spec.WorkerID, Feature: spec.Feature, Worktree: spec.Worktree,
		Branch: spec.Branch, SpecDir: spec.SpecDir, StateDir: spec.StateDir,
		RepoPath: spec.RepoPath, LogDir: spec.LogDir, TaskGraph: spec.TaskGraph,
	}, spec.CallerEnv, spec.Allowlist)

	containerID, err := l.client.RunContainer(ctx, spec.Image, spec.Worktree, spec.ExtraBinds, env, spec.User)
	if err != nil {
		telemetry.TrackWorkerLaunch(spec.Feature, "container")
		return SpawnResult{Success: false, Error: fmt.Errorf("run container for worker %d: %w", spec.WorkerID, err)}
	}

	if err := l.waitForRunning(ctx, containerID); err != nil {
		l.client.RemoveContainer(ctx, containerID, true)
		return SpawnResult{Success: false, Error: err}
	}

	// Launch the entry script in the background; it's a long-lived exec
	// (ends in sleep infinity) so we don't wait on it here.
	go l.client.Exec(context.Background(), containerID, entryScript(spec.Feature, spec.BinaryPath, spec.Args))

	if err := l.waitForProcess(ctx, containerID, spec.BinaryPath); err != nil {
		l.client.RemoveContainer(ctx, containerID, true)
		return SpawnResult{Success: false, Error: err}
	}

	handle := Handle{WorkerID: spec.WorkerID, Backend: Container, ContainerID: containerID, StartedAt: time.Now()}
	l.mu.Lock()
	l.workers[spec.WorkerID] = &containerWorker{handle: handle, spec: spec, startedAt: time.Now()}
	l.mu.Unlock()

	telemetry.TrackWorkerLaunch(spec.Feature, "container")
	return SpawnResult{Success: true, Handle: handle}
}

func (l *ContainerLauncher) waitForRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(readinessTimeout)
	for time.Now().Before(deadline) {
		containers, err := l.client.ListContainers(ctx, listRunningOptions())
		if err == nil {
			for _, c := range containers {
				if c.ID == containerID {
					return nil
				}
			}
		}
		time.Sleep(probeInterval)
	}
	return fmt.Errorf("container %s did not reach running state within %s", containerID, readinessTimeout)
}

func (l *ContainerLauncher) waitForProcess(ctx context.Context, containerID, binary string) error {
	deadline := time.Now().Add(processProbeTimeout)
	name := binaryBaseName(binary)
	for time.Now().Before(deadline) {
		code, _, err := l.client.ExecExitCode(ctx, containerID, []string{"pgrep", "-f", name})
		if err == nil && code == 0 {
			return nil
		}
		time.Sleep(probeInterval)
	}
	return fmt.Errorf("worker process %s did not appear in container %s within %s", name, containerID, processProbeTimeout)
}

func binaryBaseName(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

func (l *ContainerLauncher) SpawnAsync(ctx context.Context, spec Spec) <-chan SpawnResult {
	ch := make(chan SpawnResult, 1)
	go func() { ch <- l.Spawn(ctx, spec); close(ch) }()
	return ch
}

// Monitor implements the liveness probe: after a 60s grace period, the
// marker file's absence means the worker has exited even though the
// outer container (sleep infinity) is still running.
func (l *ContainerLauncher) Monitor(ctx context.Context, workerID int) (Outcome, error) {
	l.mu.Lock()
	w, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return Crashed, ErrNotFound
	}

	if time.Since(w.startedAt) < livenessGrace {
		return Running, nil
	}

	marker := markerPath(w.spec.Feature)
	code, _, err := l.client.ExecExitCode(ctx, w.handle.ContainerID, []string{"test", "-f", marker})
	if err != nil {
		return Crashed, fmt.Errorf("liveness probe for worker %d: %w", workerID, err)
	}
	if code == 0 {
		return Running, nil
	}

	_, out, err := l.client.ExecExitCode(ctx, w.handle.ContainerID, []string{"cat", exitCodePath(w.spec.Feature)})
	if err != nil {
		return Stopped, nil
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return Stopped, nil
	}
	return ClassifyExitCode(code), nil
}

func (l *ContainerLauncher) MonitorAsync(ctx context.Context, workerID int) <-chan monitorEvent {
	ch := make(chan monitorEvent, 1)
	go func() {
		o, err := l.Monitor(ctx, workerID)
		ch <- monitorEvent{Outcome: o, Err: err}
		close(ch)
	}()
	return ch
}

func (l *ContainerLauncher) Terminate(ctx context.Context, workerID int, force bool) error {
	l.mu.Lock()
	w, ok := l.workers[workerID]
	if ok {
		delete(l.workers, workerID)
	}
	l.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if force {
		return l.client.KillContainer(ctx, w.handle.ContainerID)
	}
	return l.client.StopContainer(ctx, w.handle.ContainerID)
}

func (l *ContainerLauncher) TerminateAll(ctx context.Context, force bool) error {
	l.mu.Lock()
	ids := make([]int, 0, len(l.workers))
	for id := range l.workers {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := l.Terminate(ctx, id, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *ContainerLauncher) GetOutput(ctx context.Context, workerID int) (string, string, error) {
	l.mu.Lock()
	w, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return "", "", ErrNotFound
	}
	out, err := l.client.Exec(ctx, w.handle.ContainerID, []string{"sh", "-c", "tail -n 500 /proc/1/fd/1 2>/dev/null || true"})
	return out, "", err
}

func (l *ContainerLauncher) GetHandle(workerID int) (Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.workers[workerID]
	if !ok {
		return Handle{}, false
	}
	return w.handle, true
}

// SyncState reconciles the handle map against the runtime's live
// container list, dropping any worker whose container no longer exists.
func (l *ContainerLauncher) SyncState(ctx context.Context) error {
	containers, err := l.client.ListContainers(ctx, listRunningOptions())
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(containers))
	for _, c := range containers {
		live[c.ID] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.workers {
		if !live[w.handle.ContainerID] {
			delete(l.workers, id)
		}
	}
	return nil
}
