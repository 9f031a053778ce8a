package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForExit(t *testing.T, l *SubprocessLauncher, workerID int, timeout time.Duration) Outcome {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o, err := l.Monitor(context.Background(), workerID)
		require.NoError(t, err)
		if o != Running {
			return o
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("worker did not exit in time")
	return Crashed
}

func TestSubprocessLauncher_SpawnAndExitSuccess(t *testing.T) {
	l := NewSubprocessLauncher("test-feature")
	dir := t.TempDir()

	result := l.Spawn(context.Background(), Spec{
		WorkerID: 1, Feature: "test-feature", Worktree: dir,
		BinaryPath: "/bin/true",
	})
	require.True(t, result.Success)

	assert.Equal(t, Stopped, waitForExit(t, l, 1, time.Second))
}

func TestSubprocessLauncher_SoftExitCodes(t *testing.T) {
	l := NewSubprocessLauncher("test-feature")
	dir := t.TempDir()

	result := l.Spawn(context.Background(), Spec{
		WorkerID: 2, Feature: "test-feature", Worktree: dir,
		BinaryPath: "/bin/sh", Args: []string{"-c", "exit 2"},
	})
	require.True(t, result.Success)
	assert.Equal(t, Checkpointing, waitForExit(t, l, 2, time.Second))
}

func TestSubprocessLauncher_CrashExitCode(t *testing.T) {
	l := NewSubprocessLauncher("test-feature")
	dir := t.TempDir()

	result := l.Spawn(context.Background(), Spec{
		WorkerID: 3, Feature: "test-feature", Worktree: dir,
		BinaryPath: "/bin/sh", Args: []string{"-c", "exit 17"},
	})
	require.True(t, result.Success)
	assert.Equal(t, Crashed, waitForExit(t, l, 3, time.Second))
}

func TestSubprocessLauncher_TerminateGraceful(t *testing.T) {
	l := NewSubprocessLauncher("test-feature")
	dir := t.TempDir()

	result := l.Spawn(context.Background(), Spec{
		WorkerID: 4, Feature: "test-feature", Worktree: dir,
		BinaryPath: "/bin/sh", Args: []string{"-c", "trap 'exit 0' TERM; sleep 30"},
	})
	require.True(t, result.Success)

	err := l.Terminate(context.Background(), 4, false)
	assert.NoError(t, err)

	_, found := l.GetHandle(4)
	assert.False(t, found, "handle removed after terminate")
}

func TestSubprocessLauncher_MonitorUnknownWorker(t *testing.T) {
	l := NewSubprocessLauncher("test-feature")
	_, err := l.Monitor(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}
