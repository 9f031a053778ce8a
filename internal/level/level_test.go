package level

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerg/internal/merge"
	"zerg/internal/state"
)

type fakeGit struct {
	failAlways bool
	attempts   int
}

func (f *fakeGit) Clone(ctx context.Context, repoURL, directory string) error { return nil }
func (f *fakeGit) RepoExists(directory string) bool                          { return true }
func (f *fakeGit) Config(directory, key, value string) error                 { return nil }
func (f *fakeGit) ConfigAddGlobal(key, value string) error                   { return nil }
func (f *fakeGit) RemoteBranchExists(directory, remote, branch string) (bool, error) {
	return false, nil
}
func (f *fakeGit) Fetch(directory, remote, branch string) error     { return nil }
func (f *fakeGit) Checkout(directory, branch string) error          { return nil }
func (f *fakeGit) CheckoutNewBranch(directory, branch string) error { return nil }
func (f *fakeGit) Push(directory, branch string) error              { return nil }
func (f *fakeGit) Pull(directory, remote, branch string) error      { return nil }
func (f *fakeGit) MergeNoFF(ctx context.Context, dir, branch, message string) error {
	f.attempts++
	if f.failAlways {
		return errors.New("CONFLICT")
	}
	return nil
}
func (f *fakeGit) ConflictedFiles(dir string) ([]string, error)       { return []string{"x.go"}, nil }
func (f *fakeGit) RebaseOnto(ctx context.Context, dir, newBase string) error { return nil }
func (f *fakeGit) RebaseAbort(dir string) error                              { return nil }
func (f *fakeGit) AbortMerge(dir string) error                               { return nil }
func (f *fakeGit) LocalBranchExists(dir, branch string) (bool, error)       { return false, nil }
func (f *fakeGit) CurrentBranch(dir string) (string, error)                 { return "sha123", nil }
func (f *fakeGit) DeleteLocalBranch(dir, branch string) error               { return nil }
func (f *fakeGit) WorktreeAdd(ctx context.Context, repoDir, worktreeDir, branch, base string) error {
	return nil
}
func (f *fakeGit) WorktreeRemove(ctx context.Context, repoDir, worktreeDir string, force bool) error {
	return nil
}
func (f *fakeGit) WorktreeList(ctx context.Context, repoDir string) ([]string, error) { return nil, nil }
func (f *fakeGit) HeadCommit(dir string) (string, error)                              { return "sha123", nil }
func (f *fakeGit) CreateTag(dir, name string) error                                  { return nil }

func newTestCoordinator(t *testing.T, fg *fakeGit, maxRetries int) (*Coordinator, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir(), "feat")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := merge.New("/repo", fg)
	c := New(store, mc, Config{Feature: "feat", TimeoutSeconds: 5, MaxRetries: maxRetries, BaseDelaySeconds: 0})
	c.sleep = func(time.Duration) {} // don't actually wait in tests
	return c, store
}

func TestRunLevel_SucceedsFirstAttempt(t *testing.T) {
	fg := &fakeGit{}
	c, store := newTestCoordinator(t, fg, 3)

	err := c.RunLevel(context.Background(), 1, []merge.SourceBranch{{WorkerID: 1, Branch: "feat/worker-1"}}, "feat", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fg.attempts)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.LevelComplete, doc.Levels[1].Status)
	assert.Equal(t, state.MergeComplete, doc.Levels[1].MergeStatus)
}

func TestRunLevel_ExhaustsRetriesAndPauses(t *testing.T) {
	fg := &fakeGit{failAlways: true}
	c, store := newTestCoordinator(t, fg, 3)

	err := c.RunLevel(context.Background(), 1, []merge.SourceBranch{{WorkerID: 1, Branch: "feat/worker-1"}}, "feat", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 3, fg.attempts)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.True(t, doc.Paused)
	assert.NotEmpty(t, doc.Error)
}

func TestBackoffFor_DoublesEachAttempt(t *testing.T) {
	assert.Equal(t, 10*time.Second, backoffFor(1, 10))
	assert.Equal(t, 20*time.Second, backoffFor(2, 10))
	assert.Equal(t, 40*time.Second, backoffFor(3, 10))
}
