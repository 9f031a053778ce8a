package worktree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	worktrees      map[string]string // path -> branch
	removed        []string
	branchesDeleted []string
}

func newFakeGit() *fakeGit { return &fakeGit{worktrees: make(map[string]string)} }

func (f *fakeGit) Clone(ctx context.Context, repoURL, directory string) error { return nil }
func (f *fakeGit) RepoExists(directory string) bool                          { return true }
func (f *fakeGit) Config(directory, key, value string) error                 { return nil }
func (f *fakeGit) ConfigAddGlobal(key, value string) error                   { return nil }
func (f *fakeGit) RemoteBranchExists(directory, remote, branch string) (bool, error) {
	return false, nil
}
func (f *fakeGit) Fetch(directory, remote, branch string) error       { return nil }
func (f *fakeGit) Checkout(directory, branch string) error            { return nil }
func (f *fakeGit) CheckoutNewBranch(directory, branch string) error   { return nil }
func (f *fakeGit) Push(directory, branch string) error                { return nil }
func (f *fakeGit) Pull(directory, remote, branch string) error        { return nil }
func (f *fakeGit) MergeNoFF(ctx context.Context, dir, branch, message string) error { return nil }
func (f *fakeGit) ConflictedFiles(dir string) ([]string, error)       { return nil, nil }
func (f *fakeGit) RebaseOnto(ctx context.Context, dir, newBase string) error { return nil }
func (f *fakeGit) RebaseAbort(dir string) error                       { return nil }
func (f *fakeGit) AbortMerge(dir string) error                        { return nil }
func (f *fakeGit) LocalBranchExists(dir, branch string) (bool, error) { return false, nil }
func (f *fakeGit) CurrentBranch(dir string) (string, error)           { return "main", nil }
func (f *fakeGit) DeleteLocalBranch(dir, branch string) error {
	f.branchesDeleted = append(f.branchesDeleted, branch)
	return nil
}

func (f *fakeGit) WorktreeAdd(ctx context.Context, repoDir, worktreeDir, branch, base string) error {
	f.worktrees[worktreeDir] = branch
	return nil
}
func (f *fakeGit) WorktreeRemove(ctx context.Context, repoDir, worktreeDir string, force bool) error {
	delete(f.worktrees, worktreeDir)
	f.removed = append(f.removed, worktreeDir)
	return nil
}
func (f *fakeGit) WorktreeList(ctx context.Context, repoDir string) ([]string, error) {
	var out []string
	for p := range f.worktrees {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeGit) HeadCommit(dir string) (string, error) { return "sha123", nil }
func (f *fakeGit) CreateTag(dir, name string) error      { return nil }

func TestCreate_DeterministicBranchName(t *testing.T) {
	fg := newFakeGit()
	m := New("/repo", fg)
	info, err := m.Create(context.Background(), "feat-x", 2, "main")
	require.NoError(t, err)
	assert.Equal(t, "feat-x/worker-2", info.Branch)
	assert.Contains(t, info.Path, "worker-2")
}

func TestDelete_ForceRemovesBranch(t *testing.T) {
	fg := newFakeGit()
	m := New("/repo", fg)
	info, err := m.Create(context.Background(), "feat-x", 1, "main")
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), info, true))
	assert.Contains(t, fg.branchesDeleted, "feat-x/worker-1")
}

func TestGetWorktreePath_FoundAfterCreate(t *testing.T) {
	fg := newFakeGit()
	m := New("/repo", fg)
	info, err := m.Create(context.Background(), "feat-x", 3, "main")
	require.NoError(t, err)

	path, ok := m.GetWorktreePath(context.Background(), "feat-x", 3)
	assert.True(t, ok)
	assert.Equal(t, info.Path, path)
}
