package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeGit struct {
	failMergeFor map[string]bool
	failRebase   bool
	mergedOrder  []string
	aborted      bool
	checkedOut   []string
	tagged       []string
}

func newFakeGit() *fakeGit { return &fakeGit{failMergeFor: make(map[string]bool)} }

func (f *fakeGit) Clone(ctx context.Context, repoURL, directory string) error { return nil }
func (f *fakeGit) RepoExists(directory string) bool                          { return true }
func (f *fakeGit) Config(directory, key, value string) error                 { return nil }
func (f *fakeGit) ConfigAddGlobal(key, value string) error                   { return nil }
func (f *fakeGit) RemoteBranchExists(directory, remote, branch string) (bool, error) {
	return false, nil
}
func (f *fakeGit) Fetch(directory, remote, branch string) error     { return nil }
func (f *fakeGit) Checkout(directory, branch string) error {
	f.checkedOut = append(f.checkedOut, branch)
	return nil
}
func (f *fakeGit) CheckoutNewBranch(directory, branch string) error { return nil }
func (f *fakeGit) Push(directory, branch string) error              { return nil }
func (f *fakeGit) Pull(directory, remote, branch string) error      { return nil }
func (f *fakeGit) MergeNoFF(ctx context.Context, dir, branch, message string) error {
	f.mergedOrder = append(f.mergedOrder, branch)
	if f.failMergeFor[branch] {
		return errors.New("CONFLICT (content): Merge conflict")
	}
	return nil
}
func (f *fakeGit) ConflictedFiles(dir string) ([]string, error) { return []string{"a.go"}, nil }
func (f *fakeGit) RebaseOnto(ctx context.Context, dir, newBase string) error {
	if f.failRebase {
		return errors.New("rebase conflict")
	}
	return nil
}
func (f *fakeGit) RebaseAbort(dir string) error                       { return nil }
func (f *fakeGit) AbortMerge(dir string) error                        { f.aborted = true; return nil }
func (f *fakeGit) LocalBranchExists(dir, branch string) (bool, error) { return false, nil }
func (f *fakeGit) CurrentBranch(dir string) (string, error)           { return "abc123", nil }
func (f *fakeGit) DeleteLocalBranch(dir, branch string) error         { return nil }
func (f *fakeGit) WorktreeAdd(ctx context.Context, repoDir, worktreeDir, branch, base string) error {
	return nil
}
func (f *fakeGit) WorktreeRemove(ctx context.Context, repoDir, worktreeDir string, force bool) error {
	return nil
}
func (f *fakeGit) WorktreeList(ctx context.Context, repoDir string) ([]string, error) {
	return nil, nil
}
func (f *fakeGit) HeadCommit(dir string) (string, error) { return "abc123", nil }
func (f *fakeGit) CreateTag(dir, name string) error {
	f.tagged = append(f.tagged, name)
	return nil
}

func TestFullMergeFlow_Success_AscendingOrder(t *testing.T) {
	fg := newFakeGit()
	c := New("/repo", fg)

	result := c.FullMergeFlow(context.Background(), 1, []SourceBranch{
		{WorkerID: 2, Branch: "feat/worker-2"},
		{WorkerID: 1, Branch: "feat/worker-1"},
	}, "feat", nil, nil)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"feat/worker-1", "feat/worker-2"}, fg.mergedOrder, "branches must merge in ascending worker-id order")
	assert.Equal(t, "abc123", result.MergeCommit, "merge_commit must be a revision SHA, not a branch name")
	assert.Equal(t, []string{"feat-level-1"}, fg.tagged, "the level's merge tip must be tagged")
}

func TestFullMergeFlow_Conflict_AbortsAndReports(t *testing.T) {
	fg := newFakeGit()
	fg.failMergeFor["feat/worker-2"] = true
	c := New("/repo", fg)

	result := c.FullMergeFlow(context.Background(), 1, []SourceBranch{
		{WorkerID: 1, Branch: "feat/worker-1"},
		{WorkerID: 2, Branch: "feat/worker-2"},
	}, "feat", nil, nil)

	assert.False(t, result.Success)
	assert.Equal(t, "feat/worker-2", result.ConflictOn)
	assert.True(t, fg.aborted)
	assert.Contains(t, result.Error, "a.go")
}

func TestFullMergeFlow_PostMergeValidationFailure(t *testing.T) {
	fg := newFakeGit()
	c := New("/repo", fg)
	failing := func(ctx context.Context, dir string) error { return errors.New("build failed") }

	result := c.FullMergeFlow(context.Background(), 1, []SourceBranch{{WorkerID: 1, Branch: "feat/worker-1"}}, "feat", []PostMergeValidation{failing}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "post-merge validation failed")
}

func TestFullMergeFlow_RebasesTrailingBranches(t *testing.T) {
	fg := newFakeGit()
	c := New("/repo", fg)

	result := c.FullMergeFlow(context.Background(), 1, []SourceBranch{{WorkerID: 1, Branch: "feat/worker-1"}}, "feat", nil, []string{"feat/worker-5"})
	assert.True(t, result.Success)
	assert.Contains(t, fg.checkedOut, "feat/worker-5")
}

func TestFullMergeFlow_PartialSuccessLeavesAdvancedTarget(t *testing.T) {
	fg := newFakeGit()
	fg.failMergeFor["feat/worker-2"] = true
	c := New("/repo", fg)

	result := c.FullMergeFlow(context.Background(), 1, []SourceBranch{
		{WorkerID: 1, Branch: "feat/worker-1"},
		{WorkerID: 2, Branch: "feat/worker-2"},
	}, "feat", nil, nil)

	assert.False(t, result.Success)
	assert.Contains(t, fg.mergedOrder, "feat/worker-1", "worker-1 merge must have been attempted before worker-2 conflicted")
}
