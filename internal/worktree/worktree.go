// Package worktree implements the Worktree Manager: a per-worker
// isolated filesystem view of the repository on a dedicated branch, so
// concurrent workers can edit files without colliding.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"

	"zerg/internal/git"
)

// Info describes a created worktree.
type Info struct {
	Path   string
	Branch string
}

// Manager owns the worktrees root directory for a repository; its
// contents are exclusively managed by this type.
type Manager struct {
	repoDir string
	root    string // worktrees root, e.g. <repo>/.worktrees
	git     git.GitClient
}

// New builds a Manager rooted at <repoDir>/.worktrees.
func New(repoDir string, gitClient git.GitClient) *Manager {
	return &Manager{
		repoDir: repoDir,
		root:    filepath.Join(repoDir, ".worktrees"),
		git:     gitClient,
	}
}

func branchName(feature string, workerID int) string {
	return fmt.Sprintf("%s/worker-%d", feature, workerID)
}

// Create checks out a new worktree for worker workerID of feature,
// branching from the current feature-branch tip (base).
func (m *Manager) Create(ctx context.Context, feature string, workerID int, base string) (Info, error) {
	branch := branchName(feature, workerID)
	path := filepath.Join(m.root, feature, fmt.Sprintf("worker-%d", workerID))
	if err := m.git.WorktreeAdd(ctx, m.repoDir, path, branch, base); err != nil {
		return Info{}, fmt.Errorf("creating worktree for worker %d: %w", workerID, err)
	}
	return Info{Path: path, Branch: branch}, nil
}

// Delete removes a worktree directory and, if force, its branch too.
// It tolerates stale lock files left behind by a crashed worker.
func (m *Manager) Delete(ctx context.Context, info Info, force bool) error {
	if err := m.git.WorktreeRemove(ctx, m.repoDir, info.Path, force); err != nil {
		return fmt.Errorf("removing worktree %s: %w", info.Path, err)
	}
	if force {
		_ = m.git.DeleteLocalBranch(m.repoDir, info.Branch)
	}
	return nil
}

// GetWorktreePath returns the expected path for a worker's worktree, or
// ok=false if none is registered.
func (m *Manager) GetWorktreePath(ctx context.Context, feature string, workerID int) (path string, ok bool) {
	path = filepath.Join(m.root, feature, fmt.Sprintf("worker-%d", workerID))
	paths, err := m.git.WorktreeList(ctx, m.repoDir)
	if err != nil {
		return "", false
	}
	for _, p := range paths {
		if p == path {
			return path, true
		}
	}
	return "", false
}

// BranchFor returns the deterministic branch name for a worker.
func BranchFor(feature string, workerID int) string {
	return branchName(feature, workerID)
}
