package git

import "context"

// GitClient is an interface for interacting with Git.
type GitClient interface {
	Clone(ctx context.Context, repoURL, directory string) error
	RepoExists(directory string) bool
	Config(directory, key, value string) error
	ConfigAddGlobal(key, value string) error
	RemoteBranchExists(directory, remote, branch string) (bool, error)
	Fetch(directory, remote, branch string) error
	Checkout(directory, branch string) error
	CheckoutNewBranch(directory, branch string) error
	Push(directory, branch string) error
	Pull(directory, remote, branch string) error
	WorktreeAdd(ctx context.Context, repoDir, worktreeDir, branch, base string) error
	WorktreeRemove(ctx context.Context, repoDir, worktreeDir string, force bool) error
	WorktreeList(ctx context.Context, repoDir string) ([]string, error)
	MergeNoFF(ctx context.Context, dir, branch, message string) error
	ConflictedFiles(dir string) ([]string, error)
	RebaseOnto(ctx context.Context, dir, newBase string) error
	RebaseAbort(dir string) error
	AbortMerge(dir string) error
	LocalBranchExists(dir, branch string) (bool, error)
	CurrentBranch(dir string) (string, error)
	DeleteLocalBranch(dir, branch string) error
	HeadCommit(dir string) (string, error)
	CreateTag(dir, name string) error
}
