// Package merge implements the Merge Coordinator: it merges a set of
// worker branches onto a feature branch, in ascending worker-id order,
// then rebases any branches that belong to later-level workers already
// spawned, grounded on the teacher's git Client (no-fast-forward merge,
// conflict detection via diff --name-only --diff-filter=U).
package merge

import (
	"context"
	"fmt"
	"sort"

	"zerg/internal/git"
)

// Result is the outcome of a full merge flow for one level.
type Result struct {
	Success     bool
	Level       int
	MergeCommit string
	Error       string
	ConflictOn  string // source branch that conflicted, if any
}

// SourceBranch is one worker's branch to merge, ordered by WorkerID.
type SourceBranch struct {
	WorkerID int
	Branch   string
}

// Coordinator runs full_merge_flow against a repository checkout.
type Coordinator struct {
	repoDir string
	git     git.GitClient
}

func New(repoDir string, gitClient git.GitClient) *Coordinator {
	return &Coordinator{repoDir: repoDir, git: gitClient}
}

// PostMergeValidation is a check run after all branches merge, before
// the level's merge commit is considered valid; a non-nil error fails
// the merge flow.
type PostMergeValidation func(ctx context.Context, repoDir string) error

// FullMergeFlow merges sourceBranches onto targetBranch in ascending
// worker-id order, runs postMerge validations, tags the tip, and
// rebases trailingBranches onto it.
func (c *Coordinator) FullMergeFlow(
	ctx context.Context,
	level int,
	sourceBranches []SourceBranch,
	targetBranch string,
	postMerge []PostMergeValidation,
	trailingBranches []string,
) Result {
	if err := c.git.Checkout(c.repoDir, targetBranch); err != nil {
		return Result{Success: false, Level: level, Error: fmt.Sprintf("checkout %s: %v", targetBranch, err)}
	}

	ordered := make([]SourceBranch, len(sourceBranches))
	copy(ordered, sourceBranches)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].WorkerID < ordered[j].WorkerID })

	for _, sb := range ordered {
		msg := fmt.Sprintf("merge: level %d worker %d (%s)", level, sb.WorkerID, sb.Branch)
		if err := c.git.MergeNoFF(ctx, c.repoDir, sb.Branch, msg); err != nil {
			conflicted, _ := c.git.ConflictedFiles(c.repoDir)
			c.git.AbortMerge(c.repoDir)
			detail := fmt.Sprintf("conflict merging %s", sb.Branch)
			if len(conflicted) > 0 {
				detail = fmt.Sprintf("%s (files: %v)", detail, conflicted)
			}
			return Result{Success: false, Level: level, Error: detail, ConflictOn: sb.Branch}
		}
	}

	for _, validate := range postMerge {
		if err := validate(ctx, c.repoDir); err != nil {
			return Result{Success: false, Level: level, Error: fmt.Sprintf("post-merge validation failed: %v", err)}
		}
	}

	tip, err := c.git.HeadCommit(c.repoDir)
	if err != nil {
		return Result{Success: false, Level: level, Error: fmt.Sprintf("resolving merge commit: %v", err)}
	}
	tagName := fmt.Sprintf("%s-level-%d", targetBranch, level)
	if err := c.git.CreateTag(c.repoDir, tagName); err != nil {
		return Result{Success: false, Level: level, Error: fmt.Sprintf("tagging level %d tip: %v", level, err)}
	}

	for _, branch := range trailingBranches {
		if err := c.git.Checkout(c.repoDir, branch); err != nil {
			return Result{Success: false, Level: level, Error: fmt.Sprintf("checkout trailing branch %s: %v", branch, err)}
		}
		if err := c.git.RebaseOnto(ctx, c.repoDir, targetBranch); err != nil {
			c.git.RebaseAbort(c.repoDir)
			return Result{Success: false, Level: level, Error: fmt.Sprintf("rebase %s onto %s: %v", branch, targetBranch, err)}
		}
	}
	if len(trailingBranches) > 0 {
		c.git.Checkout(c.repoDir, targetBranch)
	}

	return Result{Success: true, Level: level, MergeCommit: tip}
}
