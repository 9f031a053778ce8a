// Package level implements the Level Coordinator: the bounded-retry
// merge protocol that runs once all of a level's tasks have completed,
// folding every worker's branch into the feature branch before the next
// level is allowed to start.
package level

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"zerg/internal/errz"
	"zerg/internal/merge"
	"zerg/internal/state"
	"zerg/internal/telemetry"
)

// Config holds the merge knobs, mirroring the orchestrator's
// merge.timeout_seconds / merge.max_retries / merge.base_delay_seconds.
type Config struct {
	Feature          string
	TimeoutSeconds   int
	MaxRetries       int
	BaseDelaySeconds int
}

// Coordinator drives one level's merge to completion or to a paused,
// awaiting-intervention state once retries are exhausted.
type Coordinator struct {
	store *state.Store
	merge *merge.Coordinator
	cfg   Config
	sleep func(time.Duration)
}

func New(store *state.Store, mergeCoordinator *merge.Coordinator, cfg Config) *Coordinator {
	return &Coordinator{store: store, merge: mergeCoordinator, cfg: cfg, sleep: time.Sleep}
}

// backoffFor computes the exponential backoff before merge attempt N+1:
// 2^(attempt-1) * base_delay_seconds, i.e. base, 2*base, 4*base, ...
func backoffFor(attempt, baseDelaySeconds int) time.Duration {
	multiplier := 1
	for i := 1; i < attempt; i++ {
		multiplier *= 2
	}
	return time.Duration(multiplier*baseDelaySeconds) * time.Second
}

// RunLevel attempts the full merge flow up to cfg.MaxRetries times with
// exponential backoff between attempts, each bounded by
// cfg.TimeoutSeconds of wall-clock time. On exhaustion it pauses the run
// for operator intervention rather than failing the process outright.
func (c *Coordinator) RunLevel(ctx context.Context, lvl int, sources []merge.SourceBranch, targetBranch string, postMerge []merge.PostMergeValidation, trailingBranches []string) error {
	c.store.SetLevelMergeStatus(lvl, state.MergeWaiting, "")

	var lastResult merge.Result
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		c.store.SetLevelMergeStatus(lvl, state.MergeMerging, "")
		telemetry.TrackMergeAttempt(c.cfg.Feature, strconv.Itoa(lvl))

		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
		lastResult = c.merge.FullMergeFlow(attemptCtx, lvl, sources, targetBranch, postMerge, trailingBranches)
		cancel()

		if lastResult.Success {
			c.store.SetLevelMergeStatus(lvl, state.MergeComplete, "")
			c.store.SetLevelStatus(lvl, state.LevelComplete, lastResult.MergeCommit)
			c.store.AppendEvent("level_complete", map[string]any{"level": lvl, "merge_commit": lastResult.MergeCommit})
			return nil
		}

		if lastResult.ConflictOn != "" {
			c.store.SetLevelMergeStatus(lvl, state.MergeConflict, lastResult.Error)
			telemetry.TrackMergeConflict(c.cfg.Feature, strconv.Itoa(lvl))
		} else {
			c.store.SetLevelMergeStatus(lvl, state.MergeFailed, lastResult.Error)
		}

		c.store.AppendEvent("merge_retry", map[string]any{
			"level": lvl, "attempt": attempt, "max_retries": c.cfg.MaxRetries, "error": lastResult.Error,
		})

		if attempt < c.cfg.MaxRetries {
			c.sleep(backoffFor(attempt, c.cfg.BaseDelaySeconds))
		}
	}

	msg := fmt.Sprintf("level %d: merge failed after %d attempts: %s", lvl, c.cfg.MaxRetries, lastResult.Error)
	c.store.AppendEvent("recoverable_error", map[string]any{"level": lvl, "error": msg})
	c.store.SetError(msg)
	c.store.SetPaused(true)
	return errz.Wrap(errz.MergeFailure, msg, nil)
}
