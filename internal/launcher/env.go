package launcher

import (
	"strconv"
	"strings"
)

// AllowedEnvPrefix vars starting with this are always passed through from
// the caller's environment, no allowlist lookup required.
const AllowedEnvPrefix = "ZERG_"

// DefaultAllowlist is the set of caller-environment variable names (beyond
// the ZERG_ prefix) that may be passed through to a worker, per the
// security knob security.env_allowlist.
var DefaultAllowlist = []string{
	"CI", "DEBUG", "LOG_LEVEL", "VERBOSE", "TERM", "COLORTERM", "NO_COLOR",
	"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "NODE_ENV", "PYTHON_ENV",
	"RUST_BACKTRACE", "PYTEST_CURRENT_TEST",
}

// Denylist vars are never propagated to a worker, even if present on the
// allowlist or prefixed ZERG_ (a ZERG_ prefixed name can't collide with
// these, but a caller-supplied value still gets filtered for safety).
var Denylist = []string{
	"PATH", "LD_PRELOAD", "LD_LIBRARY_PATH", "DYLD_INSERT_LIBRARIES", "DYLD_LIBRARY_PATH",
	"PYTHONPATH", "NODE_PATH", "HOME", "USER", "SHELL", "TMPDIR", "TMP", "TEMP",
}

// shellMetacharacters is the set of characters that disqualify an
// env value from pass-through: a value that could break out of a shell
// invocation downstream in the worker's own tooling.
const shellMetacharacters = ";|&`$()<>"

// Injected carries the always-set ZERG_* variables for one worker.
type Injected struct {
	WorkerID int
	Feature  string
	Worktree string
	Branch   string
	SpecDir  string
	StateDir string
	RepoPath string
	LogDir   string
	TaskGraph string // optional
}

func (in Injected) toMap() map[string]string {
	m := map[string]string{
		"ZERG_WORKER_ID": strconv.Itoa(in.WorkerID),
		"ZERG_FEATURE":   in.Feature,
		"ZERG_WORKTREE":  in.Worktree,
		"ZERG_BRANCH":    in.Branch,
		"ZERG_SPEC_DIR":  in.SpecDir,
		"ZERG_STATE_DIR": in.StateDir,
		"ZERG_REPO_PATH": in.RepoPath,
		"ZERG_LOG_DIR":   in.LogDir,
	}
	if in.TaskGraph != "" {
		m["ZERG_TASK_GRAPH"] = in.TaskGraph
	}
	return m
}

func isDenied(name string) bool {
	for _, d := range Denylist {
		if name == d {
			return true
		}
	}
	return false
}

func isAllowed(name string, allowlist []string) bool {
	if strings.HasPrefix(name, AllowedEnvPrefix) {
		return true
	}
	for _, a := range allowlist {
		if name == a {
			return true
		}
	}
	return false
}

func hasShellMetacharacters(value string) bool {
	return strings.ContainsAny(value, shellMetacharacters)
}

// BuildEnv constructs the full KEY=VALUE environment slice for a worker:
// the always-injected ZERG_* vars, plus whatever of callerEnv survives
// the allowlist, denylist, and shell-metacharacter filters.
func BuildEnv(injected Injected, callerEnv map[string]string, allowlist []string) []string {
	if allowlist == nil {
		allowlist = DefaultAllowlist
	}

	out := make([]string, 0, len(callerEnv)+len(injected.toMap()))
	for k, v := range injected.toMap() {
		out = append(out, k+"="+v)
	}

	for k, v := range callerEnv {
		if isDenied(k) {
			continue
		}
		if !isAllowed(k, allowlist) {
			continue
		}
		if hasShellMetacharacters(v) {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}
