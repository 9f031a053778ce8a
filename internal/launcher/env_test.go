package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnv_AlwaysInjectsZergVars(t *testing.T) {
	env := BuildEnv(Injected{
		WorkerID: 3, Feature: "checkout-flow", Worktree: "/wt", Branch: "checkout-flow/worker-3",
		SpecDir: "/spec", StateDir: "/state", RepoPath: "/repo", LogDir: "/logs",
	}, nil, nil)

	m := toMap(env)
	assert.Equal(t, "3", m["ZERG_WORKER_ID"])
	assert.Equal(t, "checkout-flow", m["ZERG_FEATURE"])
	assert.Equal(t, "checkout-flow/worker-3", m["ZERG_BRANCH"])
}

func TestBuildEnv_PassesZergPrefixedCallerVars(t *testing.T) {
	env := BuildEnv(Injected{WorkerID: 1}, map[string]string{"ZERG_CUSTOM": "x"}, nil)
	assert.Contains(t, toMap(env), "ZERG_CUSTOM")
}

func TestBuildEnv_AllowlistedVarPassesThrough(t *testing.T) {
	env := BuildEnv(Injected{WorkerID: 1}, map[string]string{"ANTHROPIC_API_KEY": "sk-x"}, nil)
	assert.Equal(t, "sk-x", toMap(env)["ANTHROPIC_API_KEY"])
}

func TestBuildEnv_DenylistedVarDropped(t *testing.T) {
	env := BuildEnv(Injected{WorkerID: 1}, map[string]string{"LD_PRELOAD": "evil.so", "PATH": "/bin"}, nil)
	m := toMap(env)
	_, hasLD := m["LD_PRELOAD"]
	_, hasPath := m["PATH"]
	assert.False(t, hasLD)
	assert.False(t, hasPath)
}

func TestBuildEnv_NonAllowlistedVarDropped(t *testing.T) {
	env := BuildEnv(Injected{WorkerID: 1}, map[string]string{"RANDOM_SECRET": "x"}, nil)
	_, ok := toMap(env)["RANDOM_SECRET"]
	assert.False(t, ok)
}

func TestBuildEnv_ShellMetacharacterValueDropped(t *testing.T) {
	env := BuildEnv(Injected{WorkerID: 1}, map[string]string{"DEBUG": "true; rm -rf /"}, nil)
	_, ok := toMap(env)["DEBUG"]
	assert.False(t, ok)
}

func toMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
