// Package taskgraph parses and validates the task-graph input document: a
// YAML description of a feature's tasks, grouped into levels, with
// per-task file-scope declarations and a verification command.
//
// The shape mirrors the teacher's TaskNode/TaskGraph model
// (dependencies, status, cycle detection via DFS, topological sort via
// Kahn's algorithm) generalized from a flat dependency graph to the
// spec's explicit level field and the cross-level-only dependency rule.
package taskgraph

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a single task within a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusVerifying  Status = "verifying"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusPaused     Status = "paused"
)

// Files lists the repo-relative paths a task declares it will touch.
type Files struct {
	Create []string `yaml:"create,omitempty" json:"create,omitempty"`
	Modify []string `yaml:"modify,omitempty" json:"modify,omitempty"`
	Read   []string `yaml:"read,omitempty" json:"read,omitempty"`
}

// Verification describes the shell command used to validate a task's output.
type Verification struct {
	Command        string `yaml:"command" json:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Task is immutable after the graph is loaded.
type Task struct {
	ID           string       `yaml:"id" json:"id"`
	Title        string       `yaml:"title" json:"title"`
	Level        int          `yaml:"level" json:"level"`
	Dependencies []string     `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Files        Files        `yaml:"files" json:"files"`
	Verification Verification `yaml:"verification" json:"verification"`
}

// document is the on-disk shape of the task graph input file.
type document struct {
	Feature string           `yaml:"feature"`
	Version string           `yaml:"version"`
	Tasks   []Task           `yaml:"tasks"`
	Levels  map[int][]string `yaml:"levels"`
}

// Graph is the parsed, validated task graph for a single feature run.
type Graph struct {
	Feature string
	Version string
	Tasks   map[string]*Task
	Levels  map[int][]string // level -> ordered task ids
	order   []int            // distinct levels ascending
}

// Load reads and validates a task graph document from path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task graph %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a task graph document's bytes and builds a Graph.
// All violations are collected and returned together rather than
// stopping at the first one found.
func Parse(data []byte) (*Graph, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing task graph: %w", err)
	}

	var problems []string

	tasks := make(map[string]*Task, len(doc.Tasks))
	for i := range doc.Tasks {
		t := &doc.Tasks[i]
		if t.ID == "" {
			problems = append(problems, fmt.Sprintf("task at index %d has empty id", i))
			continue
		}
		if _, dup := tasks[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
			continue
		}
		if t.Level <= 0 {
			problems = append(problems, fmt.Sprintf("task %q: level must be a positive integer, got %d", t.ID, t.Level))
		}
		if t.Verification.Command != "" && t.Verification.TimeoutSeconds <= 0 {
			problems = append(problems, fmt.Sprintf("task %q: verification.timeout_seconds must be positive when a command is set", t.ID))
		}
		tasks[t.ID] = t
	}

	// Dependencies must reference known tasks in strictly lower levels.
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			dt, ok := tasks[dep]
			if !ok {
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
				continue
			}
			if dt.Level >= t.Level {
				problems = append(problems, fmt.Sprintf("task %q (level %d) depends on %q (level %d); dependencies must be in a strictly lower level", t.ID, t.Level, dep, dt.Level))
			}
		}
	}

	// No two tasks in the same level may declare the same create path.
	byLevel := make(map[int][]*Task)
	for _, t := range tasks {
		byLevel[t.Level] = append(byLevel[t.Level], t)
	}
	for level, ts := range byLevel {
		seen := make(map[string]string)
		for _, t := range ts {
			for _, p := range t.Files.Create {
				if owner, ok := seen[p]; ok {
					problems = append(problems, fmt.Sprintf("level %d: both %q and %q declare create path %q", level, owner, t.ID, p))
					continue
				}
				seen[p] = t.ID
			}
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("task graph validation failed:\n  %s", strings.Join(problems, "\n  "))
	}

	levels := make(map[int][]string, len(doc.Levels))
	if len(doc.Levels) > 0 {
		for lvl, ids := range doc.Levels {
			cp := make([]string, len(ids))
			copy(cp, ids)
			levels[lvl] = cp
		}
	} else {
		for lvl, ts := range byLevel {
			ids := make([]string, 0, len(ts))
			for _, t := range ts {
				ids = append(ids, t.ID)
			}
			sort.Strings(ids)
			levels[lvl] = ids
		}
	}

	g := &Graph{
		Feature: doc.Feature,
		Version: doc.Version,
		Tasks:   tasks,
		Levels:  levels,
	}
	for lvl := range levels {
		g.order = append(g.order, lvl)
	}
	sort.Ints(g.order)

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// Levels in ascending order.
func (g *Graph) OrderedLevels() []int {
	out := make([]int, len(g.order))
	copy(out, g.order)
	return out
}

// TasksAt returns the ordered task ids for a level.
func (g *Graph) TasksAt(level int) []string {
	return g.Levels[level]
}

// Get returns a task by id.
func (g *Graph) Get(id string) (*Task, bool) {
	t, ok := g.Tasks[id]
	return t, ok
}

func (g *Graph) detectCycles() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Tasks))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		path = append(path, id)
		t := g.Tasks[id]
		for _, dep := range t.Dependencies {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case grey:
				return fmt.Errorf("task graph validation failed:\n  cycle detected: %s -> %s", strings.Join(path, " -> "), dep)
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalSort returns all task ids ordered so that every task appears
// after its dependencies, using Kahn's algorithm. Ties within a level are
// broken by id so the result is deterministic.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.Tasks))
	dependents := make(map[string][]string, len(g.Tasks))
	for id, t := range g.Tasks {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range t.Dependencies {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var out []string
	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(out) != len(g.Tasks) {
		return nil, fmt.Errorf("task graph has a cycle: only %d of %d tasks could be ordered", len(out), len(g.Tasks))
	}
	return out, nil
}
