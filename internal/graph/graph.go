// Package graph provides a dependency graph over task records.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ShayCichocki/hive/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates an edge points at a task outside the graph.
var ErrUnknownDependency = errors.New("unknown dependency")

// DependencyGraph is a directed graph of "depends on" edges between tasks.
// Nodes are addressed by id; the graph never holds pointers between tasks.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// cycle is the path of the last detected cycle, if any.
	cycle []string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]string),
	}
}

// Build constructs the graph from a slice of tasks.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// First pass: register all tasks as nodes.
	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	// Second pass: build edges from Dependencies.
	for _, task := range tasks {
		for _, depID := range task.Dependencies {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s: %w", task.ID, depID, ErrUnknownDependency)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(g.cycle, " -> "))
	}
	return nil
}

// Add inserts a single node with its edges. Unknown dependencies are kept
// as dangling edges so callers can add nodes in any order.
func (g *DependencyGraph) Add(task *models.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[task.ID] = task
	g.edges[task.ID] = append([]string(nil), task.Dependencies...)
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasCycleLocked()
}

// CyclePath returns the ids along the last detected cycle, first id repeated
// at the end.
func (g *DependencyGraph) CyclePath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.cycle...)
}

// hasCycleLocked assumes the write lock is held; it records the cycle path.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			if _, known := g.nodes[depID]; !known {
				continue
			}
			switch colors[depID] {
			case 1:
				start := slices.Index(stack, depID)
				g.cycle = append(append([]string(nil), stack[start:]...), depID)
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.sortedIDs() {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	g.cycle = nil
	return false
}

// Reachable reports whether to can be reached from `from` by following
// dependency edges.
func (g *DependencyGraph) Reachable(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, g.edges[id]...)
	}
	return false
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them. Ties are broken by id so the
// result is deterministic.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.hasCycleLocked() {
		return nil, fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(g.cycle, " -> "))
	}

	visited := make(map[string]bool)
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			if _, known := g.nodes[depID]; known {
				visit(depID)
			}
		}
		result = append(result, id)
	}

	for _, id := range g.sortedIDs() {
		visit(id)
	}
	return result, nil
}

func (g *DependencyGraph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
