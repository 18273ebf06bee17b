package graph

import (
	"errors"
	"slices"
	"testing"

	"github.com/ShayCichocki/hive/pkg/models"
)

func task(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Dependencies: deps}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*models.Task
		wantErr error
	}{
		{"empty", nil, nil},
		{"chain", []*models.Task{task("a"), task("b", "a"), task("c", "b")}, nil},
		{"diamond", []*models.Task{task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")}, nil},
		{"unknown dependency", []*models.Task{task("a", "ghost")}, ErrUnknownDependency},
		{"self loop", []*models.Task{task("a", "a")}, ErrCycleDetected},
		{"two cycle", []*models.Task{task("a", "b"), task("b", "a")}, ErrCycleDetected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Build(tt.tasks)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCyclePath(t *testing.T) {
	g := New()
	err := g.Build([]*models.Task{task("a", "b"), task("b", "c"), task("c", "a")})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Build() error = %v, want cycle", err)
	}

	path := g.CyclePath()
	if len(path) != 4 || path[0] != path[len(path)-1] {
		t.Errorf("CyclePath() = %v, want closed path of 3 nodes", path)
	}
}

func TestReachable(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{task("a"), task("b", "a"), task("c", "b"), task("x")}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !g.Reachable("c", "a") {
		t.Error("a should be reachable from c")
	}
	if g.Reachable("a", "c") {
		t.Error("edges point at dependencies; c is not reachable from a")
	}
	if g.Reachable("x", "a") {
		t.Error("x has no dependencies")
	}
}

func TestAdd_DetectsCycleThroughNewNode(t *testing.T) {
	g := New()
	g.Add(task("a", "c"))
	g.Add(task("b", "a"))
	if g.HasCycle() {
		t.Fatal("dangling edge should not count as a cycle")
	}
	g.Add(task("c", "b"))
	if !g.HasCycle() {
		t.Error("expected cycle a -> c -> b -> a")
	}
}

func TestTopologicalSort(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Task{task("d", "b", "c"), task("c", "a"), task("b", "a"), task("a")}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	pos := func(id string) int { return slices.Index(order, id) }
	if pos("a") > pos("b") || pos("a") > pos("c") || pos("b") > pos("d") || pos("c") > pos("d") {
		t.Errorf("order %v violates dependencies", order)
	}
}
