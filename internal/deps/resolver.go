// Package deps decides when a task may run and validates dependency sets
// at creation time.
package deps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	// ErrInvalidDependency is returned when a dependency names an unknown
	// task or the task itself.
	ErrInvalidDependency = errors.New("invalid dependency")
	// ErrCyclicDependency is returned when a dependency set would close a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrInvalidParent is returned when parent_id names an unknown task.
	ErrInvalidParent = errors.New("invalid parent")
)

// maxReplacementHops bounds how far Effective follows replaced_by links.
const maxReplacementHops = 8

// State summarises a task's dependency set.
type State int

const (
	// Satisfied means every dependency is completed.
	Satisfied State = iota
	// Pending means at least one dependency has not finished yet.
	Pending
	// Broken means a dependency failed, was cancelled or no longer exists.
	Broken
)

func (s State) String() string {
	switch s {
	case Satisfied:
		return "satisfied"
	case Pending:
		return "pending"
	case Broken:
		return "broken"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Verdict is the outcome of checking a dependency set.
type Verdict struct {
	State State
	// Culprit is the dependency that broke the set, when State is Broken.
	Culprit string
	// Reason is a human-readable explanation for a Broken verdict.
	Reason string
}

// Resolver evaluates dependencies against the store.
type Resolver struct {
	store store.Store
	now   func() time.Time
}

// NewResolver creates a resolver over s.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s, now: time.Now}
}

// Effective returns the record that decides the outcome of id. A task
// cancelled in favour of a replacement resolves through the replacement.
func (r *Resolver) Effective(ctx context.Context, id string) (*models.Task, error) {
	t, err := r.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	for hops := 0; hops < maxReplacementHops; hops++ {
		next := t.MetaString(models.MetaReplacedBy)
		if t.Status != models.TaskStatusCancelled || next == "" {
			return t, nil
		}
		rt, err := r.store.Read(ctx, next)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return t, nil
			}
			return nil, err
		}
		t = rt
	}
	return t, nil
}

// Check classifies the dependency set of t.
func (r *Resolver) Check(ctx context.Context, t *models.Task) (Verdict, error) {
	v := Verdict{State: Satisfied}
	for _, depID := range t.Dependencies {
		dep, err := r.Effective(ctx, depID)
		if errors.Is(err, store.ErrNotFound) {
			return Verdict{State: Broken, Culprit: depID, Reason: fmt.Sprintf("dependency %s missing", depID)}, nil
		}
		if err != nil {
			return Verdict{}, fmt.Errorf("resolve dependency %s: %w", depID, err)
		}

		switch dep.Status {
		case models.TaskStatusCompleted:
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			return Verdict{State: Broken, Culprit: depID, Reason: fmt.Sprintf("dependency %s %s", depID, dep.Status)}, nil
		default:
			v.State = Pending
		}
	}
	return v, nil
}

// IsRunnable reports whether t is blocked or available and every
// dependency has completed.
func (r *Resolver) IsRunnable(ctx context.Context, t *models.Task) (bool, error) {
	if t.Status != models.TaskStatusAvailable && t.Status != models.TaskStatusBlocked {
		return false, nil
	}
	if t.Status == models.TaskStatusBlocked && leftToMonitor(t) {
		return false, nil
	}
	v, err := r.Check(ctx, t)
	if err != nil {
		return false, err
	}
	return v.State == Satisfied, nil
}

// InitialStatus returns the status a new task with deps starts in.
func (r *Resolver) InitialStatus(ctx context.Context, deps []string) (models.TaskStatus, error) {
	v, err := r.Check(ctx, &models.Task{Dependencies: deps})
	if err != nil {
		return "", err
	}
	if v.State == Satisfied {
		return models.TaskStatusAvailable, nil
	}
	return models.TaskStatusBlocked, nil
}

// Recompute moves a waiting task to the status its dependencies imply:
// blocked to available once they are satisfied, to failed when one broke,
// and available back to blocked when one was reopened. Tasks waiting on
// children or on replanning are left to the monitor. It reports whether
// the record changed.
func (r *Resolver) Recompute(ctx context.Context, id string) (*models.Task, bool, error) {
	t, err := r.store.Read(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !eligible(t) {
		return t, false, nil
	}

	v, err := r.Check(ctx, t)
	if err != nil {
		return nil, false, err
	}
	target := targetStatus(v.State)
	if target == t.Status {
		return t, false, nil
	}

	seen := t.Revision
	updated, err := r.store.Update(ctx, id, func(t *models.Task) error {
		// The verdict was computed against the revision we read.
		if t.Revision != seen || !eligible(t) {
			return store.ErrConflict
		}
		t.Status = target
		if target == models.TaskStatusFailed {
			now := r.now().UTC()
			t.CompletedAt = &now
			t.SetMeta(models.MetaFailureReason, v.Reason)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func eligible(t *models.Task) bool {
	switch t.Status {
	case models.TaskStatusBlocked:
		return !leftToMonitor(t)
	case models.TaskStatusAvailable:
		return len(t.Dependencies) > 0
	default:
		return false
	}
}

func leftToMonitor(t *models.Task) bool {
	return t.MetaBool(models.MetaReplanning) || len(t.MetaStrings(models.MetaWaitingOnChildren)) > 0
}

func targetStatus(s State) models.TaskStatus {
	switch s {
	case Satisfied:
		return models.TaskStatusAvailable
	case Broken:
		return models.TaskStatusFailed
	default:
		return models.TaskStatusBlocked
	}
}

// Validate checks a dependency set for a task about to be created with
// the given id.
func (r *Resolver) Validate(ctx context.Context, id string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	for _, depID := range deps {
		if depID == id {
			return fmt.Errorf("task %s depends on itself: %w", id, ErrInvalidDependency)
		}
		if _, err := r.store.Read(ctx, depID); err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID) {
				return fmt.Errorf("task %s depends on unknown task %s: %w", id, depID, ErrInvalidDependency)
			}
			return fmt.Errorf("validate dependency %s: %w", depID, err)
		}
	}

	live, err := store.List(ctx, r.store, store.Filter{})
	if err != nil {
		return fmt.Errorf("load dependency graph: %w", err)
	}
	g := graph.New()
	for _, t := range live {
		g.Add(t)
	}
	g.Add(&models.Task{ID: id, Dependencies: deps})

	for _, depID := range deps {
		if g.Reachable(depID, id) {
			return fmt.Errorf("task %s via %s: %w", id, depID, ErrCyclicDependency)
		}
	}
	return nil
}
