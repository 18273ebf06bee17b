// Package decompose lets the holder of a task fan it out into children,
// creates replanning siblings for tasks that keep failing, and applies
// live edits to tasks that may be in flight.
package decompose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// ErrEditTimeout is returned when an edited task is still held after the
// edit timeout.
var ErrEditTimeout = errors.New("timed out waiting for task to be released")

// ErrNoChildren is returned by Decompose for an empty request.
var ErrNoChildren = errors.New("decomposition has no children")

// Signaller raises and clears interrupt markers.
type Signaller interface {
	Signal(id, reason string) error
	Clear(id string) error
}

// Child describes one task to create under a parent.
type Child struct {
	// Title is a local handle siblings use in DependsOn. It is not stored.
	Title         string         `json:"title,omitempty" yaml:"title,omitempty"`
	Description   string         `json:"description" yaml:"description"`
	CapabilityTag string         `json:"capability_tag,omitempty" yaml:"capability_tag,omitempty"`
	Priority      int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Request is a decomposition of one parent.
type Request struct {
	Children []Child
	// Ordered chains each child on the one before it.
	Ordered bool
}

// Engine creates children, replanning siblings and edits.
type Engine struct {
	store   store.Store
	creator *deps.Creator
	signals Signaller
	now     func() time.Time
	poll    time.Duration
	retries int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPollInterval sets how often Edit re-reads a task it is waiting on.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.poll = d
		}
	}
}

// New creates an engine. signals may be nil, in which case Edit cannot
// interrupt a running worker and only waits.
func New(s store.Store, creator *deps.Creator, signals Signaller, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		creator: creator,
		signals: signals,
		now:     time.Now,
		poll:    500 * time.Millisecond,
		retries: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decompose creates the children of a task held by worker and parks the
// parent in blocked with waiting_on_children listing them. If the parent
// can no longer be parked, the children are cancelled again.
func (e *Engine) Decompose(ctx context.Context, parentID, worker string, req Request) ([]string, error) {
	if len(req.Children) == 0 {
		return nil, ErrNoChildren
	}

	parent, err := e.store.Read(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("decompose %s: %w", parentID, err)
	}
	if !parent.IsHeldBy(worker) {
		return nil, fmt.Errorf("decompose %s: held by %q, not %q: %w",
			parentID, parent.ClaimedBy, worker, claim.ErrNotOwner)
	}

	specs, order, err := plan(parent, worker, req)
	if err != nil {
		return nil, fmt.Errorf("decompose %s: %w", parentID, err)
	}

	created := make([]string, 0, len(specs))
	for _, i := range order {
		if _, err := e.creator.Create(ctx, specs[i]); err != nil {
			e.compensate(ctx, created, "decomposition aborted: "+err.Error())
			return nil, fmt.Errorf("create child %d of %s: %w", i+1, parentID, err)
		}
		created = append(created, specs[i].ID)
	}

	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}

	if err := e.park(ctx, parentID, worker, ids); err != nil {
		e.compensate(ctx, created, "parent could not be parked: "+err.Error())
		return nil, fmt.Errorf("decompose %s: %w", parentID, err)
	}
	return ids, nil
}

// plan assigns ids and resolves sibling references, returning specs in
// request order plus a creation order where dependencies come first.
func plan(parent *models.Task, worker string, req Request) ([]models.TaskSpec, []int, error) {
	titleToID := make(map[string]string, len(req.Children))
	specs := make([]models.TaskSpec, len(req.Children))
	for i, c := range req.Children {
		if strings.TrimSpace(c.Description) == "" {
			return nil, nil, fmt.Errorf("child %d has no description", i+1)
		}
		id := uuid.New().String()
		if c.Title != "" {
			if _, dup := titleToID[c.Title]; dup {
				return nil, nil, fmt.Errorf("duplicate child title %q", c.Title)
			}
			titleToID[c.Title] = id
		}
		priority := c.Priority
		if priority == 0 {
			priority = parent.Priority
		}
		specs[i] = models.TaskSpec{
			ID:            id,
			Description:   c.Description,
			CapabilityTag: c.CapabilityTag,
			Priority:      priority,
			ParentID:      parent.ID,
			Metadata:      c.Metadata,
			CreatedBy:     worker,
		}
	}

	for i, c := range req.Children {
		var depIDs []string
		for _, ref := range c.DependsOn {
			if id, ok := titleToID[ref]; ok {
				depIDs = append(depIDs, id)
				continue
			}
			if ref == parent.ID {
				return nil, nil, fmt.Errorf("child %d depends on its own parent: %w", i+1, deps.ErrInvalidDependency)
			}
			depIDs = append(depIDs, ref)
		}
		if req.Ordered && i > 0 {
			depIDs = append(depIDs, specs[i-1].ID)
		}
		specs[i].Dependencies = depIDs
	}

	g := graph.New()
	for _, s := range specs {
		g.Add(&models.Task{ID: s.ID, Dependencies: s.Dependencies})
	}
	if g.HasCycle() {
		return nil, nil, fmt.Errorf("%w: %s", deps.ErrCyclicDependency, strings.Join(g.CyclePath(), " -> "))
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return nil, nil, err
	}
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.ID] = i
	}
	order := make([]int, 0, len(specs))
	for _, id := range sorted {
		if i, ok := index[id]; ok {
			order = append(order, i)
		}
	}
	return specs, order, nil
}

// park moves the parent to blocked, waiting on ids.
func (e *Engine) park(ctx context.Context, parentID, worker string, ids []string) error {
	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		_, err := e.store.Update(ctx, parentID, func(t *models.Task) error {
			if !t.IsHeldBy(worker) {
				return fmt.Errorf("parent %s no longer held by %s: %w", parentID, worker, claim.ErrNotOwner)
			}
			t.Status = models.TaskStatusBlocked
			t.ClearClaim()
			t.DeleteMeta(models.MetaHeartbeatAt)
			t.SetMeta(models.MetaWaitingOnChildren, ids)
			return nil
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return lastErr
}

// compensate cancels children created by a decomposition that did not
// complete. A child that was already claimed is also interrupted.
func (e *Engine) compensate(ctx context.Context, ids []string, reason string) {
	// Use a fresh context: the caller's may be the reason we are here.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	for _, id := range ids {
		var held bool
		_, _ = e.store.Update(cctx, id, func(t *models.Task) error {
			if t.Status.IsTerminal() {
				return errNoop
			}
			held = t.Status.IsHeld()
			now := e.now().UTC()
			t.Status = models.TaskStatusCancelled
			t.ClearClaim()
			t.CompletedAt = &now
			t.SetMeta(models.MetaFailureReason, reason)
			return nil
		})
		if held && e.signals != nil {
			_ = e.signals.Signal(id, reason)
		}
	}
}

var errNoop = errors.New("no change")

// ReplanID is the id of the planning task that stands in for original at
// its current attempt count. Concurrent monitors derive the same id and
// so converge on one sibling.
func ReplanID(original *models.Task) string {
	return fmt.Sprintf("%s-replan-%d", original.ID, original.AttemptCount)
}

// Replan creates the planning sibling that looks for another way to do
// original. Creating a sibling that already exists is not an error.
func (e *Engine) Replan(ctx context.Context, original *models.Task, reason string) (string, error) {
	id := original.MetaString(models.MetaReplanTask)
	if id == "" {
		id = ReplanID(original)
	}

	spec := models.TaskSpec{
		ID:            id,
		Description:   ReplanPrompt(original, reason),
		CapabilityTag: models.CapabilityPlanning,
		Priority:      original.Priority,
		ParentID:      original.ParentID,
		Metadata:      map[string]any{models.MetaReplaces: original.ID},
		CreatedBy:     "monitor",
	}
	if _, err := e.creator.Create(ctx, spec); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			return id, nil
		}
		return "", fmt.Errorf("replan %s: %w", original.ID, err)
	}
	return id, nil
}
