package decompose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// EditReason is the interrupt reason used by live edits.
const EditReason = "edited"

// Edit replaces the mutable text of a task. Empty fields are left alone.
type Edit struct {
	Description   string
	CapabilityTag string
}

func (ed Edit) empty() bool {
	return ed.Description == "" && ed.CapabilityTag == ""
}

// Edit stops any worker running the task, waits for it to be released,
// then rewrites the task and puts it back in the pool. A task waiting on
// children or on replanning keeps its status; only its text changes.
// Releasing a task clears its interrupt, so every new claim seen while
// waiting is signalled again. On timeout the interrupt is withdrawn and
// nothing is written.
func (e *Engine) Edit(ctx context.Context, id string, ed Edit, timeout time.Duration) (*models.Task, error) {
	if ed.empty() {
		return nil, fmt.Errorf("edit %s: nothing to change", id)
	}
	t, err := e.store.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", id, err)
	}

	if err := e.signal(id); err != nil {
		return nil, fmt.Errorf("edit %s: %w", id, err)
	}
	signalled := claimKey(t)

	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resolver := e.creator.Resolver()
	for {
		t, err := e.waitReleased(wctx, id, &signalled)
		if err != nil {
			e.withdraw(id)
			return nil, err
		}

		status, err := e.reopenStatus(wctx, resolver, t)
		if err != nil {
			e.withdraw(id)
			return nil, fmt.Errorf("edit %s: %w", id, err)
		}

		// A worker claiming between here and the update finds the
		// marker at its first checkpoint.
		if err := e.signal(id); err != nil {
			e.withdraw(id)
			return nil, fmt.Errorf("edit %s: %w", id, err)
		}

		updated, err := e.store.Update(wctx, id, func(t *models.Task) error {
			if t.Status.IsHeld() {
				return store.ErrConflict
			}
			applyEdit(t, ed, status)
			return nil
		})
		switch {
		case err == nil:
			e.withdraw(id)
			return updated, nil
		case errors.Is(err, store.ErrConflict):
			// Claimed again or changed under us; wait once more.
			continue
		default:
			e.withdraw(id)
			return nil, fmt.Errorf("edit %s: %w", id, err)
		}
	}
}

// waitReleased polls until the task is not held by any worker. A claim
// other than the one last signalled is signalled again.
func (e *Engine) waitReleased(ctx context.Context, id string, signalled *string) (*models.Task, error) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		t, err := e.store.Read(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.waitErr(ctx, id)
			}
			return nil, fmt.Errorf("edit %s: %w", id, err)
		}
		if !t.Status.IsHeld() {
			return t, nil
		}
		if key := claimKey(t); key != *signalled {
			if err := e.signal(id); err != nil {
				return nil, fmt.Errorf("edit %s: %w", id, err)
			}
			*signalled = key
		}

		select {
		case <-ctx.Done():
			return nil, e.waitErr(ctx, id)
		case <-ticker.C:
		}
	}
}

// claimKey identifies one claim on a task; empty when the task is not held.
func claimKey(t *models.Task) string {
	if !t.Status.IsHeld() || t.ClaimedAt == nil {
		return ""
	}
	return t.ClaimedBy + "@" + t.ClaimedAt.UTC().Format(time.RFC3339Nano)
}

func (e *Engine) waitErr(ctx context.Context, id string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("edit %s: %w", id, ErrEditTimeout)
	}
	return ctx.Err()
}

// reopenStatus picks the status an edited task returns to.
func (e *Engine) reopenStatus(ctx context.Context, r *deps.Resolver, t *models.Task) (models.TaskStatus, error) {
	if t.Status == models.TaskStatusBlocked &&
		(t.MetaBool(models.MetaReplanning) || len(t.MetaStrings(models.MetaWaitingOnChildren)) > 0) {
		return t.Status, nil
	}
	v, err := r.Check(ctx, t)
	if err != nil {
		return "", err
	}
	if v.State == deps.Satisfied {
		return models.TaskStatusAvailable, nil
	}
	return models.TaskStatusBlocked, nil
}

func applyEdit(t *models.Task, ed Edit, status models.TaskStatus) {
	if ed.Description != "" {
		t.Description = models.ValidText(ed.Description)
	}
	if ed.CapabilityTag != "" {
		t.CapabilityTag = models.ValidText(ed.CapabilityTag)
	}
	if status == t.Status && status == models.TaskStatusBlocked {
		return
	}
	if t.Status.IsTerminal() {
		// A reopened task starts over without its old bookkeeping.
		t.DeleteMeta(models.MetaWaitingOnChildren)
		t.DeleteMeta(models.MetaReplanning)
		t.DeleteMeta(models.MetaReplacedBy)
		t.DeleteMeta(models.MetaReplanTask)
	}
	t.Status = status
	t.ClearClaim()
	t.Result = nil
	t.CompletedAt = nil
	t.DeleteMeta(models.MetaFailureReason)
	t.DeleteMeta(models.MetaInterrupted)
	t.DeleteMeta(models.MetaHeartbeatAt)
}

func (e *Engine) signal(id string) error {
	if e.signals == nil {
		return nil
	}
	return e.signals.Signal(id, EditReason)
}

func (e *Engine) withdraw(id string) {
	if e.signals != nil {
		_ = e.signals.Clear(id)
	}
}
