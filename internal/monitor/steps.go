package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// releaseStale returns claims that showed no activity for StaleAfter to
// the pool.
func (m *Monitor) releaseStale(ctx context.Context, r *Report) error {
	held, err := m.list(ctx, models.TaskStatusClaimed, models.TaskStatusInProgress)
	if err != nil {
		return err
	}
	now := m.now()
	for _, t := range held {
		if err := claim.CheckStale(t, now, m.cfg.StaleAfter); !errors.Is(err, claim.ErrStaleClaim) {
			continue
		}
		released, err := m.claims.ForceRelease(ctx, t.ID, m.cfg.StaleAfter)
		if err != nil {
			m.skip(r, t.ID, "release", err)
			continue
		}
		r.Released++
		m.log.Warn().
			Str("task", t.ID).
			Str("holder", t.ClaimedBy).
			Int("attempts", released.AttemptCount).
			Msg("released stale claim")
	}
	return nil
}

// escalate handles available tasks that have used up their attempts.
// Ordinary tasks are parked for replanning with a planning sibling;
// planning tasks have no fallback and fail.
func (m *Monitor) escalate(ctx context.Context, r *Report) error {
	avail, err := m.list(ctx, models.TaskStatusAvailable)
	if err != nil {
		return err
	}
	for _, t := range avail {
		if t.AttemptCount <= m.ceiling(t) {
			continue
		}
		if t.MetaString(models.MetaReplaces) != "" {
			if err := m.exhaust(ctx, t); err != nil {
				m.skip(r, t.ID, "exhaust", err)
				continue
			}
			r.Exhausted++
			continue
		}
		if err := m.replan(ctx, t); err != nil {
			m.skip(r, t.ID, "replan", err)
			continue
		}
		r.Replanned++
	}
	return nil
}

func (m *Monitor) exhaust(ctx context.Context, t *models.Task) error {
	rev := t.Revision
	_, err := m.store.Update(ctx, t.ID, func(t *models.Task) error {
		if t.Revision != rev || t.Status != models.TaskStatusAvailable {
			return errUnchanged
		}
		now := m.now().UTC()
		t.Status = models.TaskStatusFailed
		t.CompletedAt = &now
		t.SetMeta(models.MetaFailureReason, fmt.Sprintf("replanning gave up after %d attempts", t.AttemptCount))
		return nil
	})
	if err == nil {
		m.log.Warn().Str("task", t.ID).Int("attempts", t.AttemptCount).Msg("planning task exhausted its attempts")
	}
	return err
}

func (m *Monitor) replan(ctx context.Context, t *models.Task) error {
	rev := t.Revision
	planID := decompose.ReplanID(t)
	parked, err := m.store.Update(ctx, t.ID, func(t *models.Task) error {
		if t.Revision != rev || t.Status != models.TaskStatusAvailable {
			return errUnchanged
		}
		t.Status = models.TaskStatusBlocked
		t.SetMeta(models.MetaReplanning, true)
		t.SetMeta(models.MetaReplanTask, planID)
		return nil
	})
	if err != nil {
		return err
	}

	reason := fmt.Sprintf("%d attempts without success", parked.AttemptCount)
	if _, err := m.engine.Replan(ctx, parked, reason); err != nil {
		// settleReplanning recreates the sibling on the next sweep.
		return err
	}
	m.log.Warn().Str("task", t.ID).Str("planning_task", planID).Msg("task sent for replanning")
	return nil
}

// recomputeDependencies moves waiting tasks along as their dependencies
// finish or fail.
func (m *Monitor) recomputeDependencies(ctx context.Context, r *Report) error {
	waiting, err := m.list(ctx, models.TaskStatusBlocked, models.TaskStatusAvailable)
	if err != nil {
		return err
	}
	for _, t := range waiting {
		if len(t.Dependencies) == 0 {
			continue
		}
		updated, changed, err := m.resolver.Recompute(ctx, t.ID)
		if err != nil {
			m.skip(r, t.ID, "recompute", err)
			continue
		}
		if !changed {
			continue
		}
		switch updated.Status {
		case models.TaskStatusAvailable:
			r.Unblocked++
		case models.TaskStatusBlocked:
			r.Reblocked++
		case models.TaskStatusFailed:
			r.DependencyFailed++
			m.log.Info().Str("task", t.ID).Str("reason", updated.MetaString(models.MetaFailureReason)).Msg("dependency failed")
		}
	}
	return nil
}

// settleParents completes or fails decomposed parents once their
// children are done.
func (m *Monitor) settleParents(ctx context.Context, r *Report) error {
	blocked, err := m.list(ctx, models.TaskStatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		children := t.MetaStrings(models.MetaWaitingOnChildren)
		if len(children) == 0 {
			continue
		}

		v, err := m.resolver.Check(ctx, &models.Task{Dependencies: children})
		if err != nil {
			m.skip(r, t.ID, "settle parent", err)
			continue
		}

		var (
			status models.TaskStatus
			result json.RawMessage
			reason string
		)
		switch v.State {
		case deps.Pending:
			continue
		case deps.Satisfied:
			status = models.TaskStatusCompleted
			result, _ = json.Marshal(children)
		case deps.Broken:
			status = models.TaskStatusFailed
			reason = m.childFailure(ctx, v)
		}

		rev := t.Revision
		_, err = m.store.Update(ctx, t.ID, func(t *models.Task) error {
			if t.Revision != rev || t.Status != models.TaskStatusBlocked {
				return errUnchanged
			}
			now := m.now().UTC()
			t.Status = status
			t.CompletedAt = &now
			t.Result = result
			if reason != "" {
				t.SetMeta(models.MetaFailureReason, reason)
			}
			return nil
		})
		if err != nil {
			m.skip(r, t.ID, "settle parent", err)
			continue
		}
		if status == models.TaskStatusCompleted {
			r.ParentsCompleted++
			m.log.Info().Str("task", t.ID).Int("children", len(children)).Msg("parent completed")
		} else {
			r.ParentsFailed++
			m.log.Info().Str("task", t.ID).Str("reason", reason).Msg("parent failed")
		}
	}
	return nil
}

// childFailure turns a broken verdict into a reason naming the child.
func (m *Monitor) childFailure(ctx context.Context, v deps.Verdict) string {
	reason := strings.Replace(v.Reason, "dependency", "child", 1)
	if child, err := m.resolver.Effective(ctx, v.Culprit); err == nil {
		if why := child.MetaString(models.MetaFailureReason); why != "" {
			reason += ": " + why
		}
	}
	return reason
}

// settleReplanning resolves tasks parked for replanning once their
// planning sibling finishes.
func (m *Monitor) settleReplanning(ctx context.Context, r *Report) error {
	blocked, err := m.list(ctx, models.TaskStatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		if !t.MetaBool(models.MetaReplanning) {
			continue
		}
		planID := t.MetaString(models.MetaReplanTask)
		if planID == "" {
			planID = decompose.ReplanID(t)
		}

		plan, err := m.resolver.Effective(ctx, planID)
		if errors.Is(err, store.ErrNotFound) {
			// Parked but the sibling was never written.
			if _, err := m.engine.Replan(ctx, t, "recovering lost planning task"); err != nil {
				m.skip(r, t.ID, "replan", err)
			}
			continue
		}
		if err != nil {
			m.skip(r, t.ID, "settle replanning", err)
			continue
		}

		switch plan.Status {
		case models.TaskStatusCompleted:
			if err := m.replace(ctx, t, planID); err != nil {
				m.skip(r, t.ID, "replace", err)
				continue
			}
			r.Replaced++
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			if err := m.failReplanned(ctx, t, plan); err != nil {
				m.skip(r, t.ID, "fail replanned", err)
				continue
			}
			r.ReplanFailed++
		}
	}
	return nil
}

func (m *Monitor) replace(ctx context.Context, t *models.Task, planID string) error {
	rev := t.Revision
	_, err := m.store.Update(ctx, t.ID, func(t *models.Task) error {
		if t.Revision != rev || t.Status != models.TaskStatusBlocked {
			return errUnchanged
		}
		now := m.now().UTC()
		t.Status = models.TaskStatusCancelled
		t.CompletedAt = &now
		t.DeleteMeta(models.MetaReplanning)
		t.SetMeta(models.MetaReplacedBy, planID)
		return nil
	})
	if err == nil {
		m.log.Info().Str("task", t.ID).Str("replaced_by", planID).Msg("task replaced")
	}
	return err
}

func (m *Monitor) failReplanned(ctx context.Context, t *models.Task, plan *models.Task) error {
	reason := ReasonChain(t, plan)
	rev := t.Revision
	_, err := m.store.Update(ctx, t.ID, func(t *models.Task) error {
		if t.Revision != rev || t.Status != models.TaskStatusBlocked {
			return errUnchanged
		}
		now := m.now().UTC()
		t.Status = models.TaskStatusFailed
		t.CompletedAt = &now
		t.DeleteMeta(models.MetaReplanning)
		t.SetMeta(models.MetaFailureReason, reason)
		return nil
	})
	if err == nil {
		m.log.Warn().Str("task", t.ID).Str("planning_task", plan.ID).Msg("replanning failed")
	}
	return err
}

// ReasonChain explains why a replanned task failed: every attempt of the
// original followed by the planning task's own outcome.
func ReasonChain(original, plan *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s failed after replanning", original.ID)
	for _, line := range original.MetaStrings(models.MetaAttemptLog) {
		fmt.Fprintf(&b, "\n- %s", line)
	}
	for _, line := range plan.MetaStrings(models.MetaAttemptLog) {
		fmt.Fprintf(&b, "\n- planning task %s: %s", plan.ID, line)
	}
	why := plan.MetaString(models.MetaFailureReason)
	if why == "" {
		why = "no reason recorded"
	}
	fmt.Fprintf(&b, "\n- planning task %s %s: %s", plan.ID, plan.Status, why)
	return b.String()
}

// clearMarkers removes interrupt markers nobody will consume because the
// task is gone or no worker holds it.
func (m *Monitor) clearMarkers(ctx context.Context, r *Report) error {
	if m.markers == nil {
		return nil
	}
	markers, err := m.markers.List()
	if err != nil {
		return err
	}
	now := m.now()
	for _, mk := range markers {
		if !mk.SignalledAt.IsZero() && now.Sub(mk.SignalledAt) < m.cfg.MarkerGrace {
			continue
		}
		t, err := m.store.Read(ctx, mk.TaskID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			m.skip(r, mk.TaskID, "clear marker", err)
			continue
		case t.Status.IsHeld():
			continue
		}
		if err := m.markers.Clear(mk.TaskID); err != nil {
			m.skip(r, mk.TaskID, "clear marker", err)
			continue
		}
		r.MarkersCleared++
	}
	return nil
}

// archive moves terminal tasks nobody depends on out of the current
// namespace.
func (m *Monitor) archive(ctx context.Context, r *Report) error {
	if !m.cfg.AutoArchive {
		return nil
	}
	done, err := m.list(ctx, models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled)
	if err != nil {
		return err
	}
	now := m.now()
	var archived []string
	for _, t := range done {
		if t.CompletedAt == nil || now.Sub(*t.CompletedAt) < m.cfg.ArchiveAfter {
			continue
		}
		if err := m.store.Archive(ctx, t.ID); err != nil {
			m.skip(r, t.ID, "archive", err)
			continue
		}
		archived = append(archived, t.ID)
	}
	r.Archived += len(archived)
	if len(archived) > 0 {
		slices.Sort(archived)
		m.log.Info().Strs("tasks", archived).Msg("archived")
	}
	return nil
}
