// Package claim turns "I would like to work on task X" into an exclusive
// assignment. Every operation is a single compare-and-set on the task
// record, so exclusivity holds across processes without a lock service.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	// ErrClaimFailed means another worker won, or the task was not available.
	// It is an expected outcome of concurrent polling.
	ErrClaimFailed = errors.New("claim failed")
	// ErrNotOwner means the caller does not hold the task it tried to act on.
	ErrNotOwner = errors.New("not the claim owner")
	// ErrStaleClaim marks a claim whose holder has gone quiet past the
	// staleness threshold. Only the monitor raises it.
	ErrStaleClaim = errors.New("stale claim")
	// ErrClaimActive is returned by ForceRelease when the claim is no longer stale.
	ErrClaimActive = errors.New("claim is active")
	// ErrInvalidOutcome is returned for unknown release outcomes.
	ErrInvalidOutcome = errors.New("invalid outcome")
)

// errNotAvailable aborts a claim mutator without writing.
var errNotAvailable = errors.New("task not available")

// MarkerClearer removes interrupt markers once a task leaves a worker's hands.
type MarkerClearer interface {
	Clear(id string) error
}

// Resolution is what a worker reports when it gives a task back.
type Resolution struct {
	Outcome models.Outcome
	Result  json.RawMessage
	Reason  string
}

// Protocol implements claim, begin, heartbeat and release over a store.
type Protocol struct {
	store   store.Store
	markers MarkerClearer
	now     func() time.Time
	retries int
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithRetries sets how many times owner-scoped updates retry on Conflict.
func WithRetries(n int) Option {
	return func(p *Protocol) {
		if n > 0 {
			p.retries = n
		}
	}
}

// New creates a claim protocol. markers may be nil.
func New(s store.Store, markers MarkerClearer, opts ...Option) *Protocol {
	p := &Protocol{store: s, markers: markers, now: time.Now, retries: 5}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Now returns the protocol clock.
func (p *Protocol) Now() time.Time {
	return p.now().UTC()
}

// TryClaim atomically moves a task from available to claimed. Losing a race,
// a missing task, and a task that is not available all report ErrClaimFailed.
// It never retries: a conflicting write means somebody else got there first.
func (p *Protocol) TryClaim(ctx context.Context, id, worker string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := p.store.Update(ctx, id, func(t *models.Task) error {
		if t.Status != models.TaskStatusAvailable {
			return errNotAvailable
		}
		now := p.Now()
		t.Status = models.TaskStatusClaimed
		t.ClaimedBy = worker
		t.ClaimedAt = &now
		t.DeleteMeta(models.MetaHeartbeatAt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w: %v", id, ErrClaimFailed, err)
	}
	return t, nil
}

// BeginWork moves a claimed task to in_progress. Calling it again while
// already in progress is a no-op.
func (p *Protocol) BeginWork(ctx context.Context, id, worker string) (*models.Task, error) {
	return p.updateOwned(ctx, id, worker, func(t *models.Task) error {
		if t.Status == models.TaskStatusClaimed {
			t.Status = models.TaskStatusInProgress
		}
		return nil
	})
}

// Heartbeat records progress so a long-running task is not mistaken for a
// stuck one.
func (p *Protocol) Heartbeat(ctx context.Context, id, worker string) (*models.Task, error) {
	return p.updateOwned(ctx, id, worker, func(t *models.Task) error {
		t.SetMeta(models.MetaHeartbeatAt, p.Now().Format(time.RFC3339Nano))
		return nil
	})
}

// Release ends the caller's hold on a task, moving it to a terminal status
// or back to available.
func (p *Protocol) Release(ctx context.Context, id, worker string, res Resolution) (*models.Task, error) {
	if !res.Outcome.Valid() {
		return nil, fmt.Errorf("release task %s: %w: %q", id, ErrInvalidOutcome, res.Outcome)
	}

	t, err := p.updateOwned(ctx, id, worker, func(t *models.Task) error {
		applyResolution(t, res, worker, p.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.clearMarker(id)
	return t, nil
}

func applyResolution(t *models.Task, res Resolution, worker string, now time.Time) {
	t.ClearClaim()
	t.DeleteMeta(models.MetaHeartbeatAt)
	t.Status = res.Outcome.Status()

	switch res.Outcome {
	case models.OutcomeCompleted:
		t.CompletedAt = &now
		t.Result = res.Result
	case models.OutcomeCancelled:
		t.CompletedAt = &now
		t.Result = res.Result
		if res.Reason != "" {
			t.SetMeta(models.MetaFailureReason, res.Reason)
		}
	case models.OutcomeFailed:
		t.CompletedAt = &now
		t.Result = res.Result
		t.AttemptCount++
		reason := res.Reason
		if reason == "" {
			reason = "handler reported failure"
		}
		t.SetMeta(models.MetaFailureReason, reason)
		AppendAttempt(t, fmt.Sprintf("attempt %d by %s failed: %s", t.AttemptCount, worker, reason))
	case models.OutcomeRequeue:
		t.AttemptCount++
		AppendAttempt(t, fmt.Sprintf("attempt %d by %s requeued: %s", t.AttemptCount, worker, res.Reason))
	case models.OutcomeInterrupted:
		reason := res.Reason
		if reason == "" {
			reason = "interrupted"
		}
		t.SetMeta(models.MetaInterrupted, reason)
	}
}

// CheckStale returns ErrStaleClaim when a held task has shown no activity
// for longer than staleAfter.
func CheckStale(t *models.Task, now time.Time, staleAfter time.Duration) error {
	if !t.Status.IsHeld() {
		return nil
	}
	if now.Sub(t.LastActivity()) > staleAfter {
		return fmt.Errorf("task %s held by %s since %s: %w",
			t.ID, t.ClaimedBy, t.LastActivity().Format(time.RFC3339), ErrStaleClaim)
	}
	return nil
}

// ForceRelease returns a stale claim to the pool on behalf of an absent
// worker and counts the attempt. If the claim was refreshed or released in
// the meantime it reports ErrClaimActive and writes nothing.
func (p *Protocol) ForceRelease(ctx context.Context, id string, staleAfter time.Duration) (*models.Task, error) {
	t, err := p.store.Update(ctx, id, func(t *models.Task) error {
		now := p.Now()
		stale := CheckStale(t, now, staleAfter)
		if !errors.Is(stale, ErrStaleClaim) {
			return ErrClaimActive
		}
		holder := t.ClaimedBy
		t.ClearClaim()
		t.DeleteMeta(models.MetaHeartbeatAt)
		t.Status = models.TaskStatusAvailable
		t.AttemptCount++
		AppendAttempt(t, fmt.Sprintf("attempt %d by %s abandoned: no progress for %s",
			t.AttemptCount, holder, staleAfter))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("force release %s: %w", id, err)
	}
	p.clearMarker(id)
	return t, nil
}

// updateOwned applies fn to a task the worker holds, retrying on Conflict.
func (p *Protocol) updateOwned(ctx context.Context, id, worker string, fn func(*models.Task) error) (*models.Task, error) {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		t, err := p.store.Update(ctx, id, func(t *models.Task) error {
			if !t.IsHeldBy(worker) {
				return fmt.Errorf("task %s is %s held by %q, not %q: %w",
					id, t.Status, t.ClaimedBy, worker, ErrNotOwner)
			}
			return fn(t)
		})
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, lastErr
}

func (p *Protocol) clearMarker(id string) {
	if p.markers != nil {
		_ = p.markers.Clear(id)
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 10 * time.Millisecond
}

// AppendAttempt adds a line to the task's attempt log, which becomes the
// reason chain when a task finally fails.
func AppendAttempt(t *models.Task, line string) {
	log := t.MetaStrings(models.MetaAttemptLog)
	t.SetMeta(models.MetaAttemptLog, append(log, line))
}
