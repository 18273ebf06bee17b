package decompose

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/interrupt"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

type fixture struct {
	store   store.Store
	creator *deps.Creator
	claims  *claim.Protocol
	signals *interrupt.Channel
	engine  *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	s, err := store.OpenFileStore(root)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	signals, err := interrupt.Open(interrupt.Dir(root))
	if err != nil {
		t.Fatalf("interrupt.Open: %v", err)
	}
	t.Cleanup(func() { signals.Close() })

	creator := deps.NewCreator(s)
	return &fixture{
		store:   s,
		creator: creator,
		claims:  claim.New(s, signals),
		signals: signals,
		engine:  New(s, creator, signals, WithPollInterval(10*time.Millisecond)),
	}
}

// claimed creates a task and moves it to in_progress for worker.
func (f *fixture) claimed(t *testing.T, id, worker string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.creator.Create(ctx, models.TaskSpec{ID: id, Description: "parent work", Priority: 3}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.claims.TryClaim(ctx, id, worker); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if _, err := f.claims.BeginWork(ctx, id, worker); err != nil {
		t.Fatalf("BeginWork: %v", err)
	}
}

func (f *fixture) read(t *testing.T, id string) *models.Task {
	t.Helper()
	got, err := f.store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("Read %s: %v", id, err)
	}
	return got
}

func TestDecompose_ParksParent(t *testing.T) {
	f := setup(t)
	f.claimed(t, "p", "w1")

	ids, err := f.engine.Decompose(context.Background(), "p", "w1", Request{
		Children: []Child{
			{Description: "step one"},
			{Description: "step two"},
			{Description: "step three"},
		},
		Ordered: true,
	})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d children, want 3", len(ids))
	}

	parent := f.read(t, "p")
	if parent.Status != models.TaskStatusBlocked {
		t.Errorf("parent status = %s, want blocked", parent.Status)
	}
	if parent.ClaimedBy != "" || parent.ClaimedAt != nil {
		t.Error("parent claim should be cleared")
	}
	if waiting := parent.MetaStrings(models.MetaWaitingOnChildren); len(waiting) != 3 {
		t.Errorf("waiting_on_children = %v, want 3 entries", waiting)
	}

	wantStatus := []models.TaskStatus{models.TaskStatusAvailable, models.TaskStatusBlocked, models.TaskStatusBlocked}
	for i, id := range ids {
		child := f.read(t, id)
		if child.ParentID != "p" {
			t.Errorf("child %d parent = %q", i, child.ParentID)
		}
		if child.Status != wantStatus[i] {
			t.Errorf("child %d status = %s, want %s", i, child.Status, wantStatus[i])
		}
		if child.Priority != 3 {
			t.Errorf("child %d priority = %d, want parent's 3", i, child.Priority)
		}
		if child.CreatedBy != "w1" {
			t.Errorf("child %d created_by = %q", i, child.CreatedBy)
		}
		if i > 0 && (len(child.Dependencies) != 1 || child.Dependencies[0] != ids[i-1]) {
			t.Errorf("child %d deps = %v, want [%s]", i, child.Dependencies, ids[i-1])
		}
	}
}

func TestDecompose_SiblingTitles(t *testing.T) {
	f := setup(t)
	f.claimed(t, "p", "w1")

	ids, err := f.engine.Decompose(context.Background(), "p", "w1", Request{
		Children: []Child{
			{Title: "report", Description: "write report", DependsOn: []string{"gather"}},
			{Title: "gather", Description: "gather data", CapabilityTag: models.CapabilitySearch},
		},
	})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	report, gather := f.read(t, ids[0]), f.read(t, ids[1])
	if len(report.Dependencies) != 1 || report.Dependencies[0] != gather.ID {
		t.Errorf("report deps = %v, want [%s]", report.Dependencies, gather.ID)
	}
	if report.Status != models.TaskStatusBlocked || gather.Status != models.TaskStatusAvailable {
		t.Errorf("statuses = %s/%s", report.Status, gather.Status)
	}
	if gather.CapabilityTag != models.CapabilitySearch {
		t.Errorf("tag = %s", gather.CapabilityTag)
	}
}

func TestDecompose_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		worker  string
		req     Request
		wantErr error
	}{
		{"not owner", "w2", Request{Children: []Child{{Description: "x"}}}, claim.ErrNotOwner},
		{"empty", "w1", Request{}, ErrNoChildren},
		{"cycle", "w1", Request{Children: []Child{
			{Title: "a", Description: "a", DependsOn: []string{"b"}},
			{Title: "b", Description: "b", DependsOn: []string{"a"}},
		}}, deps.ErrCyclicDependency},
		{"unknown external dependency", "w1", Request{Children: []Child{
			{Description: "a", DependsOn: []string{"ghost"}},
		}}, deps.ErrInvalidDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.claimed(t, "p", "w1")

			_, err := f.engine.Decompose(context.Background(), "p", tt.worker, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decompose() error = %v, want %v", err, tt.wantErr)
			}

			if got := f.read(t, "p"); got.Status != models.TaskStatusInProgress {
				t.Errorf("parent status = %s, want in_progress", got.Status)
			}
			children, err := store.List(context.Background(), f.store, store.Filter{ParentID: "p"})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			for _, c := range children {
				if !c.Status.IsTerminal() {
					t.Errorf("child %s left live with status %s", c.ID, c.Status)
				}
			}
		})
	}
}

// parentLosingStore fails every update of one record, as if its claim had
// been taken away between child creation and parking.
type parentLosingStore struct {
	store.Store
	id string
}

func (s *parentLosingStore) Update(ctx context.Context, id string, fn store.Mutator) (*models.Task, error) {
	if id == s.id {
		return nil, claim.ErrNotOwner
	}
	return s.Store.Update(ctx, id, fn)
}

func TestDecompose_CompensatesWhenParentLost(t *testing.T) {
	f := setup(t)
	f.claimed(t, "p", "w1")

	lossy := &parentLosingStore{Store: f.store, id: "p"}
	engine := New(lossy, deps.NewCreator(lossy), f.signals)

	_, err := engine.Decompose(context.Background(), "p", "w1", Request{
		Children: []Child{{Description: "one"}, {Description: "two"}},
	})
	if !errors.Is(err, claim.ErrNotOwner) {
		t.Fatalf("Decompose() error = %v, want ErrNotOwner", err)
	}

	children, err := store.List(context.Background(), f.store, store.Filter{ParentID: "p"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	for _, c := range children {
		if c.Status != models.TaskStatusCancelled {
			t.Errorf("child %s status = %s, want cancelled", c.ID, c.Status)
		}
	}
}

func TestReplan_IsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.creator.Create(ctx, models.TaskSpec{ID: "parent", Description: "root"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.creator.Create(ctx, models.TaskSpec{ID: "orig", Description: "flaky work", ParentID: "parent"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	orig := f.read(t, "orig")
	orig.AttemptCount = 4
	claim.AppendAttempt(orig, "attempt 4 by w1 abandoned")

	id, err := f.engine.Replan(ctx, orig, "stuck")
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	again, err := f.engine.Replan(ctx, orig, "stuck")
	if err != nil || again != id {
		t.Fatalf("second Replan = %s, %v; want %s", again, err, id)
	}

	plan := f.read(t, id)
	if plan.CapabilityTag != models.CapabilityPlanning {
		t.Errorf("tag = %s, want planning", plan.CapabilityTag)
	}
	if plan.ParentID != "parent" {
		t.Errorf("parent = %q, want sibling of orig", plan.ParentID)
	}
	if plan.MetaString(models.MetaReplaces) != "orig" {
		t.Errorf("replaces = %q", plan.MetaString(models.MetaReplaces))
	}
	for _, want := range []string{"flaky work", "stuck", "attempt 4 by w1 abandoned"} {
		if !strings.Contains(plan.Description, want) {
			t.Errorf("description missing %q:\n%s", want, plan.Description)
		}
	}
}

func TestEdit_IdleTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.creator.Create(ctx, models.TaskSpec{ID: "a", Description: "old"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := f.engine.Edit(ctx, "a", Edit{Description: "new", CapabilityTag: models.CapabilityTerminal}, time.Second)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got.Description != "new" || got.CapabilityTag != models.CapabilityTerminal {
		t.Errorf("edit not applied: %+v", got)
	}
	if got.Status != models.TaskStatusAvailable {
		t.Errorf("status = %s, want available", got.Status)
	}
	if _, ok := f.signals.Pending("a"); ok {
		t.Error("marker should be cleared after edit")
	}
}

func TestEdit_WaitsForWorkerToHonourInterrupt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.claimed(t, "a", "w1")

	// A worker that checkpoints until it sees the edit.
	done := make(chan error, 1)
	go func() {
		for {
			if err := f.signals.Checkpoint(ctx, "a"); errors.Is(err, interrupt.ErrInterrupted) {
				_, err := f.claims.Release(ctx, "a", "w1", claim.Resolution{Outcome: models.OutcomeInterrupted, Reason: EditReason})
				done <- err
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	got, err := f.engine.Edit(ctx, "a", Edit{Description: "rewritten"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("worker release: %v", err)
	}
	if got.Description != "rewritten" || got.Status != models.TaskStatusAvailable {
		t.Errorf("after edit: %q %s", got.Description, got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, interrupts must not count", got.AttemptCount)
	}
	if got.Result != nil {
		t.Errorf("result = %s, want unset", got.Result)
	}
}

// waitInterrupted checkpoints like a worker would until the task is
// interrupted or the deadline passes.
func waitInterrupted(ctx context.Context, f *fixture, id string, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if err := f.signals.Checkpoint(ctx, id); errors.Is(err, interrupt.ErrInterrupted) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestEdit_InterruptsWorkerThatClaimsMidEdit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.claimed(t, "a", "w1")
	engine := New(f.store, f.creator, f.signals, WithPollInterval(50*time.Millisecond))

	type run struct {
		description string
		interrupted bool
		err         error
	}
	done := make(chan run, 1)
	go func() {
		if !waitInterrupted(ctx, f, "a", 5*time.Second) {
			done <- run{err: errors.New("w1 never interrupted")}
			return
		}
		// Releasing clears the marker; w2 claims straight away.
		if _, err := f.claims.Release(ctx, "a", "w1", claim.Resolution{Outcome: models.OutcomeInterrupted, Reason: EditReason}); err != nil {
			done <- run{err: err}
			return
		}
		task, err := f.claims.TryClaim(ctx, "a", "w2")
		if err != nil {
			done <- run{err: err}
			return
		}
		if _, err := f.claims.BeginWork(ctx, "a", "w2"); err != nil {
			done <- run{err: err}
			return
		}

		r := run{description: task.Description}
		r.interrupted = waitInterrupted(ctx, f, "a", 2*time.Second)
		res := claim.Resolution{Outcome: models.OutcomeCompleted}
		if r.interrupted {
			res = claim.Resolution{Outcome: models.OutcomeInterrupted, Reason: EditReason}
		}
		_, r.err = f.claims.Release(ctx, "a", "w2", res)
		done <- r
	}()

	got, err := engine.Edit(ctx, "a", Edit{Description: "rewritten"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	w2 := <-done
	if w2.err != nil {
		t.Fatalf("workers: %v", w2.err)
	}
	if w2.description == "parent work" && !w2.interrupted {
		t.Error("second worker ran the old description without being interrupted")
	}
	if got.Description != "rewritten" || got.Status != models.TaskStatusAvailable {
		t.Errorf("after edit: %q %s", got.Description, got.Status)
	}
	if _, ok := f.signals.Pending("a"); ok {
		t.Error("marker should be cleared after edit")
	}
}

func TestEdit_Timeout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.claimed(t, "a", "w1")

	_, err := f.engine.Edit(ctx, "a", Edit{Description: "never"}, 50*time.Millisecond)
	if !errors.Is(err, ErrEditTimeout) {
		t.Fatalf("Edit() error = %v, want ErrEditTimeout", err)
	}
	got := f.read(t, "a")
	if got.Description != "parent work" || got.Status != models.TaskStatusInProgress {
		t.Errorf("task changed after timeout: %q %s", got.Description, got.Status)
	}
	if _, ok := f.signals.Pending("a"); ok {
		t.Error("timed-out edit should withdraw its interrupt")
	}
}

func TestEdit_ReopensTerminalTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.claimed(t, "a", "w1")
	if _, err := f.claims.Release(ctx, "a", "w1", claim.Resolution{Outcome: models.OutcomeFailed, Reason: "bad"}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := f.engine.Edit(ctx, "a", Edit{Description: "try differently"}, time.Second)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got.Status != models.TaskStatusAvailable || got.CompletedAt != nil {
		t.Errorf("status=%s completed_at=%v", got.Status, got.CompletedAt)
	}
	if got.MetaString(models.MetaFailureReason) != "" {
		t.Error("failure reason should be cleared")
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, must not reset", got.AttemptCount)
	}
}

func TestParseChildren(t *testing.T) {
	resp := "Here is the plan:\n" + `[
  {"title": "gather", "description": "collect inputs", "capability_tag": "search", "depends_on": []},
  {"title": "write", "description": "write it up", "depends_on": ["gather"]}
]` + "\nDone."

	children, err := ParseChildren(resp)
	if err != nil {
		t.Fatalf("ParseChildren: %v", err)
	}
	if len(children) != 2 || children[1].DependsOn[0] != "gather" {
		t.Errorf("children = %+v", children)
	}

	bad := []string{
		"no json here",
		`[{"title": "a", "description": "a", "depends_on": ["missing"]}]`,
		`[{"title": "a", "description": "a", "depends_on": ["b"]}, {"title": "b", "description": "b", "depends_on": ["a"]}]`,
		`[{"title": "a"}]`,
	}
	for _, in := range bad {
		if _, err := ParseChildren(in); err == nil {
			t.Errorf("ParseChildren(%q) should fail", in)
		}
	}

	empty, err := ParseChildren("[]")
	if err != nil || len(empty) != 0 {
		t.Errorf("ParseChildren([]) = %v, %v", empty, err)
	}
}
