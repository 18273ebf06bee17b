package interrupt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupChannel(t *testing.T) *Channel {
	t.Helper()
	c, err := Open(Dir(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSignal_PendingAndClear(t *testing.T) {
	c := setupChannel(t)

	if _, ok := c.Pending("t1"); ok {
		t.Fatal("no marker expected before Signal")
	}

	if err := c.Signal("t1", "edited"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	m, ok := c.Pending("t1")
	if !ok {
		t.Fatal("expected pending marker")
	}
	if m.Reason != "edited" || m.TaskID != "t1" {
		t.Errorf("marker = %+v", m)
	}

	if err := c.Clear("t1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := c.Pending("t1"); ok {
		t.Error("marker should be gone after Clear")
	}
	if err := c.Clear("t1"); err != nil {
		t.Errorf("second Clear should be a no-op, got %v", err)
	}
}

func TestSignal_IsIdempotent(t *testing.T) {
	c := setupChannel(t)

	for _, reason := range []string{"first", "second"} {
		if err := c.Signal("t1", reason); err != nil {
			t.Fatalf("Signal(%s): %v", reason, err)
		}
	}

	markers, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(markers) != 1 {
		t.Fatalf("List() returned %d markers, want 1", len(markers))
	}
	if markers[0].Reason != "second" {
		t.Errorf("reason = %q, want last signal to win", markers[0].Reason)
	}
}

func TestSignal_RejectsBadID(t *testing.T) {
	c := setupChannel(t)
	for _, id := range []string{"", "../x", `a\b`} {
		if err := c.Signal(id, "r"); err == nil {
			t.Errorf("Signal(%q) should fail", id)
		}
	}
}

func TestCheckpoint(t *testing.T) {
	c := setupChannel(t)
	ctx := context.Background()

	if err := c.Checkpoint(ctx, "t1"); err != nil {
		t.Fatalf("Checkpoint without marker = %v", err)
	}

	if err := c.Signal("t1", "edited"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	err := c.Checkpoint(ctx, "t1")
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Checkpoint = %v, want ErrInterrupted", err)
	}
	var ie *InterruptedError
	if !errors.As(err, &ie) || ie.Marker.Reason != "edited" {
		t.Errorf("expected InterruptedError with reason, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := c.Checkpoint(cancelled, "t2"); !errors.Is(err, context.Canceled) {
		t.Errorf("Checkpoint on cancelled ctx = %v", err)
	}
}

func TestPending_SeesMarkerFromAnotherProcess(t *testing.T) {
	dir := Dir(t.TempDir())
	writer, err := Open(dir)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	reader, err := Open(dir)
	if err != nil {
		t.Fatalf("Open reader: %v", err)
	}

	if err := writer.Signal("shared", "stop"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if _, ok := reader.Pending("shared"); !ok {
		t.Error("reader should observe marker via the filesystem")
	}
}

func TestPending_UnparseableMarkerStillStops(t *testing.T) {
	c := setupChannel(t)
	if err := os.WriteFile(filepath.Join(c.dir, "raw"+markerSuffix), []byte("please stop"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, ok := c.Pending("raw")
	if !ok || m.Reason != "please stop" {
		t.Errorf("Pending = %+v, %v", m, ok)
	}
}

func TestNotify_FiresOnLocalSignal(t *testing.T) {
	c := setupChannel(t)

	ch, unsubscribe := c.Notify("t1")
	defer unsubscribe()

	if err := c.Signal("t1", "edited"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Notify channel not closed after Signal")
	}
}

func TestWatch_ObservesMarkerWrittenElsewhere(t *testing.T) {
	dir := Dir(t.TempDir())
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	if err := c.Watch(); err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}

	ch, unsubscribe := c.Notify("remote")
	defer unsubscribe()

	other, err := Open(dir)
	if err != nil {
		t.Fatalf("Open other: %v", err)
	}
	if err := other.Signal("remote", "edited"); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe marker")
	}
	if !c.Flagged("remote") {
		t.Error("expected marker to be flagged")
	}
}
