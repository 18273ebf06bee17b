package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_RunShell(t *testing.T) {
	r := NewRunner()
	dir := t.TempDir()

	out, err := r.RunShell(context.Background(), dir, "pwd; echo oops >&2")
	if err != nil {
		t.Fatalf("RunShell: %v", err)
	}
	if !strings.Contains(string(out), dir) || !strings.Contains(string(out), "oops") {
		t.Errorf("output = %q, want workdir and stderr", out)
	}
}

func TestExecRunner_ExitCode(t *testing.T) {
	_, err := NewRunner().RunShell(context.Background(), "", "exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := ExitCode(err); got != 3 {
		t.Errorf("ExitCode = %d, want 3", got)
	}
	if got := ExitCode(errors.New("plain")); got != -1 {
		t.Errorf("ExitCode(plain) = %d, want -1", got)
	}
}

func TestExecRunner_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewRunner().RunShell(ctx, "", "sleep 30")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancelled command was not killed")
	}
}
