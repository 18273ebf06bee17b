package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

const release = `
defaults:
  capability_tag: terminal
  priority: 2
tasks:
  - name: publish
    description: publish the release
    depends_on: [build, test]
    capability_tag: auto
  - name: build
    description: go build ./...
  - name: test
    description: go test ./...
    depends_on: [build]
    metadata:
      command: go test -race ./...
`

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		errText bool
	}{
		{name: "valid", data: release},
		{name: "empty", data: "tasks: []", errText: true},
		{name: "missing description", data: "tasks:\n  - name: a\n", errText: true},
		{name: "duplicate name", data: "tasks:\n  - {name: a, description: x}\n  - {name: a, description: y}\n", errText: true},
		{
			name:    "cycle",
			data:    "tasks:\n  - {name: a, description: x, depends_on: [b]}\n  - {name: b, description: y, depends_on: [a]}\n",
			wantErr: deps.ErrCyclicDependency,
		},
		{name: "not yaml", data: "tasks: [", errText: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.errText:
				if err == nil {
					t.Error("expected error")
				}
			default:
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestLoadAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.yaml")
	if err := os.WriteFile(path, []byte(release), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Tasks[2].Metadata["command"] != "go test -race ./..." {
		t.Errorf("metadata = %v", f.Tasks[2].Metadata)
	}

	s, err := store.OpenFileStore(filepath.Join(dir, ".hive"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ids, err := f.Apply(ctx, deps.NewCreator(s), "tester")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}

	publish, build, test := read(t, s, ids[0]), read(t, s, ids[1]), read(t, s, ids[2])
	if build.Status != models.TaskStatusAvailable || build.CapabilityTag != "terminal" || build.Priority != 2 {
		t.Errorf("build = %s %s p%d", build.Status, build.CapabilityTag, build.Priority)
	}
	if test.Status != models.TaskStatusBlocked || len(test.Dependencies) != 1 || test.Dependencies[0] != build.ID {
		t.Errorf("test = %s deps %v", test.Status, test.Dependencies)
	}
	if publish.CapabilityTag != models.CapabilityAuto || len(publish.Dependencies) != 2 {
		t.Errorf("publish = %s deps %v", publish.CapabilityTag, publish.Dependencies)
	}
	if build.CreatedBy != "tester" {
		t.Errorf("CreatedBy = %q", build.CreatedBy)
	}
}

func TestApply_ExistingDependency(t *testing.T) {
	s, err := store.OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	creator := deps.NewCreator(s)
	if _, err := creator.Create(ctx, models.TaskSpec{ID: "schema", Description: "migrate"}); err != nil {
		t.Fatal(err)
	}

	f, err := Parse([]byte("tasks:\n  - {name: seed, description: seed data, depends_on: [schema]}\n  - {name: verify, description: verify, depends_on: [missing]}\n"))
	if err != nil {
		t.Fatal(err)
	}
	created, err := f.Apply(ctx, creator, "")
	if !errors.Is(err, deps.ErrInvalidDependency) {
		t.Fatalf("Apply err = %v, want ErrInvalidDependency", err)
	}
	if len(created) != 1 {
		t.Fatalf("created = %v, want the seed task only", created)
	}
	if got := read(t, s, created[0]); got.Dependencies[0] != "schema" {
		t.Errorf("seed deps = %v", got.Dependencies)
	}
}

func read(t *testing.T, s store.Store, id string) *models.Task {
	t.Helper()
	got, err := s.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("Read %s: %v", id, err)
	}
	return got
}
