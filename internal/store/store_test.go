package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

// backends returns a constructor per available store backend.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	b := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := OpenFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("OpenFileStore: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQL(DriverSQLite, filepath.Join(t.TempDir(), "hive.db"))
			if err != nil {
				t.Fatalf("OpenSQL: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("HIVE_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			s, err := OpenSQL(DriverPostgres, dsn)
			if err != nil {
				t.Fatalf("OpenSQL postgres: %v", err)
			}
			if _, err := s.conn.Exec("DELETE FROM tasks"); err != nil {
				t.Fatalf("reset tasks: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

func newTask(id string, priority int, created time.Time) *models.Task {
	return &models.Task{
		ID:            id,
		Description:   "task " + id,
		CapabilityTag: models.CapabilityAuto,
		Status:        models.TaskStatusAvailable,
		Priority:      priority,
		CreatedAt:     created.UTC(),
		CreatedBy:     "test",
	}
}

func TestStore_CreateRead(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			task := newTask("a", 1, time.Now())
			task.Metadata = map[string]any{"hint": "use the index"}

			if err := s.Create(ctx, task); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if task.Revision != 1 {
				t.Errorf("Revision = %d, want 1", task.Revision)
			}

			got, err := s.Read(ctx, "a")
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got.Description != task.Description || got.MetaString("hint") != "use the index" {
				t.Errorf("Read returned %+v", got)
			}
		})
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if err := s.Create(ctx, newTask("dup", 0, time.Now())); err != nil {
				t.Fatalf("Create: %v", err)
			}
			err := s.Create(ctx, newTask("dup", 0, time.Now()))
			if !errors.Is(err, ErrDuplicateID) {
				t.Errorf("second Create error = %v, want ErrDuplicateID", err)
			}
		})
	}
}

func TestStore_ReadNotFound(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if _, err := s.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Read error = %v, want ErrNotFound", err)
			}
			_, err := s.Update(ctx, "missing", func(*models.Task) error { return nil })
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Update error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_UpdateDetectsLostUpdate(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if err := s.Create(ctx, newTask("x", 0, time.Now())); err != nil {
				t.Fatalf("Create: %v", err)
			}

			_, err := s.Update(ctx, "x", func(outer *models.Task) error {
				// Another writer lands between this read and our write.
				if _, err := s.Update(ctx, "x", func(inner *models.Task) error {
					inner.Priority = 7
					return nil
				}); err != nil {
					t.Fatalf("inner Update: %v", err)
				}
				outer.Priority = 1
				return nil
			})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("outer Update error = %v, want ErrConflict", err)
			}

			got, err := s.Read(ctx, "x")
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got.Priority != 7 {
				t.Errorf("Priority = %d, want the inner write (7)", got.Priority)
			}
			if got.Revision != 2 {
				t.Errorf("Revision = %d, want 2", got.Revision)
			}
		})
	}
}

func TestStore_UpdateMutatorErrorAborts(t *testing.T) {
	ctx := context.Background()
	abort := errors.New("abort")
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if err := s.Create(ctx, newTask("m", 0, time.Now())); err != nil {
				t.Fatalf("Create: %v", err)
			}
			_, err := s.Update(ctx, "m", func(t *models.Task) error {
				t.Priority = 99
				return abort
			})
			if !errors.Is(err, abort) {
				t.Fatalf("Update error = %v, want abort", err)
			}
			got, _ := s.Read(ctx, "m")
			if got.Priority != 0 || got.Revision != 1 {
				t.Errorf("aborted update was written: %+v", got)
			}
		})
	}
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if err := s.Create(ctx, newTask("counter", 0, time.Now())); err != nil {
				t.Fatalf("Create: %v", err)
			}

			const writers = 8
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						_, err := s.Update(ctx, "counter", func(t *models.Task) error {
							t.Priority++
							return nil
						})
						if err == nil {
							return
						}
						if !errors.Is(err, ErrConflict) {
							t.Errorf("Update: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()

			got, err := s.Read(ctx, "counter")
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got.Priority != writers {
				t.Errorf("Priority = %d, want %d", got.Priority, writers)
			}
		})
	}
}

func TestStore_ListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			tasks := []*models.Task{
				newTask("low", 1, base),
				newTask("high-late", 5, base.Add(2*time.Minute)),
				newTask("high-early", 5, base.Add(time.Minute)),
				newTask("blocked", 9, base),
			}
			tasks[3].Status = models.TaskStatusBlocked
			tasks[0].CapabilityTag = models.CapabilitySearch
			for _, task := range tasks {
				if err := s.Create(ctx, task); err != nil {
					t.Fatalf("Create %s: %v", task.ID, err)
				}
			}

			got, err := List(ctx, s, Filter{Statuses: []models.TaskStatus{models.TaskStatusAvailable}})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := []string{"high-early", "high-late", "low"}
			if len(got) != len(want) {
				t.Fatalf("List returned %d tasks, want %d", len(got), len(want))
			}
			for i, id := range want {
				if got[i].ID != id {
					t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
				}
			}

			tagged, err := List(ctx, s, Filter{CapabilityTag: models.CapabilitySearch})
			if err != nil {
				t.Fatalf("List by tag: %v", err)
			}
			if len(tagged) != 1 || tagged[0].ID != "low" {
				t.Errorf("tag filter returned %v", ids(tagged))
			}

			limited, err := List(ctx, s, Filter{Limit: 2})
			if err != nil {
				t.Fatalf("List limited: %v", err)
			}
			if len(limited) != 2 || limited[0].ID != "blocked" {
				t.Errorf("limited list returned %v", ids(limited))
			}
		})
	}
}

func TestStore_ScanIsRestartable(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	seq := s.Scan(ctx, Filter{})
	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			n++
		}
		return n
	}

	if n := count(); n != 0 {
		t.Fatalf("first scan = %d, want 0", n)
	}
	if err := s.Create(ctx, newTask("late", 0, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n := count(); n != 1 {
		t.Errorf("second scan = %d, want 1", n)
	}
}

func TestStore_Archive(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			done := newTask("done", 0, time.Now())
			done.Status = models.TaskStatusCompleted
			waiting := newTask("waiting", 0, time.Now())
			waiting.Status = models.TaskStatusBlocked
			waiting.Dependencies = []string{"done"}
			live := newTask("live", 0, time.Now())

			for _, task := range []*models.Task{done, waiting, live} {
				if err := s.Create(ctx, task); err != nil {
					t.Fatalf("Create %s: %v", task.ID, err)
				}
			}

			if err := s.Archive(ctx, "live"); !errors.Is(err, ErrNotTerminal) {
				t.Errorf("Archive(live) = %v, want ErrNotTerminal", err)
			}
			if err := s.Archive(ctx, "done"); !errors.Is(err, ErrReferenced) {
				t.Errorf("Archive(done) = %v, want ErrReferenced", err)
			}

			if _, err := s.Update(ctx, "waiting", func(t *models.Task) error {
				t.Status = models.TaskStatusCancelled
				return nil
			}); err != nil {
				t.Fatalf("cancel waiting: %v", err)
			}
			if err := s.Archive(ctx, "done"); err != nil {
				t.Fatalf("Archive(done): %v", err)
			}

			got, err := s.Read(ctx, "done")
			if err != nil {
				t.Fatalf("Read archived: %v", err)
			}
			if got.Status != models.TaskStatusCompleted {
				t.Errorf("archived status = %s", got.Status)
			}

			_, err = s.Update(ctx, "done", func(*models.Task) error { return nil })
			if !errors.Is(err, ErrArchived) {
				t.Errorf("Update archived = %v, want ErrArchived", err)
			}
			if err := s.Create(ctx, newTask("done", 0, time.Now())); !errors.Is(err, ErrDuplicateID) {
				t.Errorf("Create over archived id = %v, want ErrDuplicateID", err)
			}

			current, _ := List(ctx, s, Filter{})
			for _, task := range current {
				if task.ID == "done" {
					t.Error("archived task still listed in current namespace")
				}
			}
			archived, _ := List(ctx, s, Filter{Namespace: NamespaceArchived})
			if len(archived) != 1 || archived[0].ID != "done" {
				t.Errorf("archived listing = %v", ids(archived))
			}
		})
	}
}

func TestFileStore_RoundTripIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	task := newTask("rt", 3, time.Now())
	task.Dependencies = []string{}
	task.Metadata = map[string]any{"steps": []string{"a", "b"}, "n": 3}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	raw, err := s.RawRecord("rt")
	if err != nil {
		t.Fatalf("RawRecord: %v", err)
	}
	got, err := s.Read(ctx, "rt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	again, err := models.Encode(got)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(raw) != string(again) {
		t.Errorf("persisted and re-serialized records differ:\n%s\n---\n%s", raw, again)
	}
}

func TestFileStore_InvalidID(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	for _, id := range []string{"", ".", "..", "../escape", "a/b", ".hidden"} {
		if err := s.Create(context.Background(), newTask(id, 0, time.Now())); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Create(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestFileStore_BreaksStaleLock(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir(), WithLockStale(time.Millisecond))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.Create(ctx, newTask("l", 0, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	lockPath := filepath.Join(s.recordDir(NamespaceCurrent, "l"), lockFile)
	if err := os.WriteFile(lockPath, []byte("crashed"), 0644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	os.Chtimes(lockPath, old, old)

	if _, err := s.Update(ctx, "l", func(t *models.Task) error {
		t.Priority = 2
		return nil
	}); err != nil {
		t.Fatalf("Update with stale lock: %v", err)
	}
}

func TestFileStore_StaleLockIsBrokenOnce(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.Create(ctx, newTask("b", 0, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	lockPath := filepath.Join(s.recordDir(NamespaceCurrent, "b"), lockFile)
	if err := os.WriteFile(lockPath, []byte("crashed"), 0644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(lockPath, old, old)
	stale, err := os.Stat(lockPath)
	if err != nil {
		t.Fatalf("stat lock: %v", err)
	}

	// Another process breaks the stale lock and takes a fresh one before
	// this one gets round to it.
	if err := os.Rename(lockPath, lockPath+".other"); err != nil {
		t.Fatalf("rename lock: %v", err)
	}
	if err := os.WriteFile(lockPath, []byte("fresh"), 0644); err != nil {
		t.Fatalf("write fresh lock: %v", err)
	}

	if breakLock(lockPath, stale) {
		t.Error("breakLock removed a lock it did not observe as stale")
	}
	data, err := os.ReadFile(lockPath)
	if err != nil || string(data) != "fresh" {
		t.Fatalf("fresh lock = %q, %v; want it restored", data, err)
	}

	_, err = s.Update(ctx, "b", func(*models.Task) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Update while fresh lock held = %v, want ErrConflict", err)
	}
}

func TestFileStore_LockNotHeldOnceReplaced(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.Create(ctx, newTask("r", 0, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dir := s.recordDir(NamespaceCurrent, "r")
	lk, err := s.lock(dir)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !lk.held() {
		t.Fatal("fresh lock not held")
	}

	lockPath := filepath.Join(dir, lockFile)
	if err := os.Rename(lockPath, lockPath+".moved"); err != nil {
		t.Fatalf("rename lock: %v", err)
	}
	if err := os.WriteFile(lockPath, []byte("someone else"), 0644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	if lk.held() {
		t.Error("held() = true after the lock file was replaced")
	}

	lk.release()
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("release removed a lock it no longer owned: %v", err)
	}
}

func TestFileStore_ArchiveRejectsInvalidID(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	for _, id := range []string{"../x", "a/b", ""} {
		if err := s.Archive(context.Background(), id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Archive(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestFileStore_HeldLockIsConflict(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.Create(ctx, newTask("h", 0, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	lockPath := filepath.Join(s.recordDir(NamespaceCurrent, "h"), lockFile)
	if err := os.WriteFile(lockPath, []byte("busy"), 0644); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	_, err = s.Update(ctx, "h", func(*models.Task) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Update with held lock = %v, want ErrConflict", err)
	}
}

func TestOpen_Backends(t *testing.T) {
	root := t.TempDir()

	s, err := Open(Options{Root: root})
	if err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("default backend = %T, want *FileStore", s)
	}

	s, err = Open(Options{Backend: BackendSQLite, Root: root})
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(DBPath(root)); err != nil {
		t.Errorf("sqlite database not created: %v", err)
	}

	if _, err := Open(Options{Backend: BackendPostgres}); err == nil {
		t.Error("postgres without dsn should fail")
	}
	if _, err := Open(Options{Backend: "etcd"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestSQLStore_Migrate(t *testing.T) {
	s, err := OpenSQL(DriverSQLite, filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion = %d, want 2", v)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
