package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

const (
	recordFile = "task.json"
	lockFile   = ".lock"

	// DefaultLockStale is how long a record lock may be held before other
	// processes assume its owner crashed and break it.
	DefaultLockStale = 30 * time.Second
)

// FileStore keeps one directory per task under a hierarchical root:
//
//	<root>/current/<id>/task.json
//	<root>/archived/<id>/task.json
//
// Records are published with write-to-temp-then-rename so readers never
// observe a half-written file. Updates take a short-lived per-record lock
// file and compare revisions before renaming the new version into place.
type FileStore struct {
	root      string
	lockStale time.Duration

	// mu serializes writers inside this process; cross-process exclusion
	// comes from the lock files.
	mu sync.Mutex
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithLockStale overrides DefaultLockStale.
func WithLockStale(d time.Duration) FileStoreOption {
	return func(s *FileStore) {
		if d > 0 {
			s.lockStale = d
		}
	}
}

// OpenFileStore opens (and creates if needed) a file-backed store at root.
func OpenFileStore(root string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{root: root, lockStale: DefaultLockStale}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.nsDir(NamespaceCurrent), s.nsDir(NamespaceArchived)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return s, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Close is a no-op; the file store holds no open handles between calls.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) nsDir(ns Namespace) string {
	return filepath.Join(s.root, string(ns))
}

func (s *FileStore) recordDir(ns Namespace, id string) string {
	return filepath.Join(s.nsDir(ns), id)
}

func (s *FileStore) recordPath(ns Namespace, id string) string {
	return filepath.Join(s.recordDir(ns, id), recordFile)
}

// Create publishes a new record. The record directory is created with
// os.Mkdir, which fails if another creator got there first.
func (s *FileStore) Create(ctx context.Context, t *models.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(t.ID); err != nil {
		return fmt.Errorf("create task %q: %w", t.ID, err)
	}

	if _, err := os.Stat(s.recordDir(NamespaceArchived, t.ID)); err == nil {
		return fmt.Errorf("create task %s: %w", t.ID, ErrDuplicateID)
	}

	dir := s.recordDir(NamespaceCurrent, t.ID)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create task %s: %w", t.ID, ErrDuplicateID)
		}
		return fmt.Errorf("create task directory: %w", err)
	}

	t.Revision = 1
	data, err := models.Encode(t)
	if err != nil {
		os.Remove(dir)
		return err
	}
	if err := writeAtomic(dir, recordFile, data); err != nil {
		os.Remove(dir)
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Read returns a record, looking in the current namespace first.
func (s *FileStore) Read(ctx context.Context, id string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("read task %q: %w", id, ErrNotFound)
	}

	t, err := readRecord(s.recordPath(NamespaceCurrent, id))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	t, err = readRecord(s.recordPath(NamespaceArchived, id))
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	return t, nil
}

// Update applies fn to a copy of the current record and publishes the
// result if the on-disk revision still matches the one that was read.
func (s *FileStore) Update(ctx context.Context, id string, fn Mutator) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("update task %q: %w", id, ErrNotFound)
	}

	path := s.recordPath(NamespaceCurrent, id)
	cur, err := readRecord(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if _, aerr := os.Stat(s.recordPath(NamespaceArchived, id)); aerr == nil {
				return nil, fmt.Errorf("update task %s: %w", id, ErrArchived)
			}
		}
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Revision = cur.Revision + 1

	data, err := models.Encode(next)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.recordDir(NamespaceCurrent, id)
	lk, err := s.lock(dir)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	defer lk.release()

	onDisk, err := readRecord(path)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if onDisk.Revision != cur.Revision {
		return nil, fmt.Errorf("update task %s: revision %d is now %d: %w",
			id, cur.Revision, onDisk.Revision, ErrConflict)
	}
	if !lk.held() {
		return nil, fmt.Errorf("update task %s: record lock was broken: %w", id, ErrConflict)
	}

	if err := writeAtomic(dir, recordFile, data); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return next, nil
}

// Scan yields matching records. Ordering requires the whole namespace to be
// read, so the directory walk happens when iteration starts.
func (s *FileStore) Scan(ctx context.Context, f Filter) iter.Seq2[*models.Task, error] {
	return func(yield func(*models.Task, error) bool) {
		var namespaces []Namespace
		switch f.namespace() {
		case NamespaceAll:
			namespaces = []Namespace{NamespaceCurrent, NamespaceArchived}
		default:
			namespaces = []Namespace{f.namespace()}
		}

		var tasks []*models.Task
		for _, ns := range namespaces {
			found, err := s.readNamespace(ctx, ns, f)
			if err != nil {
				yield(nil, err)
				return
			}
			tasks = append(tasks, found...)
		}

		SortTasks(tasks)
		for i, t := range tasks {
			if f.Limit > 0 && i >= f.Limit {
				return
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (s *FileStore) readNamespace(ctx context.Context, ns Namespace, f Filter) ([]*models.Task, error) {
	entries, err := os.ReadDir(s.nsDir(ns))
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", ns, err)
	}

	var tasks []*models.Task
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		t, err := readRecord(s.recordPath(ns, entry.Name()))
		if err != nil {
			// Directories without a published record are mid-create or
			// mid-archive; they are invisible until the rename lands.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if f.Matches(t) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// Archive moves a terminal record out of the current namespace.
func (s *FileStore) Archive(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("archive task %q: %w", id, err)
	}

	t, err := readRecord(s.recordPath(NamespaceCurrent, id))
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}

	live, err := List(ctx, s, Filter{})
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}
	if err := checkArchivable(t, live); err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.recordDir(NamespaceCurrent, id)
	lk, err := s.lock(dir)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}

	onDisk, err := readRecord(s.recordPath(NamespaceCurrent, id))
	if err != nil || onDisk.Revision != t.Revision || !lk.held() {
		lk.release()
		return fmt.Errorf("archive task %s: %w", id, ErrConflict)
	}

	dest := s.recordDir(NamespaceArchived, id)
	if err := os.Rename(dir, dest); err != nil {
		lk.release()
		return fmt.Errorf("archive task %s: %w", id, err)
	}
	// The lock file travelled with the directory.
	os.Remove(filepath.Join(dest, lockFile))
	return nil
}

// recordLock is a lock file this process created. Its identity is the
// file itself, so a lock that was broken and re-taken by someone else is
// not mistaken for ours.
type recordLock struct {
	path string
	info fs.FileInfo
}

// held reports whether the lock file on disk is still the one we created.
func (l *recordLock) held() bool {
	return sameLock(l.path, l.info)
}

func (l *recordLock) release() {
	if l.held() {
		os.Remove(l.path)
	}
}

func sameLock(path string, want fs.FileInfo) bool {
	got, err := os.Stat(path)
	return err == nil && os.SameFile(got, want) && got.ModTime().Equal(want.ModTime())
}

// lock takes the record lock file. A lock older than lockStale is treated
// as abandoned by a crashed process and broken.
func (s *FileStore) lock(dir string) (*recordLock, error) {
	path := filepath.Join(dir, lockFile)

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			info, err := f.Stat()
			f.Close()
			if err != nil {
				os.Remove(path)
				return nil, fmt.Errorf("take record lock: %w", err)
			}
			return &recordLock{path: path, info: info}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("take record lock: %w", err)
		}

		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || time.Since(info.ModTime()) < s.lockStale {
			return nil, ErrConflict
		}
		if !breakLock(path, info) {
			return nil, ErrConflict
		}
	}
	return nil, ErrConflict
}

// breakLock removes the stale lock described by stale. The lock is first
// renamed aside so that only one process can take it; if what was moved
// turns out to be a fresh lock another process took in the meantime, it
// is linked back. It reports whether the caller may retry the lock.
func breakLock(path string, stale fs.FileInfo) bool {
	aside := fmt.Sprintf("%s.broken-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		// Somebody else broke it first.
		return errors.Is(err, fs.ErrNotExist)
	}
	if sameLock(aside, stale) {
		os.Remove(aside)
		return true
	}
	// If the link fails a third process holds the lock and the owner of
	// the moved one will see it is no longer held before writing.
	_ = os.Link(aside, path)
	os.Remove(aside)
	return false
}

// readRecord loads a record file, mapping a missing file to ErrNotFound.
func readRecord(path string) (*models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return models.Decode(data)
}

// writeAtomic writes data to a temp file in dir and renames it over name.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// RawRecord returns the persisted bytes of a record.
func (s *FileStore) RawRecord(id string) ([]byte, error) {
	data, err := os.ReadFile(s.recordPath(NamespaceCurrent, id))
	if errors.Is(err, fs.ErrNotExist) {
		data, err = os.ReadFile(s.recordPath(NamespaceArchived, id))
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

var _ Store = (*FileStore)(nil)
