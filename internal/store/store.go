// Package store provides durable storage for task records.
// Records live in a "current" namespace while they are in play and move to
// an "archived" namespace once they are terminal and no longer referenced.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"

	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	// ErrDuplicateID is returned by Create when the id already exists.
	ErrDuplicateID = errors.New("duplicate task id")
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a record changed between read and write.
	ErrConflict = errors.New("concurrent modification")
	// ErrArchived is returned when updating a record in the archived namespace.
	ErrArchived = errors.New("task is archived")
	// ErrReferenced is returned when archiving a record still referenced by live work.
	ErrReferenced = errors.New("task is referenced by a non-terminal task")
	// ErrNotTerminal is returned when archiving a record that is still in play.
	ErrNotTerminal = errors.New("task is not terminal")
	// ErrInvalidID is returned for ids that cannot be used as record keys.
	ErrInvalidID = errors.New("invalid task id")
)

// Namespace selects which partition of the store a listing covers.
type Namespace string

const (
	// NamespaceCurrent holds records that are still in play.
	NamespaceCurrent Namespace = "current"
	// NamespaceArchived holds terminal records moved out of the way.
	NamespaceArchived Namespace = "archived"
	// NamespaceAll covers both partitions.
	NamespaceAll Namespace = "all"
)

// Mutator transforms a copy of the current record. Returning an error
// aborts the update without writing.
type Mutator func(t *models.Task) error

// Filter selects records for List and Scan. Zero values match everything
// in the current namespace.
type Filter struct {
	Statuses      []models.TaskStatus
	CapabilityTag string
	ParentID      string
	MinPriority   *int
	Namespace     Namespace
	Limit         int
}

// Matches reports whether a record satisfies the filter predicate.
// Namespace and Limit are applied by the backend.
func (f Filter) Matches(t *models.Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.CapabilityTag != "" && t.CapabilityTag != f.CapabilityTag {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.MinPriority != nil && t.Priority < *f.MinPriority {
		return false
	}
	return true
}

func (f Filter) namespace() Namespace {
	if f.Namespace == "" {
		return NamespaceCurrent
	}
	return f.Namespace
}

// Store is the shared task record store every worker reads and writes.
type Store interface {
	io.Closer

	// Create publishes a new record atomically and sets its revision.
	Create(ctx context.Context, t *models.Task) error
	// Read returns the record from either namespace.
	Read(ctx context.Context, id string) (*models.Task, error)
	// Update applies fn to the current record and writes it back only if
	// nobody else wrote in between.
	Update(ctx context.Context, id string, fn Mutator) (*models.Task, error)
	// Scan lazily yields matching records in priority order. Each range
	// over the returned sequence re-reads the store.
	Scan(ctx context.Context, f Filter) iter.Seq2[*models.Task, error]
	// Archive moves a terminal, unreferenced record to the archived namespace.
	Archive(ctx context.Context, id string) error
}

// List collects a Scan into a slice.
func List(ctx context.Context, s Store, f Filter) ([]*models.Task, error) {
	var out []*models.Task
	for t, err := range s.Scan(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SortTasks orders records by priority descending, then creation ascending,
// then id for a stable tie-break.
func SortTasks(tasks []*models.Task) {
	slices.SortStableFunc(tasks, func(a, b *models.Task) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// ValidateID rejects ids that are empty or unsafe as path components.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return ErrInvalidID
	}
	return nil
}

// referencedBy returns the first non-terminal record that names id as its
// parent or as a dependency.
func referencedBy(live []*models.Task, id string) *models.Task {
	for _, t := range live {
		if t.Status.IsTerminal() || t.ID == id {
			continue
		}
		if t.ParentID == id || slices.Contains(t.Dependencies, id) {
			return t
		}
	}
	return nil
}

// checkArchivable verifies a record may move to the archived namespace.
func checkArchivable(t *models.Task, live []*models.Task) error {
	if !t.Status.IsTerminal() {
		return ErrNotTerminal
	}
	if ref := referencedBy(live, t.ID); ref != nil {
		return fmt.Errorf("%w: referenced by %s", ErrReferenced, ref.ID)
	}
	return nil
}
