package deps

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Creator is the single entry point for publishing new tasks. It
// validates dependencies, assigns an id and picks the initial status.
type Creator struct {
	store    store.Store
	resolver *Resolver
	now      func() time.Time
}

// CreatorOption configures a Creator.
type CreatorOption func(*Creator)

// WithCreatorClock overrides time.Now, for tests.
func WithCreatorClock(now func() time.Time) CreatorOption {
	return func(c *Creator) {
		c.now = now
		c.resolver.now = now
	}
}

// NewCreator returns a creator publishing into s.
func NewCreator(s store.Store, opts ...CreatorOption) *Creator {
	c := &Creator{store: s, resolver: NewResolver(s), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolver returns the resolver the creator validates with.
func (c *Creator) Resolver() *Resolver {
	return c.resolver
}

// Create validates spec and publishes it as a new task, returning its id.
func (c *Creator) Create(ctx context.Context, spec models.TaskSpec) (string, error) {
	t, err := c.Build(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := c.store.Create(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// Build validates spec and returns the record Create would publish,
// without writing it.
func (c *Creator) Build(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	desc := models.ValidText(strings.TrimSpace(spec.Description))
	if desc == "" {
		return nil, fmt.Errorf("create task: description is required")
	}

	id := spec.ID
	if id == "" {
		id = NewID(desc, spec.ParentID != "", c.now())
	}
	if err := store.ValidateID(id); err != nil {
		return nil, fmt.Errorf("create task %q: %w", id, err)
	}

	if spec.ParentID != "" {
		if spec.ParentID == id {
			return nil, fmt.Errorf("task %s cannot be its own parent: %w", id, ErrInvalidParent)
		}
		if _, err := c.store.Read(ctx, spec.ParentID); err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID) {
				return nil, fmt.Errorf("task %s has unknown parent %s: %w", id, spec.ParentID, ErrInvalidParent)
			}
			return nil, fmt.Errorf("read parent %s: %w", spec.ParentID, err)
		}
	}

	deps := dedupe(spec.Dependencies)
	if err := c.resolver.Validate(ctx, id, deps); err != nil {
		return nil, err
	}
	status, err := c.resolver.InitialStatus(ctx, deps)
	if err != nil {
		return nil, err
	}

	tag := models.ValidText(spec.CapabilityTag)
	if tag == "" {
		tag = models.CapabilityAuto
	}

	var meta map[string]any
	if len(spec.Metadata) > 0 {
		meta = maps.Clone(spec.Metadata)
	}

	return &models.Task{
		ID:            id,
		Description:   desc,
		CapabilityTag: tag,
		Status:        status,
		Priority:      spec.Priority,
		Dependencies:  deps,
		ParentID:      spec.ParentID,
		CreatedAt:     c.now().UTC(),
		CreatedBy:     spec.CreatedBy,
		Metadata:      meta,
	}, nil
}

// NewID generates a task id. Children get uuid ids; top-level tasks get a
// readable task-<unix>-<slug>-<rand> id.
func NewID(description string, child bool, now time.Time) string {
	if child {
		return uuid.New().String()
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	if slug := Slug(description); slug != "" {
		return fmt.Sprintf("task-%d-%s-%s", now.Unix(), slug, suffix)
	}
	return fmt.Sprintf("task-%d-%s", now.Unix(), suffix)
}

// Slug reduces a description to at most four lowercase words joined by
// hyphens.
func Slug(description string) string {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	})
	if len(words) > 4 {
		words = words[:4]
	}
	slug := strings.Join(words, "-")
	if len(slug) > 32 {
		slug = strings.TrimRight(slug[:32], "-")
	}
	return slug
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
