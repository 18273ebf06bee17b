// Package monitor reclaims abandoned work and settles tasks whose fate
// depends on other tasks. Every sweep is a short bounded batch; several
// monitors may run against one store because every write is a
// compare-and-set.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/interrupt"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Markers lists and clears interrupt markers.
type Markers interface {
	List() ([]interrupt.Marker, error)
	Clear(id string) error
}

// Config tunes a monitor.
type Config struct {
	// Interval between scheduled sweeps.
	Interval time.Duration
	// StaleAfter is how long a claim may go without activity.
	StaleAfter time.Duration
	// MaxAttempts is the attempt ceiling before a task is replanned.
	MaxAttempts int
	// ReplanMaxAttempts is the attempt ceiling for planning tasks.
	ReplanMaxAttempts int
	// MarkerGrace keeps fresh interrupt markers on idle tasks, so a live
	// edit racing a claim is not undone.
	MarkerGrace time.Duration
	// AutoArchive moves unreferenced terminal tasks out of the current namespace.
	AutoArchive bool
	// ArchiveAfter is how long a task must have been terminal before archiving.
	ArchiveAfter time.Duration
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		StaleAfter:        10 * time.Minute,
		MaxAttempts:       3,
		ReplanMaxAttempts: 2,
		MarkerGrace:       time.Minute,
		ArchiveAfter:      24 * time.Hour,
	}
}

// Report counts what one sweep did.
type Report struct {
	Released         int `json:"released"`
	Replanned        int `json:"replanned"`
	Exhausted        int `json:"exhausted"`
	Unblocked        int `json:"unblocked"`
	Reblocked        int `json:"reblocked"`
	DependencyFailed int `json:"dependency_failed"`
	ParentsCompleted int `json:"parents_completed"`
	ParentsFailed    int `json:"parents_failed"`
	Replaced         int `json:"replaced"`
	ReplanFailed     int `json:"replan_failed"`
	MarkersCleared   int `json:"markers_cleared"`
	Archived         int `json:"archived"`
	Errors           int `json:"errors"`
}

// Changed reports whether the sweep wrote anything.
func (r Report) Changed() bool {
	return r.Released+r.Replanned+r.Exhausted+r.Unblocked+r.Reblocked+r.DependencyFailed+
		r.ParentsCompleted+r.ParentsFailed+r.Replaced+r.ReplanFailed+r.MarkersCleared+r.Archived > 0
}

// Monitor runs sweeps over a store.
type Monitor struct {
	store    store.Store
	claims   *claim.Protocol
	resolver *deps.Resolver
	engine   *decompose.Engine
	markers  Markers
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now, for tests. Pass the same clock to the
// claim protocol.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// New creates a monitor. markers may be nil to skip marker hygiene.
func New(s store.Store, claims *claim.Protocol, resolver *deps.Resolver, engine *decompose.Engine,
	markers Markers, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReplanMaxAttempts <= 0 {
		cfg.ReplanMaxAttempts = def.ReplanMaxAttempts
	}

	m := &Monitor{
		store:    s,
		claims:   claims,
		resolver: resolver,
		engine:   engine,
		markers:  markers,
		cfg:      cfg,
		log:      logging.Component("monitor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Sweep runs one pass of every step. Errors on individual tasks are
// logged and counted; only a failure to list the store aborts the sweep.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	var r Report
	steps := []struct {
		name string
		fn   func(context.Context, *Report) error
	}{
		{"release stale claims", m.releaseStale},
		{"escalate repeated failures", m.escalate},
		{"recompute dependencies", m.recomputeDependencies},
		{"settle parents", m.settleParents},
		{"settle replanning", m.settleReplanning},
		{"clear markers", m.clearMarkers},
		{"archive", m.archive},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if err := step.fn(ctx, &r); err != nil {
			return r, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	if r.Changed() {
		m.log.Info().Interface("report", r).Msg("sweep")
	} else {
		m.log.Debug().Msg("sweep: nothing to do")
	}
	return r, nil
}

// skip logs an expected race at debug level and anything else as an error.
func (m *Monitor) skip(r *Report, id, step string, err error) {
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, claim.ErrClaimActive),
		errors.Is(err, errUnchanged), errors.Is(err, store.ErrReferenced):
		m.log.Debug().Str("task", id).Str("step", step).Err(err).Msg("skipped")
	default:
		r.Errors++
		m.log.Error().Str("task", id).Str("step", step).Err(err).Msg("sweep step failed")
	}
}

// errUnchanged aborts a mutator whose precondition no longer holds.
var errUnchanged = errors.New("task changed since it was inspected")

func (m *Monitor) list(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	return store.List(ctx, m.store, store.Filter{Statuses: statuses})
}

func (m *Monitor) ceiling(t *models.Task) int {
	if t.MetaString(models.MetaReplaces) != "" {
		return m.cfg.ReplanMaxAttempts
	}
	return m.cfg.MaxAttempts
}
