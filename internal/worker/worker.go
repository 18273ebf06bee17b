// Package worker runs the poll, claim, execute and release loop of one
// worker process. Workers share nothing but the task store; everything a
// worker knows between polls is its current claim.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/interrupt"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Signals is the part of the interrupt channel a worker consumes.
type Signals interface {
	Checkpoint(ctx context.Context, id string) error
	Pending(id string) (*interrupt.Marker, bool)
	Notify(id string) (<-chan struct{}, func())
	Clear(id string) error
	Signal(id, reason string) error
}

// RequiredConfig holds what every worker needs.
type RequiredConfig struct {
	// Store is the shared task store.
	Store store.Store
	// Signals is the interrupt channel for the same hive.
	Signals Signals
	// Registry maps capability tags to handlers. It must not be empty.
	Registry *Registry
}

// Option configures a Worker.
type Option func(*Worker)

// WithIdentity overrides the generated worker identity.
func WithIdentity(id string) Option {
	return func(w *Worker) {
		if id != "" {
			w.identity = id
		}
	}
}

// WithPollInterval sets the sleep between polls that found no work.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithHeartbeatInterval sets how often Checkpoint writes a heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeatEvery = d
		}
	}
}

// WithClaims replaces the claim protocol, for tests that control time.
func WithClaims(p *claim.Protocol) Option {
	return func(w *Worker) { w.claims = p }
}

// WithEngine replaces the decomposition engine.
func WithEngine(e *decompose.Engine) Option {
	return func(w *Worker) { w.engine = e }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker polls the store for runnable tasks it has a handler for.
type Worker struct {
	identity       string
	store          store.Store
	signals        Signals
	registry       *Registry
	claims         *claim.Protocol
	resolver       *deps.Resolver
	engine         *decompose.Engine
	pollInterval   time.Duration
	heartbeatEvery time.Duration
	log            zerolog.Logger
	now            func() time.Time
}

// New creates a worker.
func New(req RequiredConfig, opts ...Option) (*Worker, error) {
	if req.Store == nil || req.Signals == nil {
		return nil, fmt.Errorf("worker: store and signals are required")
	}
	if req.Registry == nil || req.Registry.Len() == 0 {
		return nil, fmt.Errorf("worker: no capability handlers registered")
	}

	w := &Worker{
		identity:       Identity(),
		store:          req.Store,
		signals:        req.Signals,
		registry:       req.Registry,
		pollInterval:   2 * time.Second,
		heartbeatEvery: 30 * time.Second,
		now:            time.Now,
		log:            logging.Component("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}

	creator := deps.NewCreator(w.store, deps.WithCreatorClock(w.now))
	w.resolver = creator.Resolver()
	if w.claims == nil {
		w.claims = claim.New(w.store, w.signals, claim.WithClock(w.now))
	}
	if w.engine == nil {
		w.engine = decompose.New(w.store, creator, w.signals, decompose.WithClock(w.now))
	}
	w.log = w.log.With().Str("worker", w.identity).Logger()
	return w, nil
}

// Identity returns a worker identity of the form <hostname>-<pid>-<uuid8>.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// ID returns the worker identity.
func (w *Worker) ID() string {
	return w.identity
}

// Run polls until ctx is done. A poll that ran a task is followed
// immediately by another; an idle poll sleeps for the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Strs("capabilities", w.registry.Tags()).
		Dur("poll_interval", w.pollInterval).
		Msg("worker started")
	defer w.log.Info().Msg("worker stopped")

	for {
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("poll failed")
		}
		if ctx.Err() != nil {
			return nil
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce makes one poll: it lists runnable tasks this worker can handle,
// claims the first it can in priority order, and runs it. It reports
// whether a task was run.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	candidates, err := w.candidates(ctx)
	if err != nil {
		return false, err
	}

	for _, t := range candidates {
		claimed, err := w.claims.TryClaim(ctx, t.ID, w.identity)
		if err != nil {
			if errors.Is(err, claim.ErrClaimFailed) {
				w.log.Debug().Str("task", t.ID).Msg("claim lost, trying next task")
				continue
			}
			return false, err
		}
		w.execute(ctx, claimed)
		return true, nil
	}
	return false, nil
}

// candidates returns available tasks that are runnable and matched by
// the registry, in priority order.
func (w *Worker) candidates(ctx context.Context) ([]*models.Task, error) {
	var out []*models.Task
	for t, err := range w.store.Scan(ctx, store.Filter{Statuses: []models.TaskStatus{models.TaskStatusAvailable}}) {
		if err != nil {
			return nil, fmt.Errorf("list available tasks: %w", err)
		}
		if _, ok := w.registry.Match(t); !ok {
			continue
		}
		ok, err := w.resolver.IsRunnable(ctx, t)
		if err != nil {
			w.log.Debug().Str("task", t.ID).Err(err).Msg("skipping task")
			continue
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// execute runs a claimed task and releases it with the handler's outcome.
func (w *Worker) execute(ctx context.Context, t *models.Task) {
	log := w.log.With().Str("task", t.ID).Str("capability", t.CapabilityTag).Logger()

	if _, err := w.claims.BeginWork(ctx, t.ID, w.identity); err != nil {
		w.logOwnership(log, err, "begin work")
		return
	}

	handler, _ := w.registry.Match(t)
	exec := &Execution{w: w, task: t, log: log, lastHeartbeat: w.now()}

	res, runErr := w.run(ctx, handler, exec)
	if exec.wasDecomposed() {
		log.Info().Msg("task parked waiting on children")
		return
	}

	resolution := w.resolve(ctx, t, res, runErr)

	// Release even when the worker is shutting down.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := w.claims.Release(rctx, t.ID, w.identity, resolution); err != nil {
		w.logOwnership(log, err, "release")
		return
	}

	ev := log.Info()
	if resolution.Outcome == models.OutcomeFailed {
		ev = log.Warn()
	}
	ev.Str("outcome", string(resolution.Outcome)).Str("reason", resolution.Reason).Msg("task released")
}

// run executes the handler with a context that is cancelled as soon as an
// interrupt for the task is observed.
func (w *Worker) run(ctx context.Context, h Handler, exec *Execution) (res Result, err error) {
	ectx, cancel := context.WithCancel(ctx)
	defer cancel()

	notified, unsubscribe := w.signals.Notify(exec.task.ID)
	defer unsubscribe()
	go func() {
		select {
		case <-notified:
			cancel()
		case <-ectx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if err := exec.Checkpoint(ectx); err != nil {
		return Result{}, err
	}
	return h.Execute(ectx, exec)
}

// resolve maps a handler's return values to a release.
func (w *Worker) resolve(ctx context.Context, t *models.Task, res Result, err error) claim.Resolution {
	if m, ok := w.signals.Pending(t.ID); ok {
		return claim.Resolution{Outcome: models.OutcomeInterrupted, Reason: m.Reason}
	}
	if errors.Is(err, interrupt.ErrInterrupted) {
		return claim.Resolution{Outcome: models.OutcomeInterrupted, Reason: err.Error()}
	}
	if ctx.Err() != nil {
		return claim.Resolution{Outcome: models.OutcomeInterrupted, Reason: "worker shutting down"}
	}
	if err != nil {
		return claim.Resolution{Outcome: models.OutcomeFailed, Reason: err.Error()}
	}

	outcome := res.Outcome
	if outcome == "" {
		outcome = models.OutcomeCompleted
	}
	if !outcome.Valid() || outcome == models.OutcomeInterrupted {
		return claim.Resolution{
			Outcome: models.OutcomeFailed,
			Reason:  fmt.Sprintf("handler returned unsupported outcome %q", res.Outcome),
		}
	}
	return claim.Resolution{Outcome: outcome, Result: res.Payload, Reason: res.Reason}
}

// logOwnership logs a failed claim-scoped call. Losing ownership means
// another actor released the task under us and is logged loudly; races
// are expected and are not.
func (w *Worker) logOwnership(log zerolog.Logger, err error, op string) {
	switch {
	case errors.Is(err, claim.ErrNotOwner):
		log.Error().Err(err).Str("op", op).Msg("lost ownership of task")
	case errors.Is(err, store.ErrConflict), errors.Is(err, claim.ErrClaimFailed):
		log.Debug().Err(err).Str("op", op).Msg("concurrent update")
	default:
		log.Error().Err(err).Str("op", op).Msg("claim operation failed")
	}
}
