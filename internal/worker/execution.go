package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// ErrDecomposed is returned by Decompose on a second call for one execution.
var ErrDecomposed = errors.New("task already decomposed")

// Result is what a handler reports for a task it finished.
type Result struct {
	// Outcome defaults to completed.
	Outcome models.Outcome
	// Payload becomes the task result on terminal outcomes.
	Payload json.RawMessage
	// Reason explains a failed, cancelled or requeued outcome.
	Reason string
}

// Completed is a convenience for a successful result carrying v as JSON.
func Completed(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: models.OutcomeCompleted, Payload: data}, nil
}

// Execution is a handler's view of the task it is running.
type Execution struct {
	w    *Worker
	task *models.Task
	log  zerolog.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
	decomposed    bool
}

// Task returns a copy of the task as it was when execution began.
func (e *Execution) Task() *models.Task {
	return e.task.Clone()
}

// Logger returns a logger tagged with the task and worker.
func (e *Execution) Logger() *zerolog.Logger {
	return &e.log
}

// Checkpoint returns an error wrapping interrupt.ErrInterrupted when the
// task has been signalled, or the context error on shutdown. It also
// records a progress heartbeat at most once per heartbeat interval.
func (e *Execution) Checkpoint(ctx context.Context) error {
	if err := e.w.signals.Checkpoint(ctx, e.task.ID); err != nil {
		return err
	}

	e.mu.Lock()
	due := e.w.now().Sub(e.lastHeartbeat) >= e.w.heartbeatEvery
	if due {
		e.lastHeartbeat = e.w.now()
	}
	e.mu.Unlock()
	if !due {
		return nil
	}

	_, err := e.w.claims.Heartbeat(ctx, e.task.ID, e.w.identity)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, claim.ErrNotOwner):
		// The claim was taken away; nothing we do now can be kept.
		return err
	case errors.Is(err, store.ErrConflict):
		e.log.Debug().Err(err).Msg("heartbeat conflict")
		return nil
	default:
		e.log.Warn().Err(err).Msg("heartbeat failed")
		return nil
	}
}

// Decompose creates children of the running task and parks it until they
// finish. The handler should return right after; the worker does not
// release a decomposed task.
func (e *Execution) Decompose(ctx context.Context, req decompose.Request) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decomposed {
		return nil, ErrDecomposed
	}

	ids, err := e.w.engine.Decompose(ctx, e.task.ID, e.w.identity, req)
	if err != nil {
		return nil, err
	}
	e.decomposed = true
	e.log.Info().Strs("children", ids).Bool("ordered", req.Ordered).Msg("decomposed")
	return ids, nil
}

func (e *Execution) wasDecomposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decomposed
}
