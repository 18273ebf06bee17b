package handlers

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/hive/internal/api"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/worker"
	"github.com/ShayCichocki/hive/pkg/models"
)

const planningSystem = "You are the planner for a pool of autonomous workers. You split work into subtasks and never do the work yourself."

// Planning asks a model to break a task into children and decomposes the
// task into them. A plan with no subtasks becomes a single child that
// does the work directly.
type Planning struct {
	Completer api.Completer
}

// Execute implements worker.Handler.
func (p *Planning) Execute(ctx context.Context, ex *worker.Execution) (worker.Result, error) {
	t := ex.Task()
	if err := ex.Checkpoint(ctx); err != nil {
		return worker.Result{}, err
	}

	response, err := p.Completer.Complete(ctx, planningSystem, decompose.PlanningPrompt(t))
	if err != nil {
		return worker.Result{}, fmt.Errorf("plan %s: %w", t.ID, err)
	}
	if err := ex.Checkpoint(ctx); err != nil {
		return worker.Result{}, err
	}

	children, err := decompose.ParseChildren(response)
	if err != nil {
		return worker.Result{}, fmt.Errorf("plan %s: %w", t.ID, err)
	}
	if len(children) == 0 {
		children = []decompose.Child{{
			Title:         "direct",
			Description:   t.Description,
			CapabilityTag: models.CapabilityAuto,
		}}
	}

	ids, err := ex.Decompose(ctx, decompose.Request{Children: children})
	if err != nil {
		return worker.Result{}, err
	}
	ex.Logger().Info().Int("children", len(ids)).Msg("planned")
	return worker.Result{}, nil
}
