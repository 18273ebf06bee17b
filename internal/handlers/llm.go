package handlers

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/hive/internal/api"
	"github.com/ShayCichocki/hive/internal/worker"
)

const llmSystem = "You are one worker in a pool. Complete the task you are given and reply with the result only."

// LLM completes a task by sending its description to a model and storing
// the reply as the result.
type LLM struct {
	Completer api.Completer
}

// Execute implements worker.Handler.
func (l *LLM) Execute(ctx context.Context, ex *worker.Execution) (worker.Result, error) {
	t := ex.Task()
	if err := ex.Checkpoint(ctx); err != nil {
		return worker.Result{}, err
	}

	text, err := l.Completer.Complete(ctx, llmSystem, t.Description)
	if err != nil {
		return worker.Result{}, fmt.Errorf("complete %s: %w", t.ID, err)
	}
	if err := ex.Checkpoint(ctx); err != nil {
		return worker.Result{}, err
	}
	return worker.Completed(map[string]string{"text": text})
}
