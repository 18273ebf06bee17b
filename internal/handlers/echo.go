package handlers

import (
	"context"

	"github.com/ShayCichocki/hive/internal/worker"
)

// Echo completes every task with its own description. It is useful for
// smoke-testing a hive without any external tooling.
type Echo struct{}

// Execute implements worker.Handler.
func (Echo) Execute(ctx context.Context, exec *worker.Execution) (worker.Result, error) {
	if err := exec.Checkpoint(ctx); err != nil {
		return worker.Result{}, err
	}
	return worker.Completed(map[string]string{"echo": exec.Task().Description})
}
