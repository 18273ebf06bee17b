package handlers

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/hive/internal/exec"
	"github.com/ShayCichocki/hive/internal/worker"
	"github.com/ShayCichocki/hive/pkg/models"
)

// MetaCommand holds the shell command for a terminal task. Without it the
// description itself is run.
const MetaCommand = "command"

// maxOutput caps the command output kept in a task result.
const maxOutput = 16 * 1024

// ShellResult is the payload of a terminal task.
type ShellResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Shell runs terminal tasks through sh -c. An interrupt cancels the
// context and kills the command.
type Shell struct {
	Runner  exec.CommandRunner
	WorkDir string
}

// Execute implements worker.Handler.
func (s *Shell) Execute(ctx context.Context, ex *worker.Execution) (worker.Result, error) {
	t := ex.Task()
	command := t.MetaString(MetaCommand)
	if command == "" {
		command = t.Description
	}
	if strings.TrimSpace(command) == "" {
		return worker.Result{}, fmt.Errorf("terminal task has no command")
	}

	if err := ex.Checkpoint(ctx); err != nil {
		return worker.Result{}, err
	}
	ex.Logger().Debug().Str("command", command).Msg("running command")

	out, runErr := s.Runner.RunShell(ctx, s.WorkDir, command)
	if err := ex.Checkpoint(ctx); err != nil {
		return worker.Result{}, err
	}

	res := ShellResult{Command: command, Output: truncate(string(out), maxOutput)}
	if runErr != nil {
		res.ExitCode = exec.ExitCode(runErr)
		if res.ExitCode < 0 {
			return worker.Result{}, fmt.Errorf("run %q: %w", command, runErr)
		}
		r, err := worker.Completed(res)
		if err != nil {
			return worker.Result{}, err
		}
		return worker.Result{
			Outcome: models.OutcomeFailed,
			Payload: r.Payload,
			Reason:  fmt.Sprintf("command exited with status %d", res.ExitCode),
		}, nil
	}
	return worker.Completed(res)
}

// truncate keeps the last n bytes of s, cut on a rune boundary, with
// invalid UTF-8 replaced.
func truncate(s string, n int) string {
	if len(s) > n {
		s = s[len(s)-n:]
		for len(s) > 0 && !utf8.RuneStart(s[0]) {
			s = s[1:]
		}
	}
	return models.ValidText(s)
}
