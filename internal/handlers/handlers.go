// Package handlers provides the capability handlers a stock hive worker
// can run: echo, a terminal handler backed by a shell, and LLM-backed
// planning and general handlers.
package handlers

import (
	"fmt"

	"github.com/ShayCichocki/hive/internal/api"
	"github.com/ShayCichocki/hive/internal/exec"
	"github.com/ShayCichocki/hive/internal/worker"
	"github.com/ShayCichocki/hive/pkg/models"
)

// TagEcho is the capability served by the echo handler.
const TagEcho = "echo"

// Deps are the collaborators handlers may need. Completer is optional;
// without it the LLM-backed tags cannot be registered.
type Deps struct {
	Runner    exec.CommandRunner
	Completer api.Completer
	WorkDir   string
}

// Register adds a handler for each tag to reg. The auto tag gets the LLM
// handler when a completer is configured and the echo handler otherwise.
func Register(reg *worker.Registry, tags []string, d Deps) error {
	for _, tag := range tags {
		h, err := forTag(tag, d)
		if err != nil {
			return err
		}
		if err := reg.Register(tag, h); err != nil {
			return err
		}
	}
	return nil
}

func forTag(tag string, d Deps) (worker.Handler, error) {
	switch tag {
	case TagEcho:
		return Echo{}, nil
	case models.CapabilityTerminal:
		runner := d.Runner
		if runner == nil {
			runner = exec.NewRunner()
		}
		return &Shell{Runner: runner, WorkDir: d.WorkDir}, nil
	case models.CapabilityPlanning:
		if d.Completer == nil {
			return nil, fmt.Errorf("capability %q needs an Anthropic client", tag)
		}
		return &Planning{Completer: d.Completer}, nil
	case models.CapabilitySearch:
		if d.Completer == nil {
			return nil, fmt.Errorf("capability %q needs an Anthropic client", tag)
		}
		return &LLM{Completer: d.Completer}, nil
	case models.CapabilityAuto:
		if d.Completer == nil {
			return Echo{}, nil
		}
		return &LLM{Completer: d.Completer}, nil
	default:
		return nil, fmt.Errorf("no built-in handler for capability %q", tag)
	}
}
