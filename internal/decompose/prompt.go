package decompose

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/hive/pkg/models"
)

// planningPrompt asks a model to break a task into child tasks.
const planningPrompt = `Break this task into smaller subtasks. Each subtask should be sized for a single worker to complete.

Task:
%s

Return ONLY a JSON array of subtasks with this exact structure (no other text):
[
  {
    "title": "Short subtask title",
    "description": "Detailed subtask description",
    "capability_tag": "auto|search|terminal|file_operations",
    "depends_on": ["title of dependency 1"]
  }
]

Guidelines:
- Subtasks should be as independent as possible so workers can run them in parallel
- Only add dependencies when one subtask truly needs another's result
- Use "terminal" for shell commands, "search" for research, "auto" otherwise
- Use an empty array [] for depends_on if there are no dependencies
- Return an empty array [] if the task is small enough to do directly`

// PlanningPrompt renders the decomposition prompt for a task.
func PlanningPrompt(t *models.Task) string {
	return fmt.Sprintf(planningPrompt, t.Description)
}

// ReplanPrompt describes the work of a planning sibling: find another way
// to do original, given how earlier attempts went.
func ReplanPrompt(original *models.Task, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s keeps failing and needs an alternative approach.\n\n", original.ID)
	fmt.Fprintf(&b, "Original task:\n%s\n", original.Description)
	if reason != "" {
		fmt.Fprintf(&b, "\nWhy it is being replanned:\n%s\n", reason)
	}
	if log := original.MetaStrings(models.MetaAttemptLog); len(log) > 0 {
		b.WriteString("\nPrevious attempts:\n")
		for _, line := range log {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	b.WriteString("\nPlan a different way to reach the same goal and carry it out, decomposing it if needed.")
	return b.String()
}
