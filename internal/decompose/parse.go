package decompose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/pkg/models"
)

// ParseChildren extracts a JSON array of child specs from a model
// response. Text around the array is ignored. Dependencies must name the
// title of another child in the same array.
func ParseChildren(response string) ([]Child, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		preview := response
		if len(preview) > 500 {
			preview = preview[:500] + "... (truncated)"
		}
		return nil, fmt.Errorf("no valid JSON array found in response (got %d chars): %q", len(response), preview)
	}

	var children []Child
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &children); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	titles := make(map[string]bool, len(children))
	for i, c := range children {
		if strings.TrimSpace(c.Description) == "" {
			return nil, fmt.Errorf("subtask %d has no description", i+1)
		}
		if c.Title == "" {
			children[i].Title = fmt.Sprintf("subtask-%d", i+1)
		}
		titles[children[i].Title] = true
	}
	for _, c := range children {
		for _, dep := range c.DependsOn {
			if !titles[dep] {
				return nil, fmt.Errorf("unknown dependency %q for subtask %q", dep, c.Title)
			}
		}
	}

	if err := ValidateNoCycles(children); err != nil {
		return nil, err
	}
	return children, nil
}

// ValidateNoCycles checks that sibling dependencies do not loop.
func ValidateNoCycles(children []Child) error {
	g := graph.New()
	for _, c := range children {
		g.Add(&models.Task{ID: c.Title, Dependencies: c.DependsOn})
	}
	if g.HasCycle() {
		return fmt.Errorf("%w: %s", graph.ErrCycleDetected, strings.Join(g.CyclePath(), " -> "))
	}
	return nil
}
