// Package batch loads task files so a whole plan can be created at once
// with hive create -f. Entries refer to each other by name; references
// that are not names in the file are taken as ids of existing tasks.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/pkg/models"
)

// File is a parsed batch file.
//
//	defaults:
//	  capability_tag: terminal
//	  priority: 2
//	tasks:
//	  - name: build
//	    description: go build ./...
//	  - name: test
//	    description: go test ./...
//	    depends_on: [build]
type File struct {
	Defaults Defaults `yaml:"defaults"`
	Tasks    []Entry  `yaml:"tasks"`
}

// Defaults apply to entries that leave the field unset.
type Defaults struct {
	CapabilityTag string `yaml:"capability_tag"`
	Priority      int    `yaml:"priority"`
	ParentID      string `yaml:"parent_id"`
}

// Entry is one task in a batch file.
type Entry struct {
	// Name lets other entries depend on this one. It defaults to the id.
	Name string `yaml:"name"`
	// DependsOn lists entry names or existing task ids.
	DependsOn []string `yaml:"depends_on"`

	models.TaskSpec `yaml:",inline"`
}

// Load reads and parses a batch file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a batch file and checks that names are unique and the
// references between entries do not loop.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, errors.New("batch file has no tasks")
	}

	names := make(map[string]bool, len(f.Tasks))
	for i := range f.Tasks {
		e := &f.Tasks[i]
		if strings.TrimSpace(e.Description) == "" {
			return nil, fmt.Errorf("task %d has no description", i+1)
		}
		if e.Name == "" {
			e.Name = e.ID
		}
		if e.Name == "" {
			e.Name = fmt.Sprintf("#%d", i+1)
		}
		if names[e.Name] {
			return nil, fmt.Errorf("duplicate task name %q", e.Name)
		}
		names[e.Name] = true
	}

	if _, err := f.order(); err != nil {
		return nil, err
	}
	return &f, nil
}

// order returns entry indexes with every entry after the entries it
// depends on.
func (f *File) order() ([]int, error) {
	index := make(map[string]int, len(f.Tasks))
	for i, e := range f.Tasks {
		index[e.Name] = i
	}

	g := graph.New()
	for _, e := range f.Tasks {
		var local []string
		for _, ref := range e.refs() {
			if _, ok := index[ref]; ok {
				local = append(local, ref)
			}
		}
		g.Add(&models.Task{ID: e.Name, Dependencies: local})
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		if errors.Is(err, graph.ErrCycleDetected) {
			return nil, fmt.Errorf("%w: %s", deps.ErrCyclicDependency, strings.Join(g.CyclePath(), " -> "))
		}
		return nil, err
	}
	out := make([]int, len(sorted))
	for i, name := range sorted {
		out[i] = index[name]
	}
	return out, nil
}

func (e Entry) refs() []string {
	return append(append([]string(nil), e.DependsOn...), e.Dependencies...)
}

// Apply creates every task in the file, dependencies first, and returns
// the created ids in file order. On error the tasks created so far are
// kept and their ids returned alongside the error.
func (f *File) Apply(ctx context.Context, c *deps.Creator, createdBy string) ([]string, error) {
	order, err := f.order()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(f.Tasks))
	var created []string
	for _, i := range order {
		e := f.Tasks[i]
		spec := e.TaskSpec
		spec.Dependencies = nil
		for _, ref := range e.refs() {
			if id, ok := ids[ref]; ok {
				ref = id
			}
			spec.Dependencies = append(spec.Dependencies, ref)
		}
		if spec.CapabilityTag == "" {
			spec.CapabilityTag = f.Defaults.CapabilityTag
		}
		if spec.Priority == 0 {
			spec.Priority = f.Defaults.Priority
		}
		if spec.ParentID == "" {
			spec.ParentID = f.Defaults.ParentID
		}
		if spec.CreatedBy == "" {
			spec.CreatedBy = createdBy
		}

		id, err := c.Create(ctx, spec)
		if err != nil {
			return created, fmt.Errorf("create %q: %w", e.Name, err)
		}
		ids[e.Name] = id
		created = append(created, id)
	}

	out := make([]string, len(f.Tasks))
	for i, e := range f.Tasks {
		out[i] = ids[e.Name]
	}
	return out, nil
}
