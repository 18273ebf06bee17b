package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/batch"
	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	createTag      string
	createPriority int
	createDeps     []string
	createParent   string
	createMeta     []string
	createID       string
	createFile     string
	createBy       string
)

var createCmd = &cobra.Command{
	Use:   "create [description...]",
	Short: "Create a task, or a batch of tasks from a YAML file",
	Long: `Create a task in the hive.

A task whose dependencies are all completed starts available; otherwise it
starts blocked and the monitor unblocks it later. Metadata values are parsed
as JSON when possible and stored as strings otherwise.

With -f, tasks are read from a YAML file. Entries may depend on each other by
their local name and are created in dependency order.

Examples:
  hive create "summarise the release notes"
  hive create "run the tests" --tag terminal --meta command='"go test ./..."'
  hive create "deploy" --dep build-a1b2c3 --priority 10
  hive create -f plan.yaml`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createTag, "tag", "t", models.CapabilityAuto, "Capability tag")
	createCmd.Flags().IntVarP(&createPriority, "priority", "p", 0, "Priority (higher runs first)")
	createCmd.Flags().StringSliceVar(&createDeps, "dep", nil, "Task ID this task depends on (repeatable)")
	createCmd.Flags().StringVar(&createParent, "parent", "", "Parent task ID")
	createCmd.Flags().StringArrayVar(&createMeta, "meta", nil, "Metadata as key=value (repeatable)")
	createCmd.Flags().StringVar(&createID, "id", "", "Explicit task ID (generated when empty)")
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "Create tasks from a YAML batch file")
	createCmd.Flags().StringVar(&createBy, "created-by", "human", "Creator recorded on the task")
}

func runCreate(cmd *cobra.Command, args []string) error {
	if createFile != "" && len(args) > 0 {
		return fmt.Errorf("give either a description or --file, not both")
	}

	h, err := openHive()
	if err != nil {
		return err
	}
	defer h.Close()

	if createFile != "" {
		f, err := batch.Load(createFile)
		if err != nil {
			return err
		}
		ids, err := f.Apply(cmd.Context(), h.creator, createBy)
		for _, id := range ids {
			printStatus("+", id, color.FgGreen)
		}
		if err != nil {
			return fmt.Errorf("batch stopped after %d of %d tasks: %w", len(ids), len(f.Tasks), err)
		}
		return nil
	}

	description := strings.TrimSpace(strings.Join(args, " "))
	if description == "" {
		return fmt.Errorf("a description is required")
	}
	meta, err := parseMeta(createMeta)
	if err != nil {
		return err
	}

	id, err := h.creator.Create(cmd.Context(), models.TaskSpec{
		ID:            createID,
		Description:   description,
		CapabilityTag: createTag,
		Priority:      createPriority,
		Dependencies:  createDeps,
		ParentID:      createParent,
		Metadata:      meta,
		CreatedBy:     createBy,
	})
	if err != nil {
		return err
	}

	t, err := h.store.Read(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", id, statusColor(t.Status)(string(t.Status)))
	return nil
}

// parseMeta turns key=value pairs into metadata. Values that parse as
// JSON keep their JSON type.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		meta[key] = v
	}
	return meta, nil
}
