package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	listStatuses []string
	listTag      string
	listParent   string
	listArchived bool
	listJSON     bool
	listLimit    int
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks in priority order",
	Long: `List tasks, highest priority first.

Examples:
  hive list
  hive list --status available --status blocked
  hive list --tag terminal --json
  hive list --archived`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Print a task record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHive()
		if err != nil {
			return err
		}
		defer h.Close()

		t, err := h.store.Read(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := models.Encode(t)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		if m, ok := h.signals.Pending(t.ID); ok {
			printStatus("!", fmt.Sprintf("interrupt pending since %s: %s",
				m.SignalledAt.Format(time.RFC3339), m.Reason), color.FgYellow)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Only tasks with this status (repeatable)")
	listCmd.Flags().StringVarP(&listTag, "tag", "t", "", "Only tasks with this capability tag")
	listCmd.Flags().StringVar(&listParent, "parent", "", "Only children of this task")
	listCmd.Flags().BoolVar(&listArchived, "archived", false, "List archived tasks instead")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Maximum number of tasks (0 for all)")
}

func runList(cmd *cobra.Command, args []string) error {
	f := store.Filter{
		CapabilityTag: listTag,
		ParentID:      listParent,
		Limit:         listLimit,
	}
	for _, s := range listStatuses {
		status := models.TaskStatus(strings.TrimSpace(s))
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, status)
	}
	if listArchived {
		f.Namespace = store.NamespaceArchived
	}

	h, err := openHive()
	if err != nil {
		return err
	}
	defer h.Close()

	tasks, err := store.List(cmd.Context(), h.store, f)
	if err != nil {
		return err
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if tasks == nil {
			tasks = []*models.Task{}
		}
		return enc.Encode(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	fmt.Printf("%-32s %-12s %-16s %4s  %s\n", "ID", "STATUS", "TAG", "PRI", "DESCRIPTION")
	for _, t := range tasks {
		status := fmt.Sprintf("%-12s", t.Status)
		fmt.Printf("%-32s %s %-16s %4d  %s\n",
			t.ID, statusColor(t.Status)(status), t.CapabilityTag, t.Priority, firstLine(t.Description, 60))
	}
	return nil
}

// statusColor returns a colorizer for a task status.
func statusColor(s models.TaskStatus) func(a ...interface{}) string {
	var attr color.Attribute
	switch s {
	case models.TaskStatusAvailable:
		attr = color.FgCyan
	case models.TaskStatusClaimed, models.TaskStatusInProgress:
		attr = color.FgYellow
	case models.TaskStatusCompleted:
		attr = color.FgGreen
	case models.TaskStatusFailed:
		attr = color.FgRed
	default:
		attr = color.FgHiBlack
	}
	return color.New(attr).SprintFunc()
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}
