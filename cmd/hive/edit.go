package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/decompose"
)

var (
	editDescription string
	editTag         string
	editTimeout     time.Duration
)

var signalCmd = &cobra.Command{
	Use:   "signal <task-id> [reason...]",
	Short: "Ask the worker running a task to stop",
	Long: `Raise an interrupt for a task. The worker holding it stops at its next
checkpoint and puts the task back in the pool without counting an attempt.

A marker for a task nobody holds is cleared by the monitor after a grace period.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHive()
		if err != nil {
			return err
		}
		defer h.Close()

		id := args[0]
		t, err := h.store.Read(cmd.Context(), id)
		if err != nil {
			return err
		}
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "interrupted by user"
		}
		if err := h.signals.Signal(id, reason); err != nil {
			return err
		}
		if !t.Status.IsHeld() {
			printStatus("!", fmt.Sprintf("%s is %s; the marker will wait for a worker or expire", id, t.Status), color.FgYellow)
			return nil
		}
		printStatus("✓", fmt.Sprintf("interrupt sent to %s (held by %s)", id, t.ClaimedBy), color.FgGreen)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <task-id>",
	Short: "Change a task's description or tag, stopping it if it is running",
	Long: `Edit a task in place. A running task is interrupted first and the edit waits
for its worker to let go. The edited task goes back to available, or to
blocked when its dependencies are not met. Editing a finished task reopens it.

If the worker does not let go within --timeout the interrupt is withdrawn and
the task is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHive()
		if err != nil {
			return err
		}
		defer h.Close()

		timeout := editTimeout
		if !cmd.Flags().Changed("timeout") {
			timeout = cfg.Edit.Timeout
		}
		t, err := h.engine().Edit(cmd.Context(), args[0], decompose.Edit{
			Description:   editDescription,
			CapabilityTag: editTag,
		}, timeout)
		if errors.Is(err, decompose.ErrEditTimeout) {
			return fmt.Errorf("%w; the task is still running and was not changed", err)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", t.ID, statusColor(t.Status)(string(t.Status)))
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <task-id>...",
	Short: "Move finished tasks out of the current namespace",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHive()
		if err != nil {
			return err
		}
		defer h.Close()

		var failed int
		for _, id := range args {
			if err := h.store.Archive(cmd.Context(), id); err != nil {
				failed++
				printStatus("✗", fmt.Sprintf("%s: %v", id, err), color.FgRed)
				continue
			}
			printStatus("✓", id, color.FgGreen)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d tasks not archived", failed, len(args))
		}
		return nil
	},
}

func init() {
	editCmd.Flags().StringVarP(&editDescription, "description", "d", "", "New description")
	editCmd.Flags().StringVarP(&editTag, "tag", "t", "", "New capability tag")
	editCmd.Flags().DurationVar(&editTimeout, "timeout", 0, "How long to wait for a running worker (default from config)")
}
