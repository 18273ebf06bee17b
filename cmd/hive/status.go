package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise the hive: task counts, running work and pending interrupts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHive()
		if err != nil {
			return err
		}
		defer h.Close()

		tasks, err := store.List(cmd.Context(), h.store, store.Filter{})
		if err != nil {
			return err
		}

		counts := make(map[models.TaskStatus]int)
		var held []*models.Task
		for _, t := range tasks {
			counts[t.Status]++
			if t.Status.IsHeld() {
				held = append(held, t)
			}
		}

		fmt.Printf("Hive: %s (%s backend)\n\n", cfg.Root, backendName())
		for _, s := range []models.TaskStatus{
			models.TaskStatusAvailable,
			models.TaskStatusClaimed,
			models.TaskStatusInProgress,
			models.TaskStatusBlocked,
			models.TaskStatusCompleted,
			models.TaskStatusFailed,
			models.TaskStatusCancelled,
		} {
			fmt.Printf("  %s %d\n", statusColor(s)(fmt.Sprintf("%-12s", s)), counts[s])
		}

		if len(held) > 0 {
			fmt.Println("\nRunning:")
			now := time.Now()
			for _, t := range held {
				fmt.Printf("  %-32s %-28s active %s ago\n",
					t.ID, t.ClaimedBy, now.Sub(t.LastActivity()).Round(time.Second))
			}
		}

		markers, err := h.signals.List()
		if err != nil {
			return err
		}
		if len(markers) > 0 {
			fmt.Println("\nPending interrupts:")
			for _, m := range markers {
				printStatus("!", fmt.Sprintf("%s: %s (%s)", m.TaskID, m.Reason, m.SignalledAt.Format(time.RFC3339)), color.FgYellow)
			}
		}
		return nil
	},
}
