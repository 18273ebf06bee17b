package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/monitor"
)

var monitorOnce bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the stuck-task monitor",
	Long: `Run the monitor. Every interval it:
  - releases claims whose heartbeat is older than stale_after
  - replans tasks that failed max_attempts times
  - unblocks tasks whose dependencies completed, and fails those whose
    dependencies can no longer complete
  - completes or fails parents once their children settle
  - clears interrupt markers nobody picked up
  - archives old finished tasks when auto_archive is on

One monitor per hive is enough; a second one is harmless.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Run a single sweep, print what it did and exit")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	h, err := openHive()
	if err != nil {
		return err
	}
	defer h.Close()

	m := monitor.New(h.store, claim.New(h.store, h.signals), h.creator.Resolver(), h.engine(), h.signals, monitor.Config{
		Interval:          cfg.Monitor.Interval,
		StaleAfter:        cfg.Monitor.StaleAfter,
		MaxAttempts:       cfg.Monitor.MaxAttempts,
		ReplanMaxAttempts: cfg.Monitor.ReplanMaxAttempts,
		MarkerGrace:       cfg.Monitor.MarkerGrace,
		AutoArchive:       cfg.Monitor.AutoArchive,
		ArchiveAfter:      cfg.Monitor.ArchiveAfter,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !monitorOnce {
		return m.Run(ctx)
	}

	r, err := m.Sweep(ctx)
	if err != nil {
		return err
	}
	rows := []struct {
		label string
		n     int
	}{
		{"stale claims released", r.Released},
		{"tasks sent to replanning", r.Replanned},
		{"tasks out of attempts", r.Exhausted},
		{"tasks unblocked", r.Unblocked},
		{"tasks reblocked", r.Reblocked},
		{"tasks failed on dependencies", r.DependencyFailed},
		{"parents completed", r.ParentsCompleted},
		{"parents failed", r.ParentsFailed},
		{"tasks replaced by a plan", r.Replaced},
		{"replans failed", r.ReplanFailed},
		{"stale markers cleared", r.MarkersCleared},
		{"tasks archived", r.Archived},
		{"errors", r.Errors},
	}
	if !r.Changed() && r.Errors == 0 {
		fmt.Println("Nothing to do.")
		return nil
	}
	for _, row := range rows {
		if row.n > 0 {
			fmt.Printf("  %-30s %d\n", row.label, row.n)
		}
	}
	return nil
}
