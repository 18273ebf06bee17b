package main

import (
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/tui"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Watch the hive in a terminal dashboard",
	Long: `Open a live view of the task tree.

Keys:
  j/k, ↑/↓   move          enter   collapse or expand
  /          filter        esc     clear the filter
  x          interrupt the selected task
  q          quit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHive()
		if err != nil {
			return err
		}
		defer h.Close()

		return tui.Run(tui.NewBoard(h.store, h.signals, cfg.TUI.RefreshRate, cfg.Root))
	},
}
