package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/api"
	"github.com/ShayCichocki/hive/internal/claim"
	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/exec"
	"github.com/ShayCichocki/hive/internal/handlers"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/worker"
)

var (
	workerTags     []string
	workerOnce     bool
	workerIdentity string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker that claims and executes tasks",
	Long: `Run a worker. It polls the store for runnable tasks whose capability tag it
serves, claims one, runs it and releases it with the result. Run as many
workers as you like, on as many machines as share the store.

Capabilities:
  echo       completes with the task description (for wiring checks)
  terminal   runs metadata.command in a shell
  planning   asks the model to split the task into children
  search     answers the task with the model
  auto       the model when an API key is set, echo otherwise

Examples:
  hive worker                       # capabilities from config
  hive worker --tag terminal --tag planning
  hive worker --once                # run at most one task and exit`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVarP(&workerTags, "tag", "t", nil, "Capability tag to serve (repeatable, default from config)")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "Poll once, run at most one task and exit")
	workerCmd.Flags().StringVar(&workerIdentity, "identity", "", "Worker identity (default <host>-<pid>-<random>)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	tags := workerTags
	if len(tags) == 0 {
		tags = cfg.Worker.Capabilities
	}

	d := handlers.Deps{Runner: exec.NewRunner(), WorkDir: cfg.Worker.WorkDir}
	if cfg.LLMEnabled() {
		client, err := newCompleter(cfg)
		if err != nil {
			return err
		}
		d.Completer = client
	}
	reg := worker.NewRegistry()
	if err := handlers.Register(reg, tags, d); err != nil {
		return err
	}

	h, err := openHive()
	if err != nil {
		return err
	}
	defer h.Close()

	log := logging.Component("worker")
	if err := h.signals.Watch(); err != nil {
		// Checkpoints still read the marker directory; only prompt
		// cancellation of a blocked handler is lost.
		log.Warn().Err(err).Msg("interrupt watch unavailable")
	}

	w, err := worker.New(worker.RequiredConfig{
		Store:    h.store,
		Signals:  h.signals,
		Registry: reg,
	},
		worker.WithIdentity(workerIdentity),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
		worker.WithClaims(claim.New(h.store, h.signals)),
		worker.WithEngine(h.engine()),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if workerOnce {
		worked, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !worked {
			fmt.Println("No runnable task.")
		}
		return nil
	}

	fmt.Printf("Worker %s serving %v (Ctrl+C to stop)\n", w.ID(), reg.Tags())
	return w.Run(ctx)
}

// newCompleter builds the Anthropic client from config.
func newCompleter(c *config.Config) (*api.Client, error) {
	key, _, _ := config.APIKey(c)
	return api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(c.Anthropic.Model),
		APIKey:        key,
		MaxTokens:     c.Anthropic.MaxTokens,
		UseAWSBedrock: c.Anthropic.UseBedrock,
		AWSRegion:     c.Anthropic.AWSRegion,
		AWSProfile:    c.Anthropic.AWSProfile,
	})
}
