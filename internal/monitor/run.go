package monitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Run sweeps once immediately and then every Interval until ctx is done.
// A sweep that overruns the interval delays the next one instead of
// overlapping it.
func (m *Monitor) Run(ctx context.Context) error {
	logger := cronLogger{log: m.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))

	sweep := func() {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.Error().Err(err).Msg("sweep failed")
		}
	}

	spec := fmt.Sprintf("@every %s", m.cfg.Interval)
	if _, err := c.AddFunc(spec, sweep); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}

	m.log.Info().
		Dur("interval", m.cfg.Interval).
		Dur("stale_after", m.cfg.StaleAfter).
		Int("max_attempts", m.cfg.MaxAttempts).
		Msg("monitor started")

	sweep()
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	m.log.Info().Msg("monitor stopped")
	return nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
