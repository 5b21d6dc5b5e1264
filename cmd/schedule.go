package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/intelcore/internal/bus"
	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/metrics"
	"github.com/Ashfaaq98/intelcore/internal/plugins"
	"github.com/Ashfaaq98/intelcore/internal/scheduler"
	"github.com/Ashfaaq98/intelcore/internal/updatecheck"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the periodic decay, rate-limit and update-check loops",
	Long: `Run the long-lived maintenance loops until interrupted:

- decay of user events every decay.interval, under the decay lease
- re-enabling of rate limited organization plugins every ratelimit.interval
- release check every update.interval (when update.url is set)
- trimming of the signatures stream to signatures.max_len every signatures.trim_interval
- Prometheus metrics on metrics.addr (empty disables it)`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()

	logger, st, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	b := bus.NewBus(cfg.Redis.URL, logger)
	defer b.Close()

	// the decay lease shares the bus connection when Redis is up
	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if rb, ok := b.(*bus.RedisBus); ok {
		locker = scheduler.NewRedisLocker(rb.Client())
	}

	sched := scheduler.New(scheduler.Config{
		DecayInterval:     cfg.Decay.Interval,
		LeaseTTL:          cfg.Decay.LeaseTTL,
		RateLimitInterval: cfg.RateLimit.Interval,
		UpdateInterval:    cfg.Update.Interval,
		TrimInterval:      cfg.Signatures.TrimInterval,
		StreamMaxLen:      cfg.Signatures.MaxLen,
	}, locker, events.NewRepository(st, logger), logger.Named("scheduler")).
		WithRateLimits(plugins.NewRepository(st)).
		WithSignatureTrim(b)

	if cfg.Update.URL != "" {
		sched.WithUpdateChecker(updatecheck.New(st, updatecheck.Options{
			URL:            cfg.Update.URL,
			CurrentVersion: cfg.Update.CurrentVersion,
			Logger:         logger.Named("updatecheck"),
		}))
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gCtx)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			return metrics.Serve(gCtx, cfg.Metrics.Addr)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("scheduler stopped")
	return nil
}

// newLocker returns a Redis-backed locker when Redis is configured and
// reachable, and an in-process locker otherwise.
func newLocker(cfg Config, logger *zap.Logger) (scheduler.Locker, func()) {
	if cfg.Redis.URL == "" {
		return scheduler.NewLocalLocker(), func() {}
	}
	client, err := bus.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		logger.Warn("redis unavailable, using in-process decay lease", zap.Error(err))
		return scheduler.NewLocalLocker(), func() {}
	}
	return scheduler.NewRedisLocker(client), func() { client.Close() }
}
