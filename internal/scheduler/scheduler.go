package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/metrics"
	"github.com/Ashfaaq98/intelcore/internal/updatecheck"
)

// DecayLeaseKey names the lease every decay invocation must hold.
const DecayLeaseKey = "intelcore:decay"

// Decayer ages every eligible event.
type Decayer interface {
	DecayAll(ctx context.Context, f events.Filter) (map[events.Kind]int, error)
}

// RateLimiter re-enables organization plugin configs whose rate limit expired.
type RateLimiter interface {
	EnableExpiredRateLimits(ctx context.Context, now time.Time) (int, error)
}

// UpdateChecker looks for a newer release.
type UpdateChecker interface {
	Check(ctx context.Context) (*updatecheck.Result, error)
}

// SignatureTrimmer caps the length of the signatures stream.
type SignatureTrimmer interface {
	TrimSignatures(ctx context.Context, maxLen int64) error
}

// Config holds loop intervals. A zero interval disables the loop.
type Config struct {
	DecayInterval     time.Duration
	LeaseTTL          time.Duration
	RateLimitInterval time.Duration
	UpdateInterval    time.Duration
	TrimInterval      time.Duration
	// StreamMaxLen is the number of signatures kept by the trim loop.
	StreamMaxLen int64
}

// Scheduler runs the periodic maintenance loops.
type Scheduler struct {
	cfg        Config
	locker     Locker
	decayer    Decayer
	rateLimits RateLimiter
	updates    UpdateChecker
	trimmer    SignatureTrimmer
	logger     *zap.Logger
	now        func() time.Time
}

func New(cfg Config, locker Locker, decayer Decayer, logger *zap.Logger) *Scheduler {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	return &Scheduler{
		cfg:     cfg,
		locker:  locker,
		decayer: decayer,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// WithRateLimits enables the rate-limit loop.
func (s *Scheduler) WithRateLimits(r RateLimiter) *Scheduler {
	s.rateLimits = r
	return s
}

// WithUpdateChecker enables the release check loop.
func (s *Scheduler) WithUpdateChecker(u UpdateChecker) *Scheduler {
	s.updates = u
	return s
}

// WithSignatureTrim enables the signatures stream trim loop.
func (s *Scheduler) WithSignatureTrim(t SignatureTrimmer) *Scheduler {
	s.trimmer = t
	return s
}

// RunDecayOnce performs one decay invocation under the decay lease. When the
// lease is held elsewhere the invocation is skipped and ErrLeaseHeld returned.
func (s *Scheduler) RunDecayOnce(ctx context.Context) (map[events.Kind]int, error) {
	lease, err := s.locker.Acquire(ctx, DecayLeaseKey, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			metrics.DecayRuns.WithLabelValues("skipped").Inc()
			s.logger.Info("decay skipped, lease held", zap.String("lease", DecayLeaseKey))
		} else {
			metrics.DecayRuns.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			s.logger.Warn("failed to release decay lease", zap.Error(err))
		}
	}()

	start := time.Now()
	counts, err := s.decayer.DecayAll(ctx, events.Filter{})
	metrics.DecayDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DecayRuns.WithLabelValues("error").Inc()
		return counts, err
	}
	metrics.DecayRuns.WithLabelValues("ok").Inc()

	fields := make([]zap.Field, 0, len(counts)+1)
	for _, kind := range events.Kinds {
		fields = append(fields, zap.Int(string(kind), counts[kind]))
	}
	fields = append(fields, zap.Duration("took", time.Since(start)))
	s.logger.Info("decay run completed", fields...)
	return counts, nil
}

// EnableRateLimitsOnce re-enables expired organization rate limits.
func (s *Scheduler) EnableRateLimitsOnce(ctx context.Context) (int, error) {
	if s.rateLimits == nil {
		return 0, nil
	}
	n, err := s.rateLimits.EnableExpiredRateLimits(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RateLimitReenabled.Add(float64(n))
		s.logger.Info("rate limited plugins re-enabled", zap.Int("count", n))
	}
	return n, nil
}

// TrimSignaturesOnce trims the signatures stream to StreamMaxLen entries.
func (s *Scheduler) TrimSignaturesOnce(ctx context.Context) error {
	if s.trimmer == nil || s.cfg.StreamMaxLen <= 0 {
		return nil
	}
	return s.trimmer.TrimSignatures(ctx, s.cfg.StreamMaxLen)
}

// Run starts every configured loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if s.cfg.DecayInterval > 0 {
		g.Go(func() error {
			return s.loop(gCtx, "decay", s.cfg.DecayInterval, func(ctx context.Context) error {
				_, err := s.RunDecayOnce(ctx)
				if errors.Is(err, ErrLeaseHeld) {
					return nil
				}
				return err
			})
		})
	}
	if s.rateLimits != nil && s.cfg.RateLimitInterval > 0 {
		g.Go(func() error {
			return s.loop(gCtx, "rate-limit", s.cfg.RateLimitInterval, func(ctx context.Context) error {
				_, err := s.EnableRateLimitsOnce(ctx)
				return err
			})
		})
	}
	if s.updates != nil && s.cfg.UpdateInterval > 0 {
		g.Go(func() error {
			return s.loop(gCtx, "update-check", s.cfg.UpdateInterval, func(ctx context.Context) error {
				_, err := s.updates.Check(ctx)
				return err
			})
		})
	}

	if s.trimmer != nil && s.cfg.TrimInterval > 0 && s.cfg.StreamMaxLen > 0 {
		g.Go(func() error {
			return s.loop(gCtx, "signatures-trim", s.cfg.TrimInterval, s.TrimSignaturesOnce)
		})
	}

	s.logger.Info("scheduler started",
		zap.Duration("decay_interval", s.cfg.DecayInterval),
		zap.Duration("rate_limit_interval", s.cfg.RateLimitInterval),
		zap.Duration("update_interval", s.cfg.UpdateInterval),
		zap.Duration("trim_interval", s.cfg.TrimInterval))
	return g.Wait()
}

// loop runs fn immediately and then on every tick. Errors are logged and the
// loop keeps going; it returns when ctx is done.
func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled task failed", zap.String("task", name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
