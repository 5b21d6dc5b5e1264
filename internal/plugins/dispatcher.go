package plugins

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/bus"
	"github.com/Ashfaaq98/intelcore/internal/jobs"
	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/metrics"
)

// DispatchResult summarises one Dispatch call.
type DispatchResult struct {
	Published []Signature
	Skipped   []string
	Failed    []error
}

// Dispatcher publishes the signatures of a job to the bus.
type Dispatcher struct {
	resolver *Resolver
	bus      bus.Bus
	logger   *zap.Logger
}

func NewDispatcher(resolver *Resolver, b bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{resolver: resolver, bus: b, logger: logging.OrNop(logger)}
}

// Dispatch annotates configs for the job's user and publishes a signature for
// every runnable one. Disabled configs are skipped; configs that cannot run
// are collected in Failed. A publish error aborts the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, configs []Config, job *jobs.Job) (*DispatchResult, error) {
	if job.UserID == nil {
		return nil, fmt.Errorf("job %d has no user", job.ID)
	}
	if err := d.resolver.AnnotateRunnable(ctx, configs, *job.UserID); err != nil {
		return nil, err
	}

	res := &DispatchResult{}
	it := d.resolver.GetSignatures(configs, job)
	for {
		sig, err := it.Next(ctx)
		if errors.Is(err, Done) {
			break
		}
		var skip *SkipError
		var notRunnable *RunnableError
		switch {
		case errors.As(err, &skip):
			d.logger.Info("plugin skipped", zap.String("plugin", skip.Plugin), zap.Int64("job_id", job.ID))
			res.Skipped = append(res.Skipped, skip.Plugin)
			metrics.Signatures.WithLabelValues("skipped").Inc()
			continue
		case errors.As(err, &notRunnable):
			d.logger.Error("plugin not runnable", zap.Error(err), zap.Int64("job_id", job.ID))
			res.Failed = append(res.Failed, err)
			metrics.Signatures.WithLabelValues("failed").Inc()
			continue
		case err != nil:
			return res, err
		}

		if err := d.bus.PublishSignature(ctx, sig.Message()); err != nil {
			return res, fmt.Errorf("failed to publish %s: %w", sig.Name, err)
		}
		res.Published = append(res.Published, *sig)
		metrics.Signatures.WithLabelValues("published").Inc()
	}
	return res, nil
}
