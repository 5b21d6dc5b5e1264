package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DecayedEvents counts decayed user events by event kind
	DecayedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelcore_decayed_events_total",
		Help: "Total user events decayed by kind",
	}, []string{"kind"})

	// DecayRuns counts scheduled decay invocations by result (ok, error, skipped)
	DecayRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelcore_decay_runs_total",
		Help: "Total decay invocations by result",
	}, []string{"result"})

	// DecayDuration tracks decay invocation latency
	DecayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intelcore_decay_duration_seconds",
		Help:    "Decay invocation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})

	// WildcardAttachments counts analyzables linked to wildcard rules during ingestion
	WildcardAttachments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intelcore_wildcard_attachments_total",
		Help: "Total analyzable to wildcard rule links created",
	})

	// IngestedObservables counts ingested observables by classification
	IngestedObservables = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelcore_ingested_observables_total",
		Help: "Total observables ingested by classification",
	}, []string{"classification"})

	// Signatures counts dispatched plugin signatures by outcome (published, skipped, failed)
	Signatures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelcore_signatures_total",
		Help: "Plugin signatures by outcome",
	}, []string{"outcome"})

	// RateLimitReenabled counts organization plugin configs re-enabled after a rate limit
	RateLimitReenabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intelcore_rate_limit_reenabled_total",
		Help: "Total organization plugin configs re-enabled after their rate limit expired",
	})

	// UpdateChecks counts release checks by result (up_to_date, available, ahead, error)
	UpdateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelcore_update_checks_total",
		Help: "Total release checks by result",
	}, []string{"result"})
)

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
