// Package metrics exposes querywatch's own Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	CollectionCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "collector",
		Name:      "cycles_total",
		Help:      "Collection cycles by instance and outcome.",
	}, []string{"instance", "outcome"})

	CollectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querywatch",
		Subsystem: "collector",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one collection cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"instance"})

	SamplesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "collector",
		Name:      "samples_total",
		Help:      "Delta samples persisted.",
	}, []string{"instance", "database"})

	CounterResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "collector",
		Name:      "counter_resets_total",
		Help:      "Samples emitted in counter-reset mode.",
	})

	RegressionsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "analysis",
		Name:      "regressions_total",
		Help:      "Regression events persisted, by severity.",
	}, []string{"severity"})

	RegressionsAutoResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "analysis",
		Name:      "regressions_auto_resolved_total",
		Help:      "Regressions auto-resolved after returning to baseline.",
	})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "alert",
		Name:      "sends_total",
		Help:      "Alert channel sends by channel and outcome.",
	}, []string{"channel", "outcome"})

	GuardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "remediation",
		Name:      "guard_decisions_total",
		Help:      "Remediation guard outcomes.",
	}, []string{"outcome"})

	JobFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querywatch",
		Subsystem: "sched",
		Name:      "job_failures_total",
		Help:      "Job body failures by job name.",
	}, []string{"job"})
)

// Serve runs the Prometheus endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
