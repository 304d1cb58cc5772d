// Package metrics declares the prometheus collectors shared by the
// aggregator, listener bus and execution engine.
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
	// AggregationCycles counts context aggregation cycles.
	AggregationCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routine_aggregation_cycles_total",
		Help: "Total context aggregation cycles",
	})

	// AggregationDuration tracks one full cycle including matching and publish.
	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "routine_aggregation_duration_seconds",
		Help:    "Context aggregation cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	// ProviderFailures counts failed provider fetches by provider.
	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routine_provider_failures_total",
		Help: "Total provider fetch failures by provider",
	}, []string{"provider"})

	// RuleMatches counts rule matches by rule.
	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routine_rule_matches_total",
		Help: "Total rule matches by rule id",
	}, []string{"rule"})

	// ListenerErrors counts failed listener deliveries by listener.
	ListenerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routine_listener_errors_total",
		Help: "Total listener delivery failures by listener id",
	}, []string{"listener"})

	// Executions counts finished or refused executions by outcome
	// (succeeded, failed, cancelled, blocked).
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routine_executions_total",
		Help: "Total SOP executions by outcome",
	}, []string{"outcome"})

	// ActiveExecutions is the number of non-terminal executions.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "routine_active_executions",
		Help: "Executions currently preparing, running or paused",
	})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
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
