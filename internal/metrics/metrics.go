// Package metrics provides the prometheus collectors for crmrules.
//
// Collector satisfies the observer interfaces of the rule editor, the
// commission editor and both field caches, and records RPC outcomes for the
// gRPC server. Each Collector owns its registry so tests and embedded
// editors never touch the global default.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "crmrules"

// Collector records editor, cache and RPC metrics.
type Collector struct {
	registry *prometheus.Registry

	fieldCache     *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	resolutionTime prometheus.Histogram
	validations    *prometheus.CounterVec
	violations     *prometheus.HistogramVec
	submits        *prometheus.CounterVec
	submitTime     *prometheus.HistogramVec
	rpcs           *prometheus.CounterVec
	rpcTime        *prometheus.HistogramVec
	evaluations    *prometheus.CounterVec
}

// NewCollector creates a collector on a fresh registry that also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		fieldCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_cache_lookups_total",
			Help:      "Field metadata cache lookups by layer and result.",
		}, []string{"layer", "result"}), // layer: memory/redis, result: hit/miss
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_resolutions_total",
			Help:      "Condition row field resolutions by outcome.",
		}, []string{"outcome"}), // outcome: ok/error
		resolutionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "field_resolution_duration_seconds",
			Help:      "Time to resolve a condition row's field type.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Edit session validations by editor and result.",
		}, []string{"editor", "result"}), // editor: rules/commission, result: valid/invalid
		violations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_violations",
			Help:      "Violations reported per failed validation.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}, []string{"editor"}),
		submits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Edit session submits by editor and outcome.",
		}, []string{"editor", "outcome"}), // outcome: ok/invalid/error
		submitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Submit latency including the store round trip.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"editor"}),
		rpcs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "ConfigService requests by method and status code.",
		}, []string{"method", "code"}),
		rpcTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "ConfigService request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_evaluations_total",
			Help:      "Record evaluations by score band.",
		}, []string{"band"}),
	}
}

// Registry exposes the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveFieldCache implements rules.CacheObserver.
func (c *Collector) ObserveFieldCache(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.fieldCache.WithLabelValues(layer, result).Inc()
}

// ObserveResolution implements rules.EditorObserver.
func (c *Collector) ObserveResolution(outcome string, d time.Duration) {
	c.resolutions.WithLabelValues(outcome).Inc()
	c.resolutionTime.Observe(d.Seconds())
}

// ObserveValidation implements rules.EditorObserver and commission.Observer.
func (c *Collector) ObserveValidation(editor string, violations int) {
	if violations == 0 {
		c.validations.WithLabelValues(editor, "valid").Inc()
		return
	}
	c.validations.WithLabelValues(editor, "invalid").Inc()
	c.violations.WithLabelValues(editor).Observe(float64(violations))
}

// ObserveSubmit implements rules.EditorObserver and commission.Observer.
func (c *Collector) ObserveSubmit(editor, outcome string, d time.Duration) {
	c.submits.WithLabelValues(editor, outcome).Inc()
	c.submitTime.WithLabelValues(editor).Observe(d.Seconds())
}

// ObserveRPC records one ConfigService call.
func (c *Collector) ObserveRPC(method, code string, d time.Duration) {
	c.rpcs.WithLabelValues(method, code).Inc()
	c.rpcTime.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveEvaluation records one scored record.
func (c *Collector) ObserveEvaluation(band string) {
	c.evaluations.WithLabelValues(band).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on addr until ctx is cancelled.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server for c.
func NewServer(addr string, c *Collector, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Run blocks serving metrics and shuts down when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
