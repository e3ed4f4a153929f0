package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
)

// Metrics provides Prometheus metrics for pforge. It implements
// engine.ExecutorMetrics, the detector's confidence recorder, the
// validator's check recorder and bootstrap.Metrics.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskRetries   prometheus.Counter

	// Loop metrics
	iterations    *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Detection and validation metrics
	confidence       *prometheus.HistogramVec
	validationChecks *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// every recording method is a no-op
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks reaching a terminal status",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		taskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retries",
			},
		),

		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Total number of bootstrap iterations by outcome",
			},
			[]string{"outcome"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of bootstrap runs by final state",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of bootstrap runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active bootstrap runs",
			},
		),

		confidence: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_confidence",
				Help:      "Detection confidence per candidate platform",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
			},
			[]string{"platform_type"},
		),
		validationChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_checks_total",
				Help:      "Total number of validation checks by severity and result",
			},
			[]string{"severity", "passed"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.tasksExecuted,
		m.taskDuration,
		m.taskRetries,
		m.iterations,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.confidence,
		m.validationChecks,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the registry the metrics are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Task Metrics

// RecordTask records a task reaching a terminal status.
func (m *Metrics) RecordTask(status string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRetry records a task retry.
func (m *Metrics) RecordRetry() {
	if m.taskRetries == nil {
		return
	}
	m.taskRetries.Inc()
}

// Loop Metrics

// RecordRunStarted marks a bootstrap run as active.
func (m *Metrics) RecordRunStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordIteration records the outcome of one loop iteration.
func (m *Metrics) RecordIteration(outcome string) {
	if m.iterations == nil {
		return
	}
	m.iterations.WithLabelValues(outcome).Inc()
}

// RecordRun records a finished bootstrap run with its final state and duration.
func (m *Metrics) RecordRun(state string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordRunFinished marks a bootstrap run as no longer active.
func (m *Metrics) RecordRunFinished() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Dec()
}

// Detection and Validation Metrics

// RecordConfidence records a computed detection confidence.
func (m *Metrics) RecordConfidence(platformType string, confidence float64) {
	if m.confidence == nil {
		return
	}
	m.confidence.WithLabelValues(platformType).Observe(confidence)
}

// RecordCheck records the result of a validation check.
func (m *Metrics) RecordCheck(severity string, passed bool) {
	if m.validationChecks == nil {
		return
	}
	m.validationChecks.WithLabelValues(severity, strconv.FormatBool(passed)).Inc()
}

// Error Metrics

// RecordError records an error by class and code. Errors that are not
// classified are counted as "unclassified".
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		m.errorsByClass.WithLabelValues("unclassified").Inc()
		return
	}
	m.errorsByClass.WithLabelValues(string(engErr.Class)).Inc()
	if engErr.Code != "" {
		m.errorsByCode.WithLabelValues(engErr.Code).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done. It does
// nothing when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("serving metrics")
	return nil
}
