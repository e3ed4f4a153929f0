package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// pforge process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry builds every component from cfg.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return build(cfg, logger)
}

// NewTelemetryWithLogger builds the components around logger instead of the
// configured one.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, logger)
}

func build(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events, logger.Zerolog())
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext returns the telemetry stored by WithContext, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown delivers pending events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush forces pending events and spans out.
func (t *Telemetry) Flush(ctx context.Context) error {
	if err := t.Events.Flush(ctx); err != nil {
		return err
	}
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if one is configured.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.Zerolog())
}

// Operation is a traced and timed unit of CLI work, such as a bootstrap run or
// a cleanup.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	tel   *Telemetry
	timer *Timer
}

// StartOperation opens a span named name on the telemetry carried by ctx. The
// returned Ctx carries the span and a logger tagged with the operation and
// trace IDs. Without telemetry in ctx only the timer runs.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{
		Ctx:    ctx,
		Logger: FromContext(ctx),
		tel:    FromTelemetryContext(ctx),
		timer:  NewTimer(),
	}
	if op.tel == nil {
		return op
	}

	spanCtx, span := op.tel.Tracer.StartSpan(ctx, name, attrs...)
	fields := map[string]interface{}{"operation": name}
	if sc := span.SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	op.Span = span
	op.Logger = op.tel.Logger.WithFields(fields)
	op.Ctx = op.Logger.WithContext(spanCtx)
	return op
}

// Duration is the time since the operation started.
func (o *Operation) Duration() time.Duration {
	return o.timer.Duration()
}

// End closes the span with err's outcome. A failure is also counted by error
// code.
func (o *Operation) End(err error) {
	logger := o.Logger.WithField("duration_ms", o.Duration().Milliseconds())
	if err != nil {
		logger.WithError(err).Debug("Operation failed")
		if o.tel != nil {
			o.tel.Metrics.RecordError(err)
		}
	} else {
		logger.Debug("Operation finished")
	}

	if o.Span == nil {
		return
	}
	if err != nil {
		RecordError(o.Span, err)
	} else {
		RecordSuccess(o.Span)
	}
	o.Span.End()
}
