package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/detector"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/validation"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"no service name", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, "invalid trace exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = ""
		}, "endpoint"},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, "sampling rate"},
		{"buffer size", func(c *Config) { c.Events.BufferSize = 0 }, "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("bootstrap").
		WithExecutionID("exec-1").
		WithFields(map[string]interface{}{
			"task_id":         "p1-c1",
			"platform_type":   "kubernetes",
			"pattern_version": "1.0.0",
		}).
		Info("task started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected a JSON log line, got %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"component":       "bootstrap",
		"execution_id":    "exec-1",
		"task_id":         "p1-c1",
		"platform_type":   "kubernetes",
		"pattern_version": "1.0.0",
		"message":         "task started",
		"level":           "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Expected %s=%s, got %v", k, v, entry[k])
		}
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warnf("shown %d", 1)

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Expected info to be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown 1") {
		t.Errorf("Expected the warning, got %q", buf.String())
	}
}

func TestLogger_Context(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithField("run", 7).WithContext(context.Background())
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), `"run":7`) {
		t.Errorf("Expected the context logger, got %q", buf.String())
	}

	// no logger in the context discards
	FromContext(context.Background()).Info("discarded")
	if strings.Contains(buf.String(), "discarded") {
		t.Error("Expected the fallback logger to discard")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Error("Expected debug level")
	}
	if ParseLevel("verbose") != zerolog.InfoLevel {
		t.Error("Expected unknown levels to fall back to info")
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	var _ engine.ExecutorMetrics = m
	var _ detector.ConfidenceRecorder = m
	var _ validation.Metrics = m
	var _ bootstrap.Metrics = m

	m.RecordTask("succeeded", 2*time.Second)
	m.RecordTask("succeeded", time.Second)
	m.RecordTask("failed", time.Second)
	m.RecordRetry()
	m.RecordIteration("validation_failed")
	m.RecordIteration("succeeded")
	m.RecordRun("succeeded", time.Minute)
	m.RecordConfidence("kubernetes", 0.8)
	m.RecordCheck("critical", false)
	m.RecordCheck("critical", true)
	m.RecordCheck("critical", true)

	if got := testutil.ToFloat64(m.tasksExecuted.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("Expected 2 succeeded tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.taskRetries); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.iterations.WithLabelValues("validation_failed")); got != 1 {
		t.Errorf("Expected 1 failed iteration, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("Expected 1 completed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.validationChecks.WithLabelValues("critical", "true")); got != 2 {
		t.Errorf("Expected 2 passed critical checks, got %v", got)
	}
	if n := testutil.CollectAndCount(m.confidence); n != 1 {
		t.Errorf("Expected 1 confidence series, got %d", n)
	}
}

func TestMetrics_RecordError(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordError(engine.NewConnectivityError("host unreachable", nil).WithCode(engine.ErrCodeConnectivity))
	m.RecordError(errors.New("plain"))
	m.RecordError(nil)

	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("connectivity")); got != 1 {
		t.Errorf("Expected 1 connectivity error, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeConnectivity)); got != 1 {
		t.Errorf("Expected 1 CONNECTIVITY code, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("unclassified")); got != 1 {
		t.Errorf("Expected 1 unclassified error, got %v", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// every recorder is a no-op
	m.RecordTask("succeeded", time.Second)
	m.RecordRetry()
	m.RecordIteration("succeeded")
	m.RecordRun("succeeded", time.Second)
	m.RecordConfidence("kubernetes", 1)
	m.RecordCheck("low", true)
	m.RecordError(errors.New("x"))

	if m.Registry() != nil {
		t.Error("Expected no registry for disabled metrics")
	}
	if err := m.StartMetricsServer(context.Background(), zerolog.Nop()); err != nil {
		t.Errorf("Expected no server for disabled metrics, got %v", err)
	}
}

type collector struct {
	mu     sync.Mutex
	events []engine.Event
}

func (c *collector) subscriber(e engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) types() []engine.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func newPublisher(t *testing.T, async bool, size int) *EventPublisher {
	t.Helper()
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: size, EnableAsync: async}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	t.Cleanup(func() { _ = ep.Shutdown(context.Background()) })
	return ep
}

func TestEventPublisher_OrderedDelivery(t *testing.T) {
	ep := newPublisher(t, true, 64)
	c := &collector{}
	ep.Subscribe(c.subscriber, nil)

	ctx := context.Background()
	sent := []engine.EventType{
		engine.EventTypeTaskStarted,
		engine.EventTypeTaskRetrying,
		engine.EventTypeTaskSucceeded,
		engine.EventTypeExecutionCompleted,
	}
	for _, typ := range sent {
		if err := ep.Publish(ctx, &engine.Event{Type: typ, RunID: "exec-1"}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := ep.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got := c.types()
	if len(got) != len(sent) {
		t.Fatalf("Expected %d events, got %d", len(sent), len(got))
	}
	for i := range sent {
		if got[i] != sent[i] {
			t.Errorf("Event %d: expected %s, got %s", i, sent[i], got[i])
		}
	}

	c.mu.Lock()
	first := c.events[0]
	c.mu.Unlock()
	if first.ID == "" || first.Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be filled in")
	}
	if first.Level != EventLevelInfo || c.events[1].Level != EventLevelWarning {
		t.Errorf("Expected levels from the event type, got %s, %s", first.Level, c.events[1].Level)
	}
}

func TestEventPublisher_Filters(t *testing.T) {
	ep := newPublisher(t, false, 8)
	all := &collector{}
	failures := &collector{}
	task := &collector{}
	ep.Subscribe(all.subscriber, nil)
	ep.Subscribe(failures.subscriber, FilterByType(engine.EventTypeTaskFailed, engine.EventTypeRunFailedCritical))
	ep.Subscribe(task.subscriber, FilterByTaskID("p2-c1"))
	ep.AddFilter(FilterByRunID("exec-1"))

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskStarted, RunID: "exec-1", TaskID: "p2-c1"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskFailed, RunID: "exec-1", TaskID: "p1-c1"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskFailed, RunID: "exec-2"})

	if n := len(all.types()); n != 2 {
		t.Errorf("Expected the run filter to drop exec-2, got %d events", n)
	}
	if got := failures.types(); len(got) != 1 || got[0] != engine.EventTypeTaskFailed {
		t.Errorf("Expected one failure, got %v", got)
	}
	if n := len(task.types()); n != 1 {
		t.Errorf("Expected one event for p2-c1, got %d", n)
	}
}

func TestEventPublisher_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	ep := newPublisher(t, true, 8)
	c := &collector{}
	ep.Subscribe(func(engine.Event) { panic("boom") }, nil)
	ep.Subscribe(c.subscriber, nil)

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskStarted})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskSucceeded})
	if err := ep.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if n := len(c.types()); n != 2 {
		t.Errorf("Expected 2 delivered events, got %d", n)
	}
}

func TestEventPublisher_FullBufferDrops(t *testing.T) {
	ep := newPublisher(t, true, 1)
	release := make(chan struct{})
	ep.Subscribe(func(engine.Event) { <-release }, nil)

	ctx := context.Background()
	var dropped bool
	for i := 0; i < 10; i++ {
		if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskStarted}); err != nil {
			dropped = true
		}
	}
	close(release)

	if !dropped {
		t.Fatal("Expected a full buffer to drop events")
	}
	if ep.Dropped() == 0 {
		t.Error("Expected the dropped counter to increase")
	}
	if err := ep.Flush(ctx); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}

func TestEventPublisher_ShutdownDrains(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	c := &collector{}
	ep.Subscribe(c.subscriber, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskSucceeded})
	}
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n := len(c.types()); n != 5 {
		t.Errorf("Expected buffered events to be delivered on shutdown, got %d", n)
	}
	if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskStarted}); err == nil {
		t.Error("Expected publishing after shutdown to fail")
	}
}

type recordingSink struct {
	collector
	err error
}

func (s *recordingSink) Publish(_ context.Context, e *engine.Event) error {
	s.subscriber(*e)
	return s.err
}

func TestSinkSubscriber(t *testing.T) {
	ep := newPublisher(t, false, 8)
	sink := &recordingSink{err: errors.New("disk full")}
	ep.Subscribe(SinkSubscriber(sink, zerolog.Nop()), nil)

	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeRunSucceeded, RunID: "exec-1"}); err != nil {
		t.Fatalf("Expected sink failures to stay inside the subscriber, got %v", err)
	}
	if got := sink.types(); len(got) != 1 || got[0] != engine.EventTypeRunSucceeded {
		t.Errorf("Expected the event to reach the sink, got %v", got)
	}
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	LogSubscriber(logger)(engine.Event{
		Type:    engine.EventTypeTaskFailed,
		RunID:   "exec-1",
		TaskID:  "p1-c1",
		Level:   EventLevelError,
		Message: "task failed",
		Details: map[string]interface{}{"exit_code": 3},
	})

	out := buf.String()
	for _, want := range []string{`"level":"error"`, `"task_id":"p1-c1"`, `"exit_code":3`, `"message":"task failed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	c := &collector{}
	ep.Subscribe(c.subscriber, nil)

	ctx := context.Background()
	if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeTaskStarted}); err != nil {
		t.Errorf("Expected a disabled publisher to accept events, got %v", err)
	}
	if n := len(c.types()); n != 0 {
		t.Errorf("Expected no delivery, got %d", n)
	}
	if err := ep.Flush(ctx); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if err := ep.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracer(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracer := NewTracerWithExporter(exporter, "pforge-test")

	_, span := tracer.StartSpan(context.Background(), "pforge.run", AttrProject.String("/srv/app"))
	RecordError(span, fmt.Errorf("loop: %w", engine.NewConnectivityError("cluster unreachable", errors.New("boom"))))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "pforge.run" {
		t.Errorf("Expected span pforge.run, got %s", spans[0].Name)
	}
	if len(spans[0].Events) == 0 {
		t.Error("Expected the error to be recorded as a span event")
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["error.class"] != "connectivity" || attrs["error.code"] != engine.ErrCodeConnectivity {
		t.Errorf("Expected error class and code attributes, got %v", attrs)
	}

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "pforge", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	ctx, span := tracer.Start(context.Background(), "noop")
	span.End()
	if TraceID(ctx) != "" {
		t.Error("Expected no trace ID from a disabled tracer")
	}
	if err := tracer.ForceFlush(ctx); err != nil {
		t.Errorf("ForceFlush failed: %v", err)
	}
}

func TestStartOperation(t *testing.T) {
	cfg := DefaultConfig()
	var buf bytes.Buffer
	tel, err := NewTelemetryWithLogger(cfg, NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"}))
	if err != nil {
		t.Fatalf("NewTelemetryWithLogger failed: %v", err)
	}
	exporter := tracetest.NewInMemoryExporter()
	tel.Tracer = NewTracerWithExporter(exporter, "pforge-test")
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	op := StartOperation(ctx, "detect")
	op.Logger.Info("detecting")
	op.End(engine.NewPermanentError("bad pattern", nil).WithCode(engine.ErrCodeValidation))

	if !strings.Contains(buf.String(), `"operation":"detect"`) || !strings.Contains(buf.String(), "trace_id") {
		t.Errorf("Expected operation and trace fields, got %s", buf.String())
	}
	if len(exporter.GetSpans()) != 1 {
		t.Errorf("Expected 1 span, got %d", len(exporter.GetSpans()))
	}
	if got := testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodeValidation)); got != 1 {
		t.Errorf("Expected the failure to be counted, got %v", got)
	}
}
