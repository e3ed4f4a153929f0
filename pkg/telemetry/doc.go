// Package telemetry provides the observability stack for pforge.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and event fan-out behind one Telemetry value built
// from Config:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	loop := bootstrap.New(registry, det, runner,
//	    bootstrap.WithLogger(tel.Logger.Zerolog()),
//	    bootstrap.WithTracer(tel.Tracer.Tracer()),
//	    bootstrap.WithMetrics(tel.Metrics),
//	    bootstrap.WithExecutorMetrics(tel.Metrics),
//	    bootstrap.WithEventPublisher(tel.Events))
//
// # Logging
//
// Components take a zerolog.Logger and tag it with component=<name>. Logger
// adds the fields shared across components:
//
//	logger := tel.Logger.NewComponentLogger("cli").WithExecutionID(id)
//	logger.Info("starting bootstrap")
//
// # Metrics
//
// Metrics implements every recorder interface of the core packages:
//
//	tasks_executed_total{status}          task_duration_seconds{status}
//	task_retries_total                    loop_iterations_total{outcome}
//	runs_completed_total{state}           run_duration_seconds{state}
//	detection_confidence{platform_type}   validation_checks_total{severity,passed}
//	errors_by_class_total{class}          errors_by_code_total{code}
//
// The /metrics endpoint is only served when MetricsConfig.ListenAddress is set.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Publish never blocks: events
// are buffered and delivered in order from a background goroutine, and a full
// buffer drops the event. Subscribers take optional filters:
//
//	tel.Events.Subscribe(telemetry.SinkSubscriber(store, logger), nil)
//	tel.Events.Subscribe(telemetry.LogSubscriber(logger),
//	    telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Flush waits for delivery of everything published so far; Shutdown drains
// the buffer and stops the delivery goroutine.
//
// # Tracing
//
// The bootstrap loop opens spans for the run, each iteration, execution and
// validation. Exporters are "otlp" (gRPC), "stdout" or "none"; a disabled
// tracer hands out no-op spans.
package telemetry
