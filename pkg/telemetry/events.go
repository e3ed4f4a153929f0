package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles one event. Subscribers run on the publisher's
// delivery goroutine and see events in publication order.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans events out to subscribers. It implements
// engine.EventPublisher; a slow or failing subscriber never blocks the
// publisher. When the buffer is full the event is dropped.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	logger      zerolog.Logger
	pending     atomic.Int64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	dropped     int64
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg, logger: logger}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan engine.Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		logger:      logger.With().Str("component", "events").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. The event is copied, so the
// caller may reuse it.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = ev.Type.Severity()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(ev) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(ev)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	ep.pending.Add(1)
	select {
	case ep.buffer <- ev:
		return nil
	default:
		ep.pending.Add(-1)
		ep.mu.Lock()
		ep.dropped++
		ep.mu.Unlock()
		return fmt.Errorf("event buffer full, event %s dropped", ev.Type)
	}
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// Dropped returns the number of events dropped because the buffer was full.
func (ep *EventPublisher) Dropped() int64 {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.dropped
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
			ep.pending.Add(-1)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
					ep.pending.Add(-1)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	subscribers := make([]subscriberEntry, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		ep.safeDeliver(entry.subscriber, event)
	}
}

func (ep *EventPublisher) safeDeliver(subscriber EventSubscriber, event engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("event subscriber panicked")
		}
	}()
	subscriber(event)
}

// Flush waits until every event published so far has been delivered.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	if !ep.config.Enabled || !ep.config.EnableAsync {
		return nil
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for ep.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("event flush: %w", ctx.Err())
		}
	}
	return nil
}

// Shutdown delivers the buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// SinkSubscriber forwards events to another publisher, such as the run
// history store. Sink failures are logged.
func SinkSubscriber(sink engine.EventPublisher, logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		if err := sink.Publish(context.Background(), &event); err != nil {
			logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("event sink failed")
		}
	}
}

// LogSubscriber writes events to logger at their level.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		var e *zerolog.Event
		switch event.Level {
		case EventLevelError:
			e = logger.Error()
		case EventLevelWarning:
			e = logger.Warn()
		default:
			e = logger.Info()
		}
		e = e.Str("event_type", string(event.Type))
		if event.RunID != "" {
			e = e.Str("execution_id", event.RunID)
		}
		if event.TaskID != "" {
			e = e.Str("task_id", event.TaskID)
		}
		if len(event.Details) > 0 {
			e = e.Fields(event.Details)
		}
		e.Msg(event.Message)
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific execution.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByTaskID creates a filter that only allows events for a specific task.
func FilterByTaskID(taskID string) EventFilter {
	return func(event engine.Event) bool {
		return event.TaskID == taskID
	}
}
