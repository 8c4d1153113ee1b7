package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted while driving plan executions.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// PlanExecutionID is the associated plan execution, if applicable.
	PlanExecutionID string `json:"plan_execution_id,omitempty"`

	// RuntimeID is the associated node execution, if applicable.
	RuntimeID string `json:"runtime_id,omitempty"`

	// SetupID is the plan node of the node execution, if applicable.
	SetupID string `json:"setup_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypePlanStarted        = "plan.started"
	EventTypePlanCompleted      = "plan.completed"
	EventTypeNodeStarted        = "node.started"
	EventTypeNodeCompleted      = "node.completed"
	EventTypeNodeFailed         = "node.failed"
	EventTypeInterruptProcessed = "interrupt.processed"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishPlanStarted publishes a plan execution started event.
func (ep *EventPublisher) PublishPlanStarted(planExecutionID, planID string) error {
	return ep.Publish(Event{
		Type:            EventTypePlanStarted,
		Source:          "driver",
		PlanExecutionID: planExecutionID,
		Message:         fmt.Sprintf("Plan execution %s of plan %s started", planExecutionID, planID),
		Level:           EventLevelInfo,
		Data: map[string]interface{}{
			"plan_id": planID,
		},
	})
}

// PublishPlanCompleted publishes a plan execution completed event.
func (ep *EventPublisher) PublishPlanCompleted(planExecutionID, status string, duration time.Duration) error {
	level := EventLevelInfo
	if status != "SUCCEEDED" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:            EventTypePlanCompleted,
		Source:          "driver",
		PlanExecutionID: planExecutionID,
		Message:         fmt.Sprintf("Plan execution %s completed with status: %s", planExecutionID, status),
		Level:           level,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishNodeStarted publishes a node execution started event.
func (ep *EventPublisher) PublishNodeStarted(planExecutionID, runtimeID, setupID, stepType string) error {
	return ep.Publish(Event{
		Type:            EventTypeNodeStarted,
		Source:          "driver",
		PlanExecutionID: planExecutionID,
		RuntimeID:       runtimeID,
		SetupID:         setupID,
		Message:         fmt.Sprintf("Node %s (%s) started", setupID, stepType),
		Level:           EventLevelInfo,
		Data: map[string]interface{}{
			"step_type": stepType,
		},
	})
}

// PublishNodeCompleted publishes a node execution completed event. Broken
// statuses are published as node.failed.
func (ep *EventPublisher) PublishNodeCompleted(planExecutionID, runtimeID, setupID, status string, duration time.Duration) error {
	typ, level := EventTypeNodeCompleted, EventLevelInfo
	switch status {
	case "FAILED", "EXPIRED", "ABORTED":
		typ, level = EventTypeNodeFailed, EventLevelError
	}
	return ep.Publish(Event{
		Type:            typ,
		Source:          "driver",
		PlanExecutionID: planExecutionID,
		RuntimeID:       runtimeID,
		SetupID:         setupID,
		Message:         fmt.Sprintf("Node %s completed with status: %s", setupID, status),
		Level:           level,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishInterruptProcessed publishes an interrupt processed event.
func (ep *EventPublisher) PublishInterruptProcessed(planExecutionID, interruptID, interruptType, state string) error {
	level := EventLevelInfo
	if state != "PROCESSED_SUCCESSFULLY" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:            EventTypeInterruptProcessed,
		Source:          "interrupt",
		PlanExecutionID: planExecutionID,
		Message:         fmt.Sprintf("Interrupt %s (%s) processed: %s", interruptID, interruptType, state),
		Level:           level,
		Data: map[string]interface{}{
			"interrupt_id": interruptID,
			"type":         interruptType,
			"state":        state,
		},
	})
}

// PublishError publishes an error event.
func (ep *EventPublisher) PublishError(planExecutionID, runtimeID, reason string) error {
	return ep.Publish(Event{
		Type:            EventTypeError,
		Source:          "driver",
		PlanExecutionID: planExecutionID,
		RuntimeID:       runtimeID,
		Message:         reason,
		Level:           EventLevelError,
	})
}

// Subscribe adds a new event subscriber.
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

// processEvents processes events from the buffer asynchronously. Batches are
// delivered when full and on every flush interval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain what is still buffered before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPlanExecutionID creates a filter that only allows events of one plan execution.
func FilterByPlanExecutionID(planExecutionID string) EventFilter {
	return func(event Event) bool {
		return event.PlanExecutionID == planExecutionID
	}
}

// FilterByRuntimeID creates a filter that only allows events of one node execution.
func FilterByRuntimeID(runtimeID string) EventFilter {
	return func(event Event) bool {
		return event.RuntimeID == runtimeID
	}
}
