package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks the caller: when a subscriber's buffer is full the event is dropped
// for that subscriber and a warning is logged.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			slog.Warn("eventbus: subscriber buffer full, dropping event",
				"subscriber_id", id,
				"event_type", event.Type,
				"project_id", event.ProjectID,
			)
		}
	}
}

// PublishNew constructs an event with a fresh id and timestamp and publishes
// it. Returns the event so callers can log or inspect it.
func (b *Bus) PublishNew(eventType EventType, severity Severity, projectID string, opts ...EventOption) *Event {
	event := &Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Severity:  severity,
		ProjectID: projectID,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(event)
	}
	b.Publish(event)
	return event
}

type EventOption func(*Event)

func WithTask(taskID string) EventOption {
	return func(e *Event) {
		e.TaskID = taskID
	}
}

func WithWorker(workerID string) EventOption {
	return func(e *Event) {
		e.WorkerID = workerID
	}
}

func WithMessage(msg string) EventOption {
	return func(e *Event) {
		e.Message = msg
	}
}

func WithMetadata(md map[string]string) EventOption {
	return func(e *Event) {
		e.Metadata = md
	}
}
