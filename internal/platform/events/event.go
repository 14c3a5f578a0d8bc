// Package events carries therapy lifecycle notifications from the services
// that commit them to the sinks that deliver them: websocket subscribers and,
// when configured, a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event is a single committed state change. Topics lists every subscription
// channel the event belongs to, e.g. "patient/7" and "cycles".
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Topics       []string        `json:"topics"`
	ClinicID     string          `json:"clinicId,omitempty"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// New builds an event with a fresh id and the current UTC time. A payload
// that cannot be marshalled is dropped rather than failing the caller.
func New(eventType, resourceType, resourceID string, payload interface{}, topics ...string) Event {
	evt := Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		Topics:       topics,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Data = data
		}
	}
	return evt
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Fanout publishes every event to each sink in order. All sinks are tried;
// their errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
