// Package eventbus publishes execution lifecycle events to live observers.
package eventbus

import (
	"context"
	"errors"

	"github.com/dukex/pipelit/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives the channel key the event was published on and the decoded event.
type EventHandler func(ctx context.Context, key string, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// PublishExecutionEvent publishes event on both the execution channel and the
// workflow channel. Both publishes are attempted even if the first one fails.
func PublishExecutionEvent(ctx context.Context, publisher EventPublisher, executionID, workflowID string, event Event) error {
	return errors.Join(
		publisher.Publish(ctx, events.ExecutionChannel(executionID), event),
		publisher.Publish(ctx, events.WorkflowChannel(workflowID), event),
	)
}
