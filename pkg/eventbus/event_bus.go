// Package eventbus provides event-driven communication infrastructure for workflow
// orchestration. Coordination events and stage tasks travel on separate topics so a
// slow agent never delays lifecycle handling.
package eventbus

import (
	"context"

	"github.com/orcha-dev/orcha/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
	PublishTask(ctx context.Context, key string, task events.StageTask) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
	SubscribeTasks(ctx context.Context, handler TaskHandler) error
}

type EventHandler func(ctx context.Context, event any) error

// TaskHandler consumes one stage task from the dispatch queue. A non-nil error nacks
// the message for redelivery.
type TaskHandler func(ctx context.Context, task events.StageTask) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
