package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/orcha-dev/orcha/pkg/events"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	msg, err := eb.newMessage(key, event.GetType(), event)
	if err != nil {
		return err
	}

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) PublishTask(ctx context.Context, key string, task events.StageTask) error {
	msg, err := eb.newMessage(key, events.StageTaskEvent, task)
	if err != nil {
		return err
	}

	return eb.publisher.Publish(events.TasksTopic, msg)
}

func (eb *WatermillEventBus) newMessage(key string, eventType events.EventType, payload any) (*message.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), body)
	msg.Metadata.Set(events.EventKeyMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(eventType))

	return msg, nil
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var event any

			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			handler, exists := eb.subscriptions[eventType]
			if !exists {
				msg.Ack()

				continue
			}

			switch eventType {
			case events.ExecutionStartedEvent:
				event = &events.ExecutionStarted{}
			case events.CancelRequestedEvent:
				event = &events.CancelRequested{}
			case events.TickRequestedEvent:
				event = &events.TickRequested{}
			default:
				msg.Nack()

				continue
			}

			err := json.Unmarshal(msg.Payload, event)
			if err != nil {
				msg.Nack()

				continue
			}

			err = handler(ctx, event)
			if err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) SubscribeTasks(ctx context.Context, handler TaskHandler) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.TasksTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var task events.StageTask

			err := json.Unmarshal(msg.Payload, &task)
			if err != nil {
				msg.Nack()

				continue
			}

			err = handler(ctx, task)
			if err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
