package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcha-dev/orcha/pkg/channels/gochannel"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/events"
)

func newBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.ExecutionStarted, 1)
	err := bus.Handle(events.ExecutionStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.ExecutionStarted)
		require.True(t, ok)
		received <- started

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	published := events.ExecutionStarted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent, "exec-1"),
		DefinitionID: "def-1",
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", published))

	select {
	case got := <-received:
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "def-1", got.DefinitionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_UnhandledTypeIsDropped(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered; publish must still succeed and not wedge the stream.
	event := events.TickRequested{BaseEvent: events.NewBaseEvent(events.TickRequestedEvent, "exec-1")}
	require.NoError(t, bus.Publish(ctx, "exec-1", event))
}

func TestWatermillEventBus_TaskQueue(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan events.StageTask, 1)
	err := bus.SubscribeTasks(ctx, func(_ context.Context, task events.StageTask) error {
		received <- task

		return nil
	})
	require.NoError(t, err)

	task := events.StageTask{
		BaseEvent:  events.NewBaseEvent(events.StageTaskEvent, "exec-1"),
		StageID:    "charge",
		LogID:      "log-1",
		Attempt:    1,
		Capability: "payments.charge",
	}
	require.NoError(t, bus.PublishTask(ctx, "exec-1", task))

	select {
	case got := <-received:
		assert.Equal(t, "charge", got.StageID)
		assert.Equal(t, 1, got.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
