package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queximet/armature/pkg/channels/gochannel"
	"github.com/queximet/armature/pkg/events"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBusRoundtrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.JobCompleted, 1)

	err := bus.Handle(events.JobCompletedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.JobCompleted)

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	sent := events.JobCompleted{
		BaseEvent:  events.NewBaseEvent(events.JobCompletedEvent, "queue-1"),
		ItemID:     "item-1",
		JobName:    "extract",
		WorkerKey:  "pdf-extractor",
		Result:     map[string]any{"pages": float64(4)},
		DurationMs: 1500,
	}

	require.NoError(t, bus.Publish(ctx, "queue-1", sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "item-1", got.ItemID)
		assert.Equal(t, "queue-1", got.QueueID)
		assert.Equal(t, sent.Result, got.Result)
		assert.Equal(t, int64(1500), got.DurationMs)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBusIgnoresUnhandledTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.JobFailed, 1)

	err := bus.Handle(events.JobFailedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.JobFailed)

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	// A started event has no handler registered and is acknowledged away.
	started := events.JobStarted{
		BaseEvent: events.NewBaseEvent(events.JobStartedEvent, "queue-1"),
		ItemID:    "item-1",
	}
	require.NoError(t, bus.Publish(ctx, "queue-1", started))

	failed := events.JobFailed{
		BaseEvent: events.NewBaseEvent(events.JobFailedEvent, "queue-1"),
		ItemID:    "item-2",
		Error:     "connection refused",
		Attempts:  3,
	}
	require.NoError(t, bus.Publish(ctx, "queue-1", failed))

	select {
	case got := <-received:
		assert.Equal(t, "item-2", got.ItemID)
		assert.Equal(t, 3, got.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestGenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
