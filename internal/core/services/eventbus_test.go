package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PubSub(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	jobID := "job-123"

	ch, unsub := bus.Subscribe(jobID)
	defer unsub()

	event := Event{
		Topic:     jobID,
		Type:      EventTypeJob,
		Data:      `{"status":"processing"}`,
		Timestamp: time.Now().Unix(),
	}
	bus.Publish(event)

	select {
	case received := <-ch:
		assert.Equal(t, event.Topic, received.Topic)
		assert.Equal(t, event.Data, received.Data)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_ScopedToTopic(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("job-a")
	defer unsub()

	bus.Publish(Event{Topic: "job-b", Type: EventTypeJob, Data: "other"})

	select {
	case e := <-ch:
		t.Fatalf("received event for another topic: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	jobID := "job-456"

	ch, unsub := bus.Subscribe(jobID)
	unsub()
	unsub() // idempotent

	bus.Publish(Event{Topic: jobID, Type: EventTypeJob, Data: "{}"})

	_, ok := <-ch
	assert.False(t, ok, "channel is closed after unsubscribe")
	assert.Equal(t, 0, bus.Subscribers(jobID))
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	batchID := "batch-multi"

	ch1, unsub1 := bus.Subscribe(batchID)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(batchID)
	defer unsub2()

	bus.Publish(Event{Topic: batchID, Type: EventTypeBatch, Data: "broadcast"})

	timeout := time.After(1 * time.Second)

	got1 := false
	got2 := false

	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			got1 = true
		case <-ch2:
			got2 = true
		case <-timeout:
			t.Fatal("timeout")
		}
	}

	assert.True(t, got1)
	assert.True(t, got2)
}

func TestEventBus_PublishNoSubscriber(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	// Publishing with no subscriber should not panic
	bus.Publish(Event{Topic: "no-such-job", Type: EventTypeJob, Data: "{}"})
}
