package services

import (
	"log/slog"
	"sync"
)

type EventType string

const (
	EventTypeJob   EventType = "job"   // Data: JobRecord snapshot
	EventTypeBatch EventType = "batch" // Data: BatchStatus snapshot
)

type Event struct {
	Topic     string // job or batch id
	Type      EventType
	Data      string // JSON payload or raw text
	Terminal  bool   // no further events will follow on this topic
	Timestamp int64
}

// EventBus fans events out to subscribers of a single job or batch id.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: job or batch id
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for one topic
func (b *EventBus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to prevent blocking publisher
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[topic]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[topic] = append(subscribers[:i:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of its topic
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.Topic]
	if !ok {
		return
	}

	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			// Snapshots supersede each other, so a slow reader only loses stale state
			b.logger.Warn("event bus channel full, dropping event", "topic", e.Topic)
		}
	}
}

// Subscribers reports how many subscribers a topic has.
func (b *EventBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
