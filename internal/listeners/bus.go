// Package listeners fans received messages out to foreground listeners
// connected over server-sent events.
package listeners

import (
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

const (
	EventConnectionChanged = "connection-changed"
	EventMessageReceived   = "message-received"
)

// Event is one item on the bus. Recipient is the URN string the event is
// addressed to; connection events carry none.
type Event struct {
	Type      string
	Recipient string
	Data      map[string]any
}

// MessageEvent wraps a received delivery event for its recipient.
func MessageEvent(ev delivery.Event) Event {
	return Event{
		Type:      EventMessageReceived,
		Recipient: ev.RecipientID.String(),
		Data: map[string]any{
			"message": ev,
		},
	}
}

// Bus is a non-blocking broadcast to subscribed channels. A subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger.With("component", "ListenerBus"),
	}
}

func (b *Bus) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers event to every subscriber with room and returns how many
// received it.
func (b *Bus) Publish(event Event) int {
	delivered, dropped := 0, 0
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	b.mu.RUnlock()
	if dropped > 0 {
		b.logger.Warn("Listener buffers full", "type", event.Type, "delivered", delivered, "dropped", dropped)
	}
	return delivered
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
