// Package receiver classifies incoming delivery events and routes them to
// foreground listeners or to the background dispatcher.
package receiver

import (
	"context"
	"log/slog"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-background-messaging/internal/listeners"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// Route records where an event was sent.
type Route int

const (
	RouteForeground Route = iota
	RouteBackground
)

func (r Route) String() string {
	if r == RouteForeground {
		return "foreground"
	}
	return "background"
}

// Submitter accepts background work. *dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req *delivery.PendingRequest)
}

// VisibilityChecker reports whether a recipient is in the foreground.
type VisibilityChecker interface {
	HasVisibleConnection(recipient urn.URN) bool
}

// Publisher broadcasts to foreground listeners and reports how many received
// the event.
type Publisher interface {
	Publish(event listeners.Event) int
}

type Receiver struct {
	dispatcher Submitter
	store      delivery.MessageStore
	visibility VisibilityChecker
	publisher  Publisher
	logger     *slog.Logger
}

// New builds a receiver. store may be nil to skip keeping notifications.
func New(dispatcher Submitter, store delivery.MessageStore, visibility VisibilityChecker, publisher Publisher, logger *slog.Logger) *Receiver {
	return &Receiver{
		dispatcher: dispatcher,
		store:      store,
		visibility: visibility,
		publisher:  publisher,
		logger:     logger.With("component", "DeliveryReceiver"),
	}
}

// Receive handles one delivery event. Events carrying a notification are kept
// for later lookup first. A visible recipient gets the event directly; if no
// listener took it, or the recipient is not visible, it becomes a background
// request. Submit may block while a ready host runs the handler.
func (r *Receiver) Receive(ctx context.Context, event delivery.Event) Route {
	logger := r.logger.With("message_id", event.MessageID, "recipient", event.RecipientID.String())

	if event.HasNotification() && r.store != nil {
		if err := r.store.Store(ctx, event); err != nil {
			logger.Warn("Failed to store notification message", "err", err)
		}
	}

	if r.visibility.HasVisibleConnection(event.RecipientID) {
		if r.publisher.Publish(listeners.MessageEvent(event)) > 0 {
			logger.Debug("Delivered to foreground listeners")
			return RouteForeground
		}
		logger.Warn("Recipient visible but no listener accepted the message; handling in background")
	}

	r.dispatcher.Submit(ctx, delivery.NewPendingRequest(event))
	return RouteBackground
}
