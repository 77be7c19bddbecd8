package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-background-messaging/internal/receiver"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// EventReceiver routes a single delivery event. *receiver.Receiver satisfies it.
type EventReceiver interface {
	Receive(ctx context.Context, event delivery.Event) receiver.Route
}

// NewProcessor hands each event to the receiver. Background failures are
// logged by the dispatcher and never retried, so the message is always acked.
func NewProcessor(r EventReceiver, logger *slog.Logger) messagepipeline.StreamProcessor[delivery.Event] {
	return func(ctx context.Context, original messagepipeline.Message, event *delivery.Event) error {
		route := r.Receive(ctx, *event)
		logger.Debug("Delivery event routed",
			"pubsub_msg_id", original.ID,
			"message_id", event.MessageID,
			"recipient_id", event.RecipientID.String(),
			"route", route.String(),
		)
		return nil
	}
}
