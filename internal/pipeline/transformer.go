// Package pipeline adapts inbound Pub/Sub delivery events onto the receiver.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// DeliveryEventTransformer unmarshals a raw payload into a delivery.Event.
// Malformed JSON or an invalid recipient URN is skipped so the streaming
// service can nack it to the dead-letter topic. An event without a message id
// takes the transport message id.
func DeliveryEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*delivery.Event, bool, error) {
	var event delivery.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal delivery event from message %s: %w", msg.ID, err)
	}
	if event.MessageID == "" {
		event.MessageID = msg.ID
	}
	return &event, false, nil
}
