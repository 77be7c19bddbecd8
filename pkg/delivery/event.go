// Package delivery contains the public domain models and contracts shared by
// the receiver, the background work dispatcher and the interpreter host.
package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// NotificationMetadata is the optional user-visible part of a delivery event.
type NotificationMetadata struct {
	Title       string `json:"title,omitempty"`
	Body        string `json:"body,omitempty"`
	Sound       string `json:"sound,omitempty"`
	Tag         string `json:"tag,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	ClickAction string `json:"clickAction,omitempty"`
}

// Event is a single push message delivery as it arrives from the transport.
type Event struct {
	MessageID    string                `json:"messageId"`
	From         string                `json:"from,omitempty"`
	CollapseKey  string                `json:"collapseKey,omitempty"`
	SentTime     time.Time             `json:"sentTime,omitempty"`
	TTL          int                   `json:"ttl,omitempty"`
	RecipientID  urn.URN               `json:"-"`
	Data         map[string]string     `json:"data,omitempty"`
	Notification *NotificationMetadata `json:"notification,omitempty"`
}

// eventJSON is the wire shape; the recipient travels as its string form.
type eventJSON struct {
	MessageID    string                `json:"messageId"`
	From         string                `json:"from,omitempty"`
	CollapseKey  string                `json:"collapseKey,omitempty"`
	SentTime     time.Time             `json:"sentTime,omitempty"`
	TTL          int                   `json:"ttl,omitempty"`
	RecipientID  string                `json:"recipientId"`
	Data         map[string]string     `json:"data,omitempty"`
	Notification *NotificationMetadata `json:"notification,omitempty"`
}

// MarshalJSON writes the recipient URN in its canonical string form.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		MessageID:    e.MessageID,
		From:         e.From,
		CollapseKey:  e.CollapseKey,
		SentTime:     e.SentTime,
		TTL:          e.TTL,
		RecipientID:  e.RecipientID.String(),
		Data:         e.Data,
		Notification: e.Notification,
	})
}

// UnmarshalJSON parses the wire shape and validates the recipient URN.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	recipient, err := urn.Parse(raw.RecipientID)
	if err != nil {
		return fmt.Errorf("invalid recipient id %q: %w", raw.RecipientID, err)
	}
	*e = Event{
		MessageID:    raw.MessageID,
		From:         raw.From,
		CollapseKey:  raw.CollapseKey,
		SentTime:     raw.SentTime,
		TTL:          raw.TTL,
		RecipientID:  recipient,
		Data:         raw.Data,
		Notification: raw.Notification,
	}
	return nil
}

// HasNotification reports whether the event carries a user-visible notification.
func (e *Event) HasNotification() bool {
	return e.Notification != nil
}

// PendingRequest is a background message-handling request. Nothing mutates it
// after NewPendingRequest returns.
type PendingRequest struct {
	ID         string
	Event      Event
	Payload    map[string]string
	ReceivedAt time.Time
}

// NewPendingRequest wraps an event for background handling. The request id is
// the message id, or a fresh uuid when the transport did not supply one.
func NewPendingRequest(event Event) *PendingRequest {
	id := event.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	payload := make(map[string]string, len(event.Data))
	for k, v := range event.Data {
		payload[k] = v
	}
	return &PendingRequest{
		ID:         id,
		Event:      event,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}
