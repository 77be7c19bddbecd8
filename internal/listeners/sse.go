package listeners

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-background-messaging/internal/visibility"
)

const (
	subscriberBuffer  = 32
	heartbeatInterval = 15 * time.Second
)

// Stream serves the server-sent event stream for one recipient. The
// connection is registered with tracker for as long as it stays open, and
// its id is sent first so the client can report visibility changes.
type Stream struct {
	Bus       *Bus
	Tracker   *visibility.Tracker
	Heartbeat time.Duration
	Logger    *slog.Logger
}

func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, recipient urn.URN, initial visibility.Visibility) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	connectionID := uuid.NewString()
	logger := s.Logger.With("connection_id", connectionID, "recipient", recipient.String())

	events := s.Bus.Subscribe(subscriberBuffer)
	defer s.Bus.Unsubscribe(events)

	s.Tracker.Register(connectionID, recipient)
	defer s.Tracker.Unregister(connectionID)
	if initial != "" {
		s.Tracker.SetVisibility(connectionID, recipient, initial)
	}

	writeEvent(w, flusher, Event{
		Type: EventConnectionChanged,
		Data: map[string]any{
			"status":       "connected",
			"connectionId": connectionID,
		},
	})
	logger.Debug("Listener connected")

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = heartbeatInterval
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	want := recipient.String()
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("Listener disconnected")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Recipient == want {
				writeEvent(w, flusher, event)
			}
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event Event) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
