package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-background-messaging/internal/dispatcher"
	"github.com/tinywideclouds/go-background-messaging/internal/listeners"
	"github.com/tinywideclouds/go-background-messaging/internal/visibility"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// Dispatcher is the part of *dispatcher.Dispatcher the API drives.
type Dispatcher interface {
	RegisterDispatchEntryPoint(ctx context.Context, ref string) error
	RegisterHandlerReference(ctx context.Context, ref string) error
	StartHost() error
	Handles() delivery.Handles
	State() dispatcher.State
	QueueLen() int
	Stats() dispatcher.Stats
}

// BackgroundAPI exposes handle registration, host control, foreground
// listener streams and stored message lookup.
type BackgroundAPI struct {
	Dispatcher Dispatcher
	Messages   delivery.MessageStore
	Tracker    *visibility.Tracker
	Stream     *listeners.Stream
	Logger     *slog.Logger
}

func NewBackgroundAPI(
	d Dispatcher,
	messages delivery.MessageStore,
	tracker *visibility.Tracker,
	bus *listeners.Bus,
	logger *slog.Logger,
) *BackgroundAPI {
	logger = logger.With("component", "BackgroundAPI")
	return &BackgroundAPI{
		Dispatcher: d,
		Messages:   messages,
		Tracker:    tracker,
		Stream:     &listeners.Stream{Bus: bus, Tracker: tracker, Logger: logger},
		Logger:     logger,
	}
}

// --- Handle registration ---

type RegisterHandlesRequest struct {
	EntryPoint string `json:"entry_point"`
	Handler    string `json:"handler"`
}

func (api *BackgroundAPI) RegisterHandles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterHandlesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.EntryPoint == "" && req.Handler == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "entry_point or handler is required")
		return
	}

	if req.EntryPoint != "" {
		if err := api.Dispatcher.RegisterDispatchEntryPoint(ctx, req.EntryPoint); err != nil {
			api.Logger.Error("failed to register entry point", "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
	}
	if req.Handler != "" {
		if err := api.Dispatcher.RegisterHandlerReference(ctx, req.Handler); err != nil {
			api.Logger.Error("failed to register handler", "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Host control ---

func (api *BackgroundAPI) StartHost(w http.ResponseWriter, r *http.Request) {
	if api.Dispatcher.Handles().EntryPoint == "" {
		response.WriteJSONError(w, http.StatusConflict, "no dispatch entry point registered")
		return
	}
	if err := api.Dispatcher.StartHost(); err != nil {
		if errors.Is(err, dispatcher.ErrDispatcherClosed) {
			response.WriteJSONError(w, http.StatusServiceUnavailable, "dispatcher closed")
			return
		}
		api.Logger.Error("failed to start interpreter host", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "host start failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type HostStatus struct {
	State      string           `json:"state"`
	QueueLen   int              `json:"queue_len"`
	EntryPoint string           `json:"entry_point,omitempty"`
	Handler    string           `json:"handler,omitempty"`
	Stats      dispatcher.Stats `json:"stats"`
}

func (api *BackgroundAPI) HostStatus(w http.ResponseWriter, r *http.Request) {
	handles := api.Dispatcher.Handles()
	writeJSON(w, http.StatusOK, HostStatus{
		State:      api.Dispatcher.State().String(),
		QueueLen:   api.Dispatcher.QueueLen(),
		EntryPoint: handles.EntryPoint,
		Handler:    handles.Handler,
		Stats:      api.Dispatcher.Stats(),
	})
}

// --- Foreground listeners ---

func (api *BackgroundAPI) Events(w http.ResponseWriter, r *http.Request) {
	recipient, ok := api.recipient(w, r)
	if !ok {
		return
	}
	initial := visibility.Visibility(r.URL.Query().Get("visibility"))
	if initial != "" && !initial.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid visibility")
		return
	}
	api.Stream.Serve(w, r, recipient, initial)
}

type SetVisibilityRequest struct {
	ConnectionID string `json:"connectionId"`
	Visibility   string `json:"visibility"`
}

func (api *BackgroundAPI) SetVisibility(w http.ResponseWriter, r *http.Request) {
	recipient, ok := api.recipient(w, r)
	if !ok {
		return
	}

	var req SetVisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	v := visibility.Visibility(req.Visibility)
	if req.ConnectionID == "" || !v.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "connectionId and a valid visibility are required")
		return
	}
	if !api.Tracker.SetVisibility(req.ConnectionID, recipient, v) {
		response.WriteJSONError(w, http.StatusNotFound, "connection not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Stored messages ---

func (api *BackgroundAPI) GetMessage(w http.ResponseWriter, r *http.Request) {
	recipient, ok := api.recipient(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing message id")
		return
	}

	if api.Messages == nil {
		response.WriteJSONError(w, http.StatusNotFound, "message not found")
		return
	}

	event, err := api.Messages.Get(r.Context(), id)
	if errors.Is(err, delivery.ErrNotFound) {
		response.WriteJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		api.Logger.Error("failed to read message", "message_id", id, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	// Another user's message is reported as missing.
	if event.RecipientID.String() != recipient.String() {
		response.WriteJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// --- Helpers ---

func (api *BackgroundAPI) recipient(w http.ResponseWriter, r *http.Request) (recipient urn.URN, ok bool) {
	userID, found := middleware.GetUserHandleFromContext(r.Context())
	if !found {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return recipient, false
	}
	parsed, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user id")
		return recipient, false
	}
	return parsed, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
