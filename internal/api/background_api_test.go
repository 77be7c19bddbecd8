package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-background-messaging/internal/api"
	"github.com/tinywideclouds/go-background-messaging/internal/dispatcher"
	"github.com/tinywideclouds/go-background-messaging/internal/listeners"
	"github.com/tinywideclouds/go-background-messaging/internal/visibility"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// --- Mocks ---

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) RegisterDispatchEntryPoint(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}
func (m *MockDispatcher) RegisterHandlerReference(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}
func (m *MockDispatcher) StartHost() error {
	return m.Called().Error(0)
}
func (m *MockDispatcher) Handles() delivery.Handles {
	return m.Called().Get(0).(delivery.Handles)
}
func (m *MockDispatcher) State() dispatcher.State {
	return m.Called().Get(0).(dispatcher.State)
}
func (m *MockDispatcher) QueueLen() int {
	return m.Called().Int(0)
}
func (m *MockDispatcher) Stats() dispatcher.Stats {
	return m.Called().Get(0).(dispatcher.Stats)
}

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Store(ctx context.Context, event delivery.Event) error {
	return m.Called(ctx, event).Error(0)
}
func (m *MockMessageStore) Get(ctx context.Context, id string) (*delivery.Event, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*delivery.Event), args.Error(1)
}

// --- Setup ---

type fixture struct {
	api        *api.BackgroundAPI
	dispatcher *MockDispatcher
	messages   *MockMessageStore
	tracker    *visibility.Tracker
	bus        *listeners.Bus
}

func setupAPI(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := fixture{
		dispatcher: new(MockDispatcher),
		messages:   new(MockMessageStore),
		tracker:    visibility.NewTracker(),
		bus:        listeners.NewBus(logger),
	}
	f.api = api.NewBackgroundAPI(f.dispatcher, f.messages, f.tracker, f.bus, logger)
	return f
}

func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

// --- Tests ---

func TestRegisterHandles(t *testing.T) {
	t.Run("registers both handles", func(t *testing.T) {
		f := setupAPI(t)
		f.dispatcher.On("RegisterDispatchEntryPoint", mock.Anything, "main.lua").Return(nil)
		f.dispatcher.On("RegisterHandlerReference", mock.Anything, "on_background_message").Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/handlers", jsonBody(t, map[string]string{
			"entry_point": "main.lua",
			"handler":     "on_background_message",
		}))
		w := httptest.NewRecorder()
		f.api.RegisterHandles(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		f.dispatcher.AssertExpectations(t)
	})

	t.Run("handler only", func(t *testing.T) {
		f := setupAPI(t)
		f.dispatcher.On("RegisterHandlerReference", mock.Anything, "on_background_message").Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/handlers", jsonBody(t, map[string]string{"handler": "on_background_message"}))
		w := httptest.NewRecorder()
		f.api.RegisterHandles(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		f.dispatcher.AssertNotCalled(t, "RegisterDispatchEntryPoint", mock.Anything, mock.Anything)
	})

	t.Run("rejects empty request", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/handlers", jsonBody(t, map[string]string{}))
		w := httptest.NewRecorder()
		f.api.RegisterHandles(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/handlers", strings.NewReader("{"))
		w := httptest.NewRecorder()
		f.api.RegisterHandles(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		f := setupAPI(t)
		f.dispatcher.On("RegisterHandlerReference", mock.Anything, "h").Return(errors.New("firestore down"))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/handlers", jsonBody(t, map[string]string{"handler": "h"}))
		w := httptest.NewRecorder()
		f.api.RegisterHandles(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestStartHost(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := setupAPI(t)
		f.dispatcher.On("Handles").Return(delivery.Handles{EntryPoint: "main.lua"})
		f.dispatcher.On("StartHost").Return(nil)

		w := httptest.NewRecorder()
		f.api.StartHost(w, httptest.NewRequest(http.MethodPost, "/api/v1/host/start", nil))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("no entry point", func(t *testing.T) {
		f := setupAPI(t)
		f.dispatcher.On("Handles").Return(delivery.Handles{})

		w := httptest.NewRecorder()
		f.api.StartHost(w, httptest.NewRequest(http.MethodPost, "/api/v1/host/start", nil))
		assert.Equal(t, http.StatusConflict, w.Code)
		f.dispatcher.AssertNotCalled(t, "StartHost")
	})

	t.Run("closed dispatcher", func(t *testing.T) {
		f := setupAPI(t)
		f.dispatcher.On("Handles").Return(delivery.Handles{EntryPoint: "main.lua"})
		f.dispatcher.On("StartHost").Return(dispatcher.ErrDispatcherClosed)

		w := httptest.NewRecorder()
		f.api.StartHost(w, httptest.NewRequest(http.MethodPost, "/api/v1/host/start", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHostStatus(t *testing.T) {
	f := setupAPI(t)
	f.dispatcher.On("Handles").Return(delivery.Handles{EntryPoint: "main.lua", Handler: "h"})
	f.dispatcher.On("State").Return(dispatcher.StateStarting)
	f.dispatcher.On("QueueLen").Return(3)
	f.dispatcher.On("Stats").Return(dispatcher.Stats{Queued: 3})

	w := httptest.NewRecorder()
	f.api.HostStatus(w, httptest.NewRequest(http.MethodGet, "/api/v1/host/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var status api.HostStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "starting", status.State)
	assert.Equal(t, 3, status.QueueLen)
	assert.Equal(t, int64(3), status.Stats.Queued)
}

func TestSetVisibility(t *testing.T) {
	alice, err := urn.Parse("urn:contacts:user:alice")
	require.NoError(t, err)

	t.Run("updates an owned connection", func(t *testing.T) {
		f := setupAPI(t)
		f.tracker.Register("conn-1", alice)

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/visibility", jsonBody(t, map[string]string{
			"connectionId": "conn-1",
			"visibility":   "hidden",
		})), alice.String())
		w := httptest.NewRecorder()
		f.api.SetVisibility(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, f.tracker.HasVisibleConnection(alice))
	})

	t.Run("unknown connection", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/visibility", jsonBody(t, map[string]string{
			"connectionId": "conn-x",
			"visibility":   "hidden",
		})), alice.String())
		w := httptest.NewRecorder()
		f.api.SetVisibility(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid visibility", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/visibility", jsonBody(t, map[string]string{
			"connectionId": "conn-1",
			"visibility":   "minimized",
		})), alice.String())
		w := httptest.NewRecorder()
		f.api.SetVisibility(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		f := setupAPI(t)
		w := httptest.NewRecorder()
		f.api.SetVisibility(w, httptest.NewRequest(http.MethodPost, "/api/v1/visibility", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGetMessage(t *testing.T) {
	alice, err := urn.Parse("urn:contacts:user:alice")
	require.NoError(t, err)
	bob, err := urn.Parse("urn:contacts:user:bob")
	require.NoError(t, err)

	stored := &delivery.Event{
		MessageID:    "msg-1",
		RecipientID:  alice,
		Notification: &delivery.NotificationMetadata{Title: "Hello"},
	}

	get := func(f fixture, id, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/"+id, nil)
		req.SetPathValue("id", id)
		w := httptest.NewRecorder()
		f.api.GetMessage(w, withUser(req, user))
		return w
	}

	t.Run("found", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Get", mock.Anything, "msg-1").Return(stored, nil)

		w := get(f, "msg-1", alice.String())

		require.Equal(t, http.StatusOK, w.Code)
		var got delivery.Event
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "msg-1", got.MessageID)
		assert.Equal(t, "Hello", got.Notification.Title)
	})

	t.Run("other recipient sees not found", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Get", mock.Anything, "msg-1").Return(stored, nil)
		assert.Equal(t, http.StatusNotFound, get(f, "msg-1", bob.String()).Code)
	})

	t.Run("missing", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Get", mock.Anything, "nope").Return(nil, delivery.ErrNotFound)
		assert.Equal(t, http.StatusNotFound, get(f, "nope", alice.String()).Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Get", mock.Anything, "msg-1").Return(nil, errors.New("redis down"))
		assert.Equal(t, http.StatusInternalServerError, get(f, "msg-1", alice.String()).Code)
	})

	t.Run("no message store configured", func(t *testing.T) {
		f := setupAPI(t)
		f.api.Messages = nil
		assert.Equal(t, http.StatusNotFound, get(f, "msg-1", alice.String()).Code)
	})
}

func TestEvents(t *testing.T) {
	alice, err := urn.Parse("urn:contacts:user:alice")
	require.NoError(t, err)

	f := setupAPI(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.api.Events(w, withUser(r, alice.String()))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"?visibility=hidden", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connection-changed\n", line)

	// Registered, but hidden as requested.
	assert.Equal(t, 1, f.tracker.Connections())
	assert.False(t, f.tracker.HasVisibleConnection(alice))

	cancel()
	assert.Eventually(t, func() bool { return f.tracker.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
