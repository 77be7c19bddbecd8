package receiver_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-background-messaging/internal/listeners"
	"github.com/tinywideclouds/go-background-messaging/internal/receiver"
	"github.com/tinywideclouds/go-background-messaging/internal/visibility"
	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSubmitter struct {
	requests []*delivery.PendingRequest
}

func (s *recordingSubmitter) Submit(_ context.Context, req *delivery.PendingRequest) {
	s.requests = append(s.requests, req)
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

func TestReceiver_Receive(t *testing.T) {
	ctx := context.Background()
	alice, err := urn.Parse("urn:contacts:user:alice")
	require.NoError(t, err)

	withNotification := delivery.Event{
		MessageID:    "msg-1",
		RecipientID:  alice,
		Data:         map[string]string{"k": "v"},
		Notification: &delivery.NotificationMetadata{Title: "Hi"},
	}
	dataOnly := delivery.Event{MessageID: "msg-2", RecipientID: alice}

	t.Run("not visible goes to the dispatcher", func(t *testing.T) {
		submitter := &recordingSubmitter{}
		bus := listeners.NewBus(newTestLogger())
		r := receiver.New(submitter, nil, visibility.NewTracker(), bus, newTestLogger())

		route := r.Receive(ctx, dataOnly)

		assert.Equal(t, receiver.RouteBackground, route)
		require.Len(t, submitter.requests, 1)
		assert.Equal(t, "msg-2", submitter.requests[0].ID)
	})

	t.Run("visible recipient bypasses the dispatcher", func(t *testing.T) {
		submitter := &recordingSubmitter{}
		bus := listeners.NewBus(newTestLogger())
		ch := bus.Subscribe(1)
		defer bus.Unsubscribe(ch)
		tracker := visibility.NewTracker()
		tracker.Register("conn-1", alice)
		r := receiver.New(submitter, nil, tracker, bus, newTestLogger())

		route := r.Receive(ctx, dataOnly)

		assert.Equal(t, receiver.RouteForeground, route)
		assert.Empty(t, submitter.requests)
		event := <-ch
		assert.Equal(t, listeners.EventMessageReceived, event.Type)
		assert.Equal(t, alice.String(), event.Recipient)
	})

	t.Run("hidden connection goes to the dispatcher", func(t *testing.T) {
		submitter := &recordingSubmitter{}
		bus := listeners.NewBus(newTestLogger())
		tracker := visibility.NewTracker()
		tracker.Register("conn-1", alice)
		tracker.SetVisibility("conn-1", alice, visibility.Hidden)
		r := receiver.New(submitter, nil, tracker, bus, newTestLogger())

		assert.Equal(t, receiver.RouteBackground, r.Receive(ctx, dataOnly))
		assert.Len(t, submitter.requests, 1)
	})

	t.Run("visible without a listener falls back to background", func(t *testing.T) {
		submitter := &recordingSubmitter{}
		bus := listeners.NewBus(newTestLogger())
		tracker := visibility.NewTracker()
		tracker.Register("conn-1", alice)
		r := receiver.New(submitter, nil, tracker, bus, newTestLogger())

		assert.Equal(t, receiver.RouteBackground, r.Receive(ctx, dataOnly))
		assert.Len(t, submitter.requests, 1)
	})

	t.Run("notifications are stored, data-only messages are not", func(t *testing.T) {
		store := new(MockMessageStore)
		store.On("Store", ctx, withNotification).Return(nil).Once()
		r := receiver.New(&recordingSubmitter{}, store, visibility.NewTracker(), listeners.NewBus(newTestLogger()), newTestLogger())

		r.Receive(ctx, withNotification)
		r.Receive(ctx, dataOnly)

		store.AssertExpectations(t)
		store.AssertNumberOfCalls(t, "Store", 1)
	})

	t.Run("store failure does not stop delivery", func(t *testing.T) {
		submitter := &recordingSubmitter{}
		store := new(MockMessageStore)
		store.On("Store", ctx, withNotification).Return(errors.New("redis down"))
		r := receiver.New(submitter, store, visibility.NewTracker(), listeners.NewBus(newTestLogger()), newTestLogger())

		assert.Equal(t, receiver.RouteBackground, r.Receive(ctx, withNotification))
		require.Len(t, submitter.requests, 1)
		assert.Equal(t, map[string]string{"k": "v"}, submitter.requests[0].Payload)
	})
}
