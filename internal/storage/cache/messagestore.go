package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// DefaultMessageTTL is how long a received notification stays retrievable.
const DefaultMessageTTL = 24 * time.Hour

// MessageStore implements delivery.MessageStore with expiring Redis keys.
type MessageStore struct {
	cache CacheClient
	ttl   time.Duration
}

func NewMessageStore(cache CacheClient, ttl time.Duration) *MessageStore {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return &MessageStore{cache: cache, ttl: ttl}
}

func (s *MessageStore) Store(ctx context.Context, event delivery.Event) error {
	if event.MessageID == "" {
		return errors.New("cannot store an event without a message id")
	}
	if err := s.cache.Set(ctx, messageKey(event.MessageID), event, s.ttl); err != nil {
		return fmt.Errorf("failed to store message %s: %w", event.MessageID, err)
	}
	return nil
}

// Get returns delivery.ErrNotFound once the message has expired or was never stored.
func (s *MessageStore) Get(ctx context.Context, messageID string) (*delivery.Event, error) {
	var event delivery.Event
	err := s.cache.Get(ctx, messageKey(messageID), &event)
	if errors.Is(err, ErrCacheMiss) {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	return &event, nil
}

func messageKey(id string) string {
	return "bgmsg:message:" + id
}
