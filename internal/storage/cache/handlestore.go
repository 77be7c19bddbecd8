package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// CachedHandleStore adds read-aside caching to any delivery.HandleStore.
type CachedHandleStore struct {
	realStore delivery.HandleStore
	cache     CacheClient
	key       string
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedHandleStore(realStore delivery.HandleStore, cache CacheClient, appID string, ttl time.Duration, logger *slog.Logger) *CachedHandleStore {
	return &CachedHandleStore{
		realStore: realStore,
		cache:     cache,
		key:       fmt.Sprintf("bgmsg:handles:%s", appID),
		ttl:       ttl,
		logger:    logger.With("component", "CachedHandleStore"),
	}
}

func (s *CachedHandleStore) Load(ctx context.Context) (delivery.Handles, error) {
	var cached delivery.Handles
	if err := s.cache.Get(ctx, s.key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.Load(ctx)
	if err != nil {
		return delivery.Handles{}, err
	}

	// Caching is an optimization; a Redis failure still serves from the store.
	if err := s.cache.Set(ctx, s.key, fresh, s.ttl); err != nil {
		s.logger.Debug("Failed to populate handle cache", "err", err)
	}
	return fresh, nil
}

func (s *CachedHandleStore) SaveEntryPoint(ctx context.Context, ref string) error {
	if err := s.realStore.SaveEntryPoint(ctx, ref); err != nil {
		return err
	}
	return s.cache.Del(ctx, s.key)
}

func (s *CachedHandleStore) SaveHandler(ctx context.Context, ref string) error {
	if err := s.realStore.SaveHandler(ctx, ref); err != nil {
		return err
	}
	return s.cache.Del(ctx, s.key)
}
