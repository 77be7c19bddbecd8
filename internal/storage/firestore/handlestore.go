// Package firestore persists registered background handles in Google Cloud
// Firestore so they survive restarts.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

const (
	appsCollection    = "background-apps"
	handlesCollection = "handles"

	kindEntryPoint = "entry_point"
	kindHandler    = "handler"
)

// HandleStore implements delivery.HandleStore. Each handle kind is one
// document: background-apps/{appID}/handles/{kind}.
type HandleStore struct {
	client *firestore.Client
	appID  string
	logger *slog.Logger
}

func NewHandleStore(client *firestore.Client, appID string, logger *slog.Logger) (*HandleStore, error) {
	if appID == "" {
		return nil, errors.New("app id is required")
	}
	return &HandleStore{
		client: client,
		appID:  appID,
		logger: logger.With("component", "FirestoreHandleStore"),
	}, nil
}

type handleRecord struct {
	Ref       string    `firestore:"ref"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *HandleStore) SaveEntryPoint(ctx context.Context, ref string) error {
	return s.save(ctx, kindEntryPoint, ref)
}

func (s *HandleStore) SaveHandler(ctx context.Context, ref string) error {
	return s.save(ctx, kindHandler, ref)
}

// Load returns whatever handles have been saved; a fresh app yields empty Handles.
func (s *HandleStore) Load(ctx context.Context) (delivery.Handles, error) {
	var handles delivery.Handles

	iter := s.handles().Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return delivery.Handles{}, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record handleRecord
		if err := doc.DataTo(&record); err != nil {
			s.logger.Warn("Skipping unreadable handle record", "doc", doc.Ref.ID, "err", err)
			continue
		}

		switch doc.Ref.ID {
		case kindEntryPoint:
			handles.EntryPoint = record.Ref
		case kindHandler:
			handles.Handler = record.Ref
		default:
			s.logger.Warn("Ignoring unknown handle kind", "doc", doc.Ref.ID)
		}
	}
	return handles, nil
}

func (s *HandleStore) save(ctx context.Context, kind, ref string) error {
	_, err := s.handles().Doc(kind).Set(ctx, handleRecord{Ref: ref, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

func (s *HandleStore) handles() *firestore.CollectionRef {
	return s.client.Collection(appsCollection).Doc(s.appID).Collection(handlesCollection)
}
