// Package fcm delivers notices raised by background handlers through
// Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// MessagingClient is the subset of the Firebase Messaging API in use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Notifier struct {
	client MessagingClient
	logger *slog.Logger
}

func NewNotifier(client MessagingClient, logger *slog.Logger) *Notifier {
	return &Notifier{
		client: client,
		logger: logger.With("component", "FCMNotifier"),
	}
}

// Notify sends notice to every FCM target in one multicast batch. Targets for
// other platforms are ignored. Dead tokens are reported in Receipt.Invalid.
func (n *Notifier) Notify(ctx context.Context, targets []delivery.Target, notice delivery.Notice) (delivery.Receipt, error) {
	var fcmTargets []delivery.Target
	for _, t := range targets {
		if t.Platform == delivery.PlatformFCM && t.Token != "" {
			fcmTargets = append(fcmTargets, t)
		}
	}
	if len(fcmTargets) == 0 {
		return delivery.Receipt{}, nil
	}

	tokens := make([]string, len(fcmTargets))
	for i, t := range fcmTargets {
		tokens[i] = t.Token
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   notice.Data,
		Notification: &messaging.Notification{
			Title: notice.Title,
			Body:  notice.Body,
		},
		Android: &messaging.AndroidConfig{
			Notification: &messaging.AndroidNotification{
				Sound: notice.Sound,
				Tag:   notice.Tag,
				Icon:  notice.Icon,
			},
		},
	}

	br, err := n.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		if messaging.IsInvalidArgument(err) {
			n.logger.Error("FCM rejected batch as InvalidArgument (dropping)", "err", err)
			return delivery.Receipt{Failed: len(tokens)}, nil
		}
		return delivery.Receipt{}, fmt.Errorf("fcm transport failed: %w", err)
	}

	receipt := delivery.Receipt{Sent: br.SuccessCount}
	retryable := 0
	for idx, resp := range br.Responses {
		if resp.Success {
			continue
		}
		receipt.Failed++
		if messaging.IsInvalidArgument(resp.Error) || messaging.IsRegistrationTokenNotRegistered(resp.Error) {
			receipt.Invalid = append(receipt.Invalid, fcmTargets[idx])
			continue
		}
		retryable++
	}

	if retryable > 0 {
		return receipt, fmt.Errorf("batch had %d retryable errors", retryable)
	}
	n.logger.Debug("FCM batch sent", "success", receipt.Sent, "invalid", len(receipt.Invalid))
	return receipt, nil
}
