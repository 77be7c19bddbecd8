// Package apns delivers notices raised by background handlers through the
// Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// APNSClient is the subset of *apns2.Client in use.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw content of the .p8 file.
	P8KeyContent string
	Development  bool
}

type Notifier struct {
	client APNSClient
	topic  string
	logger *slog.Logger
}

// NewNotifier parses the P8 key up front so bad credentials fail at startup.
func NewNotifier(cfg Config, logger *slog.Logger) (*Notifier, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Development {
		client = client.Development()
	} else {
		client = client.Production()
	}
	return newNotifier(client, cfg.BundleID, logger), nil
}

func newNotifier(client APNSClient, topic string, logger *slog.Logger) *Notifier {
	return &Notifier{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSNotifier"),
	}
}

// Notify sends notice to each APNs target in turn; the HTTP/2 API has no
// multicast endpoint. Transport errors are counted as failures, not returned.
func (n *Notifier) Notify(ctx context.Context, targets []delivery.Target, notice delivery.Notice) (delivery.Receipt, error) {
	var receipt delivery.Receipt

	builder := payload.NewPayload().
		AlertTitle(notice.Title).
		AlertBody(notice.Body)
	if notice.Sound != "" {
		builder.Sound(notice.Sound)
	}
	if notice.Tag != "" {
		builder.ThreadID(notice.Tag)
	}
	for k, v := range notice.Data {
		builder.Custom(k, v)
	}

	for _, target := range targets {
		if target.Platform != delivery.PlatformAPNS || target.Token == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return receipt, err
		}

		res, err := n.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: target.Token,
			Topic:       n.topic,
			Payload:     builder,
		})
		if err != nil {
			n.logger.Error("APNs transport failed", "token", target.Token, "err", err)
			receipt.Failed++
			continue
		}

		if res.Sent() {
			receipt.Sent++
			continue
		}
		receipt.Failed++
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			receipt.Invalid = append(receipt.Invalid, target)
		default:
			n.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
	}
	return receipt, nil
}
