// Package web delivers notices raised by background handlers to browser push
// subscriptions using VAPID.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// DefaultTTL is the push service retention in seconds.
const DefaultTTL = 60

type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	TTL             int
}

type Notifier struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
}

func NewNotifier(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Notifier{
		cfg:        cfg,
		logger:     logger.With("component", "WebPushNotifier"),
		httpClient: &http.Client{},
	}
}

type webPayload struct {
	Notification webNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type webNotification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Notify sends notice to every web push target. Endpoints answering 404 or
// 410 are reported in Receipt.Invalid.
func (n *Notifier) Notify(ctx context.Context, targets []delivery.Target, notice delivery.Notice) (delivery.Receipt, error) {
	var receipt delivery.Receipt

	payloadBytes, err := json.Marshal(webPayload{
		Notification: webNotification{
			Title: notice.Title,
			Body:  notice.Body,
			Icon:  notice.Icon,
			Tag:   notice.Tag,
		},
		Data: notice.Data,
	})
	if err != nil {
		return receipt, fmt.Errorf("failed to marshal payload: %w", err)
	}

	for _, target := range targets {
		if target.Platform != delivery.PlatformWeb || target.Endpoint == "" {
			continue
		}
		status, err := n.send(ctx, payloadBytes, target)
		if err != nil {
			n.logger.Error("WebPush transport error", "endpoint", target.Endpoint, "err", err)
			receipt.Failed++
			continue
		}

		switch status {
		case http.StatusCreated, http.StatusOK:
			receipt.Sent++
		case http.StatusGone, http.StatusNotFound:
			receipt.Invalid = append(receipt.Invalid, target)
			receipt.Failed++
		default:
			n.logger.Warn("WebPush rejected", "status", status, "endpoint", target.Endpoint)
			receipt.Failed++
		}
	}
	return receipt, nil
}

func (n *Notifier) send(ctx context.Context, payloadBytes []byte, target delivery.Target) (int, error) {
	sub := &webpush.Subscription{
		Endpoint: target.Endpoint,
		Keys: webpush.Keys{
			P256dh: target.P256dh,
			Auth:   target.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, sub, &webpush.Options{
		Subscriber:      n.cfg.SubscriberEmail,
		VAPIDPublicKey:  n.cfg.PublicKey,
		VAPIDPrivateKey: n.cfg.PrivateKey,
		TTL:             n.cfg.TTL,
		HTTPClient:      n.httpClient,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
