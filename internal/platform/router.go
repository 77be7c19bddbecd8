// Package platform fans notices raised by background handlers out to the
// per-platform push notifiers.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-background-messaging/pkg/delivery"
)

// Router implements delivery.Notifier by grouping targets per platform and
// handing each group to the notifier registered for it.
type Router struct {
	notifiers map[delivery.Platform]delivery.Notifier
	logger    *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		notifiers: make(map[delivery.Platform]delivery.Notifier),
		logger:    logger.With("component", "NotifierRouter"),
	}
}

// Register sets the notifier for p. It is not safe to call once Notify is in use.
func (r *Router) Register(p delivery.Platform, n delivery.Notifier) {
	r.notifiers[p] = n
}

// Notify merges the per-platform receipts. Targets for an unregistered
// platform are counted as failed. Notifier errors are joined.
func (r *Router) Notify(ctx context.Context, targets []delivery.Target, notice delivery.Notice) (delivery.Receipt, error) {
	var order []delivery.Platform
	groups := make(map[delivery.Platform][]delivery.Target)
	for _, t := range targets {
		if _, seen := groups[t.Platform]; !seen {
			order = append(order, t.Platform)
		}
		groups[t.Platform] = append(groups[t.Platform], t)
	}

	var total delivery.Receipt
	var errs []error
	for _, p := range order {
		group := groups[p]
		n, ok := r.notifiers[p]
		if !ok {
			r.logger.Warn("No notifier configured for platform", "platform", p, "targets", len(group))
			total.Failed += len(group)
			continue
		}
		receipt, err := n.Notify(ctx, group, notice)
		total.Sent += receipt.Sent
		total.Failed += receipt.Failed
		total.Invalid = append(total.Invalid, receipt.Invalid...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	if len(total.Invalid) > 0 {
		r.logger.Info("Push targets reported invalid", "count", len(total.Invalid))
	}
	return total, errors.Join(errs...)
}
