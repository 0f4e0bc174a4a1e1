package services

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// outboundMessage is either a customer notification or a webhook event.
type outboundMessage struct {
	notify  domain.NotifyEvent
	webhook domain.WebhookEvent
	payload map[string]any
}

func notification(event domain.NotifyEvent, payload map[string]any) outboundMessage {
	return outboundMessage{notify: event, payload: payload}
}

func webhook(event domain.WebhookEvent, payload map[string]any) outboundMessage {
	return outboundMessage{webhook: event, payload: payload}
}

// dispatcher delivers outbound messages once the surrounding transaction commits.
type dispatcher struct {
	notifier Notifier
	webhooks WebhookDispatcher
	timeout  time.Duration
	logger   func(context.Context, string, map[string]any)
}

// afterCommit registers the messages for delivery. Outside a transaction they are delivered
// immediately.
func (d dispatcher) afterCommit(ctx context.Context, messages ...outboundMessage) {
	if len(messages) == 0 {
		return
	}
	repositories.AfterCommit(ctx, func(ctx context.Context) {
		d.deliver(ctx, messages)
	})
}

// deliver fans the messages out concurrently under the external call deadline. Failures are
// logged and never returned.
func (d dispatcher) deliver(ctx context.Context, messages []outboundMessage) {
	var g errgroup.Group
	for _, msg := range messages {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			var (
				name string
				err  error
			)
			switch {
			case msg.notify != "" && d.notifier != nil:
				name = string(msg.notify)
				err = d.notifier.Notify(callCtx, msg.notify, msg.payload)
			case msg.webhook != "" && d.webhooks != nil:
				name = string(msg.webhook)
				err = d.webhooks.Dispatch(callCtx, msg.webhook, msg.payload)
			default:
				return nil
			}
			if err != nil && d.logger != nil {
				d.logger(ctx, "outbound.delivery_failed", map[string]any{
					"event": name,
					"error": err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()
}

func checkoutPayload(checkout Checkout) map[string]any {
	return map[string]any{
		"token":      checkout.Token,
		"channel":    checkout.ChannelSlug,
		"email":      checkout.Email,
		"lines":      len(checkout.Lines),
		"lastChange": checkout.LastChange,
	}
}

func orderPayload(order Order) map[string]any {
	return map[string]any{
		"orderId":  order.ID,
		"number":   order.Number,
		"status":   string(order.Status),
		"channel":  order.ChannelSlug,
		"email":    order.UserEmail,
		"total":    order.Total.Gross,
		"captured": order.TotalCaptured,
	}
}
