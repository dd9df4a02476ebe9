/*
Package notify delivers user-facing messages about booking changes.

PURPOSE:
  Delivery is best effort. Nothing in this package can fail or roll back a
  booking transition: the state machine hands a Notification to a
  Dispatcher after its transaction committed and moves on.

GATEWAYS:
  Gateway is the delivery boundary: notify(recipient, title, body, booking).
  - InboxGateway:    stores the message in the in-app notifications table
  - TelegramGateway: sends a Telegram message to a mapped chat
  - LogGateway:      writes the message to the log (dev)
  - Multi:           fans out to several gateways, joining their errors

SEE ALSO:
  - dispatcher.go: asynchronous, bounded delivery queue
*/
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Notification struct {
	RecipientID string
	Title       string
	Body        string
	BookingID   string
	CreatedAt   time.Time
}

// Gateway delivers a single notification.
type Gateway interface {
	Notify(ctx context.Context, n Notification) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, n Notification) error

func (f GatewayFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi delivers to every gateway even when some fail.
type Multi []Gateway

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, g := range m {
		if err := g.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogGateway struct {
	Log *slog.Logger
}

func (g LogGateway) Notify(ctx context.Context, n Notification) error {
	g.Log.InfoContext(ctx, "notification",
		"recipient_id", n.RecipientID,
		"booking_id", n.BookingID,
		"title", n.Title,
	)
	return nil
}
