package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InboxRecord is a persisted in-app notification.
type InboxRecord struct {
	ID          string
	RecipientID string
	Title       string
	Body        string
	BookingID   string
	Read        bool
	CreatedAt   time.Time
}

// Inbox stores in-app notifications. The SQL stores implement it.
type Inbox interface {
	SaveNotification(ctx context.Context, r InboxRecord) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]InboxRecord, error)
}

// InboxGateway writes every notification to the recipient's inbox.
type InboxGateway struct {
	Inbox Inbox
}

func (g InboxGateway) Notify(ctx context.Context, n Notification) error {
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	rec := InboxRecord{
		ID:          uuid.NewString(),
		RecipientID: n.RecipientID,
		Title:       n.Title,
		Body:        n.Body,
		BookingID:   n.BookingID,
		CreatedAt:   created,
	}
	if err := g.Inbox.SaveNotification(ctx, rec); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}
