package dispatch

import (
	"context"
	"fmt"

	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/storage"
)

// InboxLimit caps how many notifications a listing returns.
const InboxLimit = 50

// Inbox serves the notifications clients poll for.
type Inbox struct {
	Store storage.Store
}

// List returns the user's most recent notifications, newest first.
func (i *Inbox) List(ctx context.Context, userID int64) ([]models.Notification, error) {
	var out []models.Notification
	err := i.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListNotifications(ctx, userID, InboxLimit)
		return err
	})
	return out, err
}

func (i *Inbox) MarkRead(ctx context.Context, id int64) error {
	return i.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.MarkNotificationRead(ctx, id)
	})
}

// EnqueueForProvider persists a notification addressed to the user behind
// providerID. It must run inside the transaction that caused the event.
func EnqueueForProvider(ctx context.Context, tx storage.Tx, providerID int64, event string, payload models.NotificationPayload) (models.Notification, error) {
	p, err := tx.GetProvider(ctx, providerID)
	if err != nil {
		return models.Notification{}, fmt.Errorf("dispatch.EnqueueForProvider: %w", err)
	}
	n, err := tx.CreateNotification(ctx, models.Notification{UserID: p.UserID, Event: event, Payload: payload})
	if err != nil {
		return models.Notification{}, fmt.Errorf("dispatch.EnqueueForProvider: %w", err)
	}
	return n, nil
}
