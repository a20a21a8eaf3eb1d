// Package dispatch delivers persisted notifications to the outside world
// once the transaction that created them has committed.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
)

// Notifier hands a notification to a delivery channel.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Publish sends every notification and never fails the caller: the rows are
// already committed and clients can always poll them.
func Publish(ctx context.Context, notifier Notifier, logger *slog.Logger, ns []models.Notification) {
	if notifier == nil {
		return
	}
	for _, n := range ns {
		if err := notifier.Notify(ctx, n); err != nil {
			observability.NotificationsTotal.WithLabelValues("failed").Inc()
			if logger != nil {
				logger.Warn("notification publish failed", "notification_id", n.ID, "user_id", n.UserID, "error", err)
			}
			continue
		}
		observability.NotificationsTotal.WithLabelValues("published").Inc()
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(_ context.Context, n models.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "notification_id", n.ID, "user_id", n.UserID, "event", n.Event, "kind", n.Payload.Kind)
	return nil
}

// HTTPNotifier posts notifications as JSON to a webhook endpoint.
type HTTPNotifier struct {
	Endpoint string
	Client   *http.Client
}

func (d *HTTPNotifier) Notify(ctx context.Context, n models.Notification) error {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 2 * time.Second}
	}
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("dispatch.HTTPNotifier: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("dispatch.HTTPNotifier: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch.HTTPNotifier: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch.HTTPNotifier: status %d", resp.StatusCode)
	}
	return nil
}

// NotificationPublisher is implemented by ingest.KafkaProducer.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n models.Notification) error
}

// KafkaNotifier forwards notifications onto the notifications topic.
type KafkaNotifier struct {
	Publisher NotificationPublisher
}

func (k *KafkaNotifier) Notify(ctx context.Context, n models.Notification) error {
	return k.Publisher.PublishNotification(ctx, n)
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
