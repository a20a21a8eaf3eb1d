package geo

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/freight-marketplace/internal/models"
)

// PositionPublisher is implemented by ingest.KafkaProducer.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, ev models.PositionEvent) error
}

// Syncer mirrors an operator's last position, availability and reputation
// into the index, and onto the positions topic when Publisher is set.
// Failures are logged only. A nil Syncer does nothing.
type Syncer struct {
	Geo       Geo
	Publisher PositionPublisher
	Logger    *slog.Logger
}

// Sync skips operators that never reported a position.
func (s *Syncer) Sync(ctx context.Context, op models.Operator) {
	if s == nil || op.Position == nil {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ev := models.PositionEvent{OperatorID: op.ID, Loc: *op.Position, Available: op.Available, Reputation: op.Reputation, At: time.Now().UTC()}
	if s.Geo != nil {
		if err := s.Geo.Upsert(ctx, ev); err != nil {
			logger.Warn("geo index update failed", "operator_id", op.ID, "error", err)
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishPosition(ctx, ev); err != nil {
			logger.Warn("position publish failed", "operator_id", op.ID, "error", err)
		}
	}
}
