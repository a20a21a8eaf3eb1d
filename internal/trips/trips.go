// Package trips owns the trip state machine: creation on order acceptance,
// progress updates from GPS fixes, and the side effects of delivery,
// finalisation and cancellation.
package trips

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/freight-marketplace/internal/dispatch"
	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
	"github.com/example/freight-marketplace/internal/storage"
)

// StoppedRadiusKm is how far two consecutive fixes may be apart for the
// vehicle to count as stopped between them.
const StoppedRadiusKm = 0.05

type Manager struct {
	Store    storage.Store
	Notifier dispatch.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	// Sync refreshes the position index once a trip frees its operator.
	Sync *geo.Syncer
}

func NewManager(store storage.Store, notifier dispatch.Notifier, logger *slog.Logger) *Manager {
	return &Manager{Store: store, Notifier: notifier, Logger: logger, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Create opens the trip for an accepted order inside tx and marks the
// operator unavailable. The caller has already moved the order to accepted
// and assigned op to it.
func (m *Manager) Create(ctx context.Context, tx storage.Tx, order models.Order, op models.Operator, route models.Route) (models.Trip, error) {
	if order.Status != models.OrderAccepted {
		return models.Trip{}, fmt.Errorf("order %d is %s, not accepted: %w", order.ID, order.Status, models.ErrInvalidTransition)
	}
	if order.OperatorID == nil || *order.OperatorID != op.ID {
		return models.Trip{}, fmt.Errorf("order %d is not assigned to operator %d: %w", order.ID, op.ID, models.ErrValidation)
	}
	path, err := geo.EncodePath(route.Points)
	if err != nil {
		return models.Trip{}, fmt.Errorf("trips.Manager.Create: %w", err)
	}

	now := m.now()
	start := order.Origin.Coord
	if op.Position != nil {
		start = *op.Position
	}
	trip, err := tx.CreateTrip(ctx, models.Trip{
		OrderID:       order.ID,
		OperatorID:    op.ID,
		OriginID:      order.Origin.ID,
		DestinationID: order.Destination.ID,
		Position:      &start,
		TotalKm:       route.DistanceKm,
		EstimatedMin:  route.DurationMin,
		Status:        models.TripInProgress,
		StartedAt:     now,
		LastUpdateAt:  now,
		Path:          path,
	})
	if err != nil {
		return models.Trip{}, fmt.Errorf("trips.Manager.Create: %w", err)
	}

	op.Available = false
	if err := tx.UpdateOperator(ctx, op); err != nil {
		return models.Trip{}, fmt.Errorf("trips.Manager.Create: %w", err)
	}
	observability.TripTransitionsTotal.WithLabelValues(string(models.TripInProgress)).Inc()
	return trip, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (models.Trip, error) {
	var trip models.Trip
	err := m.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		trip, err = tx.GetTrip(ctx, id, false)
		return err
	})
	return trip, err
}

func (m *Manager) List(ctx context.Context, f storage.TripFilter) ([]models.Trip, error) {
	var out []models.Trip
	err := m.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListTrips(ctx, f)
		return err
	})
	return out, err
}

// UpdatePosition applies a GPS fix to a single trip.
func (m *Manager) UpdatePosition(ctx context.Context, tripID int64, pos models.Coord) (models.Trip, error) {
	if !geo.Valid(pos) {
		return models.Trip{}, fmt.Errorf("position %v out of range: %w", pos, models.ErrValidation)
	}
	var trip models.Trip
	err := m.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		trip, err = m.ApplyPosition(ctx, tx, tripID, pos)
		return err
	})
	return trip, err
}

// ApplyPosition locks the trip, moves it to pos and recomputes its progress
// figures. Only in_progress trips accept positions. A route that fails to
// decode leaves the travelled distance untouched for this fix.
func (m *Manager) ApplyPosition(ctx context.Context, tx storage.Tx, tripID int64, pos models.Coord) (models.Trip, error) {
	trip, err := tx.GetTrip(ctx, tripID, true)
	if err != nil {
		return models.Trip{}, err
	}
	if trip.Status != models.TripInProgress {
		return models.Trip{}, fmt.Errorf("trip %d is %s: %w", trip.ID, trip.Status, models.ErrInvalidTransition)
	}

	now := m.now()
	if trip.Position != nil && geo.Distance(*trip.Position, pos) <= StoppedRadiusKm {
		if d := now.Sub(trip.LastUpdateAt); d > 0 {
			trip.StoppedMin += int(d.Minutes())
		}
	}
	p := pos
	trip.Position = &p
	trip.LastUpdateAt = now
	trip.ElapsedMin = minutesBetween(trip.StartedAt, now)

	if len(trip.Path) > 0 {
		path, err := geo.DecodePath(trip.Path)
		if err != nil {
			m.logger().Warn("stored route unreadable, travelled distance unchanged",
				"trip_id", trip.ID, "error", err)
		} else {
			trip.TravelledKm = round2(geo.Travelled(path, pos))
		}
	}

	if err := tx.UpdateTrip(ctx, trip); err != nil {
		return models.Trip{}, fmt.Errorf("trips.Manager.ApplyPosition: %w", err)
	}
	return trip, nil
}

// Transition moves a trip to target and applies that edge's side effects.
// Asking a finalized trip to finalize again returns it unchanged.
func (m *Manager) Transition(ctx context.Context, tripID int64, target models.TripStatus) (models.Trip, error) {
	if _, ok := models.ParseTripStatus(string(target)); !ok {
		return models.Trip{}, fmt.Errorf("unknown trip state %q: %w", target, models.ErrInvalidTransition)
	}

	var (
		trip    models.Trip
		freed   *models.Operator
		pending []models.Notification
		applied bool
	)
	err := m.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending = pending[:0]
		freed = nil
		var err error
		trip, err = tx.GetTrip(ctx, tripID, true)
		if err != nil {
			return err
		}
		if trip.Status == target && target == models.TripFinalized {
			applied = false
			return nil
		}
		if !models.CanTransitionTrip(trip.Status, target) {
			return fmt.Errorf("trip %d cannot move from %s to %s: %w", trip.ID, trip.Status, target, models.ErrInvalidTransition)
		}

		now := m.now()
		trip.Status = target
		trip.LastUpdateAt = now
		switch target {
		case models.TripDelivered, models.TripFinalized, models.TripCancelled:
			end := now
			trip.EndedAt = &end
			trip.ElapsedMin = minutesBetween(trip.StartedAt, now)
		}

		var (
			n  models.Notification
			op models.Operator
		)
		switch target {
		case models.TripDelivered:
			n, err = m.onDelivered(ctx, tx, trip)
		case models.TripFinalized:
			op, n, err = m.onFinalized(ctx, tx, trip, now)
			freed = &op
		case models.TripCancelled:
			op, err = m.onCancelled(ctx, tx, trip)
			freed = &op
		}
		if err != nil {
			return err
		}
		if n.ID != 0 {
			pending = append(pending, n)
		}
		if err := tx.UpdateTrip(ctx, trip); err != nil {
			return fmt.Errorf("trips.Manager.Transition: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	if applied {
		observability.TripTransitionsTotal.WithLabelValues(string(target)).Inc()
		m.logger().Info("trip transitioned", "trip_id", trip.ID, "order_id", trip.OrderID, "status", trip.Status)
		dispatch.Publish(ctx, m.Notifier, m.logger(), pending)
		if freed != nil {
			m.Sync.Sync(ctx, *freed)
		}
	}
	return trip, nil
}

func (m *Manager) onDelivered(ctx context.Context, tx storage.Tx, trip models.Trip) (models.Notification, error) {
	order, err := tx.GetOrder(ctx, trip.OrderID, false)
	if err != nil {
		return models.Notification{}, fmt.Errorf("trips.Manager.onDelivered: %w", err)
	}
	return dispatch.EnqueueForProvider(ctx, tx, order.ProviderID,
		fmt.Sprintf("Package delivered - Trip #%d", trip.ID),
		models.NotificationPayload{Kind: models.KindTripDelivered, TripID: trip.ID, OrderID: order.ID})
}

// onFinalized completes the order, credits the operator and notifies the
// provider. Lock order is trip, operator, order.
func (m *Manager) onFinalized(ctx context.Context, tx storage.Tx, trip models.Trip, now time.Time) (models.Operator, models.Notification, error) {
	op, err := tx.GetOperator(ctx, trip.OperatorID, true)
	if err != nil {
		return models.Operator{}, models.Notification{}, fmt.Errorf("trips.Manager.onFinalized: %w", err)
	}
	order, err := tx.GetOrder(ctx, trip.OrderID, true)
	if err != nil {
		return models.Operator{}, models.Notification{}, fmt.Errorf("trips.Manager.onFinalized: %w", err)
	}
	if !models.CanTransitionOrder(order.Status, models.OrderCompleted) {
		return models.Operator{}, models.Notification{}, fmt.Errorf("order %d is %s: %w", order.ID, order.Status, models.ErrInvalidTransition)
	}
	order.Status = models.OrderCompleted
	done := now
	order.CompletedAt = &done
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return models.Operator{}, models.Notification{}, fmt.Errorf("trips.Manager.onFinalized: %w", err)
	}

	op.CompletedTrips++
	op.Available = true
	op.EmissionsKg += order.CO2EstimateKg
	op.CO2SavedKg += order.CO2SavedKg
	if err := tx.UpdateOperator(ctx, op); err != nil {
		return models.Operator{}, models.Notification{}, fmt.Errorf("trips.Manager.onFinalized: %w", err)
	}

	n, err := dispatch.EnqueueForProvider(ctx, tx, order.ProviderID,
		fmt.Sprintf("Trip #%d finalized", trip.ID),
		models.NotificationPayload{Kind: models.KindTripFinalized, TripID: trip.ID, OrderID: order.ID})
	return op, n, err
}

func (m *Manager) onCancelled(ctx context.Context, tx storage.Tx, trip models.Trip) (models.Operator, error) {
	op, err := tx.GetOperator(ctx, trip.OperatorID, true)
	if err != nil {
		return models.Operator{}, fmt.Errorf("trips.Manager.onCancelled: %w", err)
	}
	order, err := tx.GetOrder(ctx, trip.OrderID, true)
	if err != nil {
		return models.Operator{}, fmt.Errorf("trips.Manager.onCancelled: %w", err)
	}
	if models.CanTransitionOrder(order.Status, models.OrderCancelled) {
		order.Status = models.OrderCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return models.Operator{}, fmt.Errorf("trips.Manager.onCancelled: %w", err)
		}
	}
	op.Available = true
	if err := tx.UpdateOperator(ctx, op); err != nil {
		return models.Operator{}, fmt.Errorf("trips.Manager.onCancelled: %w", err)
	}
	return op, nil
}

func minutesBetween(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Minutes())
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
