// Package orders publishes shipment requests and guards their acceptance.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/freight-marketplace/internal/catalog"
	"github.com/example/freight-marketplace/internal/dispatch"
	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/matcher"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
	"github.com/example/freight-marketplace/internal/storage"
	"github.com/example/freight-marketplace/internal/trips"
	"github.com/example/freight-marketplace/internal/validation"
)

// DefaultMaxAccepted is how many orders one operator may hold in the
// accepted state at the same time.
const DefaultMaxAccepted = 2

// RouteFetcher never fails; see routing.Provider.
type RouteFetcher interface {
	FetchRoute(ctx context.Context, origin, destination models.Coord) models.Route
}

type Service struct {
	Store       storage.Store
	Routes      RouteFetcher
	Trips       *trips.Manager
	Matcher     *matcher.Service
	Notifier    dispatch.Notifier
	Sync        *geo.Syncer // optional
	MaxAccepted int
	Logger      *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) limit() int {
	if s.MaxAccepted <= 0 {
		return DefaultMaxAccepted
	}
	return s.MaxAccepted
}

// PlaceInput names a point; Name may be empty.
type PlaceInput struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type CreateInput struct {
	ProviderID    int64      `json:"provider_id" validate:"gt=0"`
	CargoType     string     `json:"cargo_type" validate:"max=64"`
	WeightKg      float64    `json:"weight_kg" validate:"gt=0"`
	VolumeM3      float64    `json:"volume_m3" validate:"gte=0"`
	Origin        PlaceInput `json:"origin"`
	Destination   PlaceInput `json:"destination"`
	WindowFrom    *time.Time `json:"window_from,omitempty"`
	WindowTo      *time.Time `json:"window_to,omitempty"`
	NeedsReefer   bool       `json:"needs_reefer"`
	NeedsADR      bool       `json:"needs_adr"`
	Price         float64    `json:"price" validate:"gte=0"`
	DistanceKm    float64    `json:"distance_km" validate:"gte=0"`
	CO2EstimateKg float64    `json:"co2_estimate_kg" validate:"gte=0"`
	CO2SavedKg    float64    `json:"co2_saved_kg" validate:"gte=0"`
}

// validate runs the field tags, then the checks that span fields.
func (in CreateInput) validate() error {
	if err := validation.Struct(in); err != nil {
		return err
	}
	switch {
	case !geo.Valid(models.Coord{Lat: in.Origin.Lat, Lon: in.Origin.Lon}):
		return fmt.Errorf("origin out of range: %w", models.ErrValidation)
	case !geo.Valid(models.Coord{Lat: in.Destination.Lat, Lon: in.Destination.Lon}):
		return fmt.Errorf("destination out of range: %w", models.ErrValidation)
	case in.WindowFrom != nil && in.WindowTo != nil && in.WindowTo.Before(*in.WindowFrom):
		return fmt.Errorf("window_to is before window_from: %w", models.ErrValidation)
	}
	return nil
}

func placeName(p PlaceInput) string {
	if name := strings.TrimSpace(p.Name); name != "" {
		return name
	}
	return fmt.Sprintf("Location (%.4f, %.4f)", p.Lat, p.Lon)
}

// Create publishes a new order. Origin and destination reuse any place
// already stored at exactly the same coordinates.
func (s *Service) Create(ctx context.Context, in CreateInput) (models.Order, error) {
	if err := in.validate(); err != nil {
		return models.Order{}, err
	}
	cargo := strings.TrimSpace(in.CargoType)
	if cargo == "" {
		cargo = "general"
	}
	// a catalog cargo class implies its truck requirements
	if c, ok := catalog.LookupCargo(cargo); ok {
		in.NeedsReefer = in.NeedsReefer || c.NeedsReefer
		in.NeedsADR = in.NeedsADR || c.NeedsADR
	}
	var out models.Order
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetProvider(ctx, in.ProviderID); err != nil {
			return err
		}
		origin, err := tx.GetOrCreatePlace(ctx, placeName(in.Origin), models.Coord{Lat: in.Origin.Lat, Lon: in.Origin.Lon})
		if err != nil {
			return err
		}
		dest, err := tx.GetOrCreatePlace(ctx, placeName(in.Destination), models.Coord{Lat: in.Destination.Lat, Lon: in.Destination.Lon})
		if err != nil {
			return err
		}
		out, err = tx.CreateOrder(ctx, models.Order{
			ProviderID:    in.ProviderID,
			CargoType:     cargo,
			WeightKg:      in.WeightKg,
			VolumeM3:      in.VolumeM3,
			Origin:        origin,
			Destination:   dest,
			WindowFrom:    in.WindowFrom,
			WindowTo:      in.WindowTo,
			NeedsReefer:   in.NeedsReefer,
			NeedsADR:      in.NeedsADR,
			Status:        models.OrderPublished,
			Price:         in.Price,
			DistanceKm:    in.DistanceKm,
			CO2EstimateKg: in.CO2EstimateKg,
			CO2SavedKg:    in.CO2SavedKg,
		})
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	s.logger().Info("order published", "order_id", out.ID, "provider_id", out.ProviderID)
	return out, nil
}

func (s *Service) Get(ctx context.Context, id int64) (models.Order, error) {
	var out models.Order
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.GetOrder(ctx, id, false)
		return err
	})
	return out, err
}

func (s *Service) List(ctx context.Context, f storage.OrderFilter) ([]models.Order, error) {
	var out []models.Order
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListOrders(ctx, f)
		return err
	})
	return out, err
}

// Accept assigns the order to the operator and opens its trip. It fails with
// a *models.CapacityError, leaving everything untouched, when the operator
// already holds the maximum number of accepted orders.
//
// The route is fetched before the transaction so no locks are held during
// the upstream call. Order state and capacity are checked again under the
// operator row lock.
func (s *Service) Accept(ctx context.Context, orderID, operatorID int64) (models.Trip, error) {
	var order models.Order
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID, false)
		if err != nil {
			return err
		}
		if _, err := tx.GetOperator(ctx, operatorID, false); err != nil {
			return err
		}
		return s.checkAcceptable(ctx, tx, order, operatorID)
	})
	if err != nil {
		return models.Trip{}, err
	}

	route := s.Routes.FetchRoute(ctx, order.Origin.Coord, order.Destination.Coord)

	var (
		trip     models.Trip
		assigned models.Operator
		pending  []models.Notification
	)
	err = s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending = pending[:0]
		op, err := tx.GetOperator(ctx, operatorID, true)
		if err != nil {
			return err
		}
		order, err := tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if err := s.checkAcceptable(ctx, tx, order, operatorID); err != nil {
			return err
		}

		order.OperatorID = &op.ID
		order.Status = models.OrderAccepted
		if order.DistanceKm == 0 && !route.Fallback {
			order.DistanceKm = route.DistanceKm
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return fmt.Errorf("orders.Service.Accept: %w", err)
		}

		trip, err = s.Trips.Create(ctx, tx, order, op, route)
		if err != nil {
			return err
		}
		assigned = op
		assigned.Available = false

		n, err := dispatch.EnqueueForProvider(ctx, tx, order.ProviderID,
			fmt.Sprintf("Order #%d accepted", order.ID),
			models.NotificationPayload{Kind: models.KindOrderAccepted, OrderID: order.ID, OperatorID: op.ID, TripID: trip.ID})
		if err != nil {
			return err
		}
		pending = append(pending, n)
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}

	observability.OrdersAcceptedTotal.Inc()
	s.logger().Info("order accepted", "order_id", orderID, "operator_id", operatorID, "trip_id", trip.ID, "route_fallback", route.Fallback)
	dispatch.Publish(ctx, s.Notifier, s.logger(), pending)
	s.Sync.Sync(ctx, assigned)
	return trip, nil
}

func (s *Service) checkAcceptable(ctx context.Context, tx storage.Tx, order models.Order, operatorID int64) error {
	if order.Status != models.OrderPublished {
		return fmt.Errorf("order %d is %s: %w", order.ID, order.Status, models.ErrInvalidTransition)
	}
	n, err := tx.CountOrders(ctx, operatorID, models.OrderAccepted)
	if err != nil {
		return err
	}
	if n >= s.limit() {
		observability.CapacityRejectsTotal.Inc()
		return &models.CapacityError{OperatorID: operatorID, Limit: s.limit()}
	}
	return nil
}

// Reject and Cancel close a published order without a trip.
func (s *Service) Reject(ctx context.Context, orderID int64) (models.Order, error) {
	return s.close(ctx, orderID, models.OrderRejected)
}

func (s *Service) Cancel(ctx context.Context, orderID int64) (models.Order, error) {
	return s.close(ctx, orderID, models.OrderCancelled)
}

func (s *Service) close(ctx context.Context, orderID int64, to models.OrderStatus) (models.Order, error) {
	var out models.Order
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		order, err := tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if order.Status != models.OrderPublished || !models.CanTransitionOrder(order.Status, to) {
			return fmt.Errorf("order %d is %s, cannot become %s: %w", order.ID, order.Status, to, models.ErrInvalidTransition)
		}
		order.Status = to
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		out = order
		return nil
	})
	return out, err
}

// StatusUpdate is the body of an order status change request.
type StatusUpdate struct {
	Status     models.OrderStatus `json:"status"`
	OperatorID int64              `json:"operator_id,omitempty"`
}

// UpdateStatus routes a requested status to Accept, Reject or Cancel. Trip is
// set only for acceptances.
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, upd StatusUpdate) (models.Order, *models.Trip, error) {
	switch upd.Status {
	case models.OrderAccepted:
		if upd.OperatorID <= 0 {
			return models.Order{}, nil, fmt.Errorf("operator_id is required to accept: %w", models.ErrValidation)
		}
		trip, err := s.Accept(ctx, orderID, upd.OperatorID)
		if err != nil {
			return models.Order{}, nil, err
		}
		order, err := s.Get(ctx, orderID)
		if err != nil {
			return models.Order{}, nil, err
		}
		return order, &trip, nil
	case models.OrderRejected:
		order, err := s.Reject(ctx, orderID)
		return order, nil, err
	case models.OrderCancelled:
		order, err := s.Cancel(ctx, orderID)
		return order, nil, err
	default:
		return models.Order{}, nil, fmt.Errorf("status %q cannot be requested directly: %w", upd.Status, models.ErrInvalidTransition)
	}
}

// Candidates ranks available operators near the order's origin whose truck
// can carry it.
func (s *Service) Candidates(ctx context.Context, orderID int64) ([]matcher.Offer, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if s.Matcher == nil {
		return nil, nil
	}

	eligible := map[int64]bool{}
	err = s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		yes := true
		ops, err := tx.ListOperators(ctx, storage.OperatorFilter{Available: &yes})
		if err != nil {
			return err
		}
		for _, op := range ops {
			eligible[op.ID] = canCarry(op, order)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Matcher.Rank(ctx, order.Origin.Coord, func(id int64) bool { return eligible[id] })
}

func canCarry(op models.Operator, order models.Order) bool {
	t := op.Truck
	if t == nil {
		return !order.NeedsReefer && !order.NeedsADR
	}
	if order.NeedsReefer && !t.Reefer {
		return false
	}
	if order.NeedsADR && !t.ADR {
		return false
	}
	if t.CapacityKg > 0 && order.WeightKg > t.CapacityKg {
		return false
	}
	if t.VolumeM3 > 0 && order.VolumeM3 > t.VolumeM3 {
		return false
	}
	return true
}
