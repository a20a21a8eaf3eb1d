// Package operators manages truck operators: availability, live position
// and the statistics shown on their dashboard.
package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
	"github.com/example/freight-marketplace/internal/storage"
	"github.com/example/freight-marketplace/internal/trips"
)

type Service struct {
	Store     storage.Store
	Trips     *trips.Manager
	Geo       geo.Geo
	Publisher geo.PositionPublisher // optional
	Logger    *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) List(ctx context.Context, f storage.OperatorFilter) ([]models.Operator, error) {
	var out []models.Operator
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListOperators(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if f == (storage.OperatorFilter{}) {
		n := 0
		for _, o := range out {
			if o.Available {
				n++
			}
		}
		observability.OperatorsAvailable.Set(float64(n))
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id int64) (models.Operator, error) {
	var out models.Operator
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.GetOperator(ctx, id, false)
		return err
	})
	return out, err
}

func (s *Service) SetAvailability(ctx context.Context, id int64, available bool) (models.Operator, error) {
	var out models.Operator
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		op, err := tx.GetOperator(ctx, id, true)
		if err != nil {
			return err
		}
		op.Available = available
		if err := tx.UpdateOperator(ctx, op); err != nil {
			return err
		}
		out = op
		return nil
	})
	if err != nil {
		return models.Operator{}, err
	}
	s.syncer().Sync(ctx, out)
	return out, nil
}

func (s *Service) Nearby(ctx context.Context, lat, lon float64, limit int) ([]geo.Candidate, error) {
	if !geo.Valid(models.Coord{Lat: lat, Lon: lon}) {
		return nil, fmt.Errorf("point (%f, %f) out of range: %w", lat, lon, models.ErrValidation)
	}
	if s.Geo == nil {
		return nil, nil
	}
	return s.Geo.Nearby(ctx, lat, lon, limit)
}

// ReportPosition records the operator's GPS fix and applies it to each of
// their in-progress trips in one transaction. Trip rows are locked before
// the operator row, matching the order used by trip transitions.
func (s *Service) ReportPosition(ctx context.Context, id int64, pos models.Coord) (models.Operator, []models.Trip, error) {
	if !geo.Valid(pos) {
		return models.Operator{}, nil, fmt.Errorf("position %v out of range: %w", pos, models.ErrValidation)
	}
	var (
		op      models.Operator
		updated []models.Trip
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		updated = updated[:0]
		if _, err := tx.GetOperator(ctx, id, false); err != nil {
			return err
		}
		active, err := tx.ListTrips(ctx, storage.TripFilter{OperatorID: id, Status: models.TripInProgress})
		if err != nil {
			return err
		}
		for _, t := range active {
			trip, err := s.Trips.ApplyPosition(ctx, tx, t.ID, pos)
			if errors.Is(err, models.ErrInvalidTransition) {
				// finished between listing and locking
				continue
			}
			if err != nil {
				return err
			}
			updated = append(updated, trip)
		}

		op, err = tx.GetOperator(ctx, id, true)
		if err != nil {
			return err
		}
		p := pos
		op.Position = &p
		return tx.UpdateOperator(ctx, op)
	})
	if err != nil {
		return models.Operator{}, nil, err
	}
	s.syncer().Sync(ctx, op)
	return op, updated, nil
}

func (s *Service) syncer() *geo.Syncer {
	return &geo.Syncer{Geo: s.Geo, Publisher: s.Publisher, Logger: s.logger()}
}

// Stats summarises an operator's activity.
type Stats struct {
	CompletedTrips    int     `json:"completed_trips"`
	InProgressTrips   int     `json:"in_progress_trips"`
	AcceptedOrders    int     `json:"accepted_orders"`
	Reputation        float64 `json:"reputation"`
	RatingCount       int     `json:"rating_count"`
	EmissionsKg       float64 `json:"emissions_kg"`
	CO2SavedKg        float64 `json:"co2_saved_kg"`
	CO2PerTripKg      float64 `json:"co2_per_trip_kg"`
	RevenueTotal      float64 `json:"revenue_total"`
	RevenuePerTrip    float64 `json:"revenue_per_trip"`
	DistanceTotalKm   float64 `json:"distance_total_km"`
	AcceptanceRatePct float64 `json:"acceptance_rate_pct"`
}

// Stats counts finalized trips as completed. The acceptance rate is the
// share of orders assigned to the operator that are currently accepted.
func (s *Service) Stats(ctx context.Context, id int64) (Stats, error) {
	var st Stats
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		op, err := tx.GetOperator(ctx, id, false)
		if err != nil {
			return err
		}
		tripList, err := tx.ListTrips(ctx, storage.TripFilter{OperatorID: id})
		if err != nil {
			return err
		}
		for _, t := range tripList {
			switch t.Status {
			case models.TripFinalized:
				st.CompletedTrips++
				st.DistanceTotalKm += t.TotalKm
			case models.TripInProgress:
				st.InProgressTrips++
			}
		}
		orderList, err := tx.ListOrders(ctx, storage.OrderFilter{OperatorID: id})
		if err != nil {
			return err
		}
		for _, o := range orderList {
			switch o.Status {
			case models.OrderAccepted:
				st.AcceptedOrders++
			case models.OrderCompleted:
				st.RevenueTotal += o.Price
			}
		}
		st.Reputation = op.Reputation
		st.RatingCount = op.RatingCount
		st.EmissionsKg = op.EmissionsKg
		st.CO2SavedKg = op.CO2SavedKg
		if st.CompletedTrips > 0 {
			st.CO2PerTripKg = op.EmissionsKg / float64(st.CompletedTrips)
			st.RevenuePerTrip = st.RevenueTotal / float64(st.CompletedTrips)
		}
		if len(orderList) > 0 {
			st.AcceptanceRatePct = math.Round(float64(st.AcceptedOrders)/float64(len(orderList))*1000) / 10
		}
		return nil
	})
	return st, err
}
