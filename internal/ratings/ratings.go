// Package ratings records provider feedback on completed orders and folds it
// into the operator's running reputation.
package ratings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
	"github.com/example/freight-marketplace/internal/storage"
	"github.com/example/freight-marketplace/internal/validation"
)

type Service struct {
	Store  storage.Store
	Sync   *geo.Syncer // optional
	Logger *slog.Logger
}

type Input struct {
	OrderID       int64  `json:"order_id" validate:"gt=0"`
	OperatorID    int64  `json:"operator_id" validate:"gte=0"`
	Score         int    `json:"score" validate:"min=1,max=5"`
	Punctuality   *int   `json:"punctuality,omitempty" validate:"omitempty,min=1,max=5"`
	CargoCare     *int   `json:"cargo_care,omitempty" validate:"omitempty,min=1,max=5"`
	Communication *int   `json:"communication,omitempty" validate:"omitempty,min=1,max=5"`
	Comment       string `json:"comment,omitempty" validate:"max=2000"`
}

// Result carries the stored rating and the operator's updated reputation.
type Result struct {
	Rating      models.Rating `json:"rating"`
	Reputation  float64       `json:"reputation"`
	RatingCount int           `json:"rating_count"`
}

// Aggregate folds score into a running average over count previous ratings.
func Aggregate(average float64, count, score int) float64 {
	return (average*float64(count) + float64(score)) / float64(count+1)
}

// Record stores one rating for a completed order and updates the operator's
// reputation in the same transaction. A second rating for the same order is
// a conflict.
func (s *Service) Record(ctx context.Context, in Input) (Result, error) {
	if err := validation.Struct(in); err != nil {
		return Result{}, err
	}
	var (
		out   Result
		rated models.Operator
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// Peek at the order for its operator so locks are taken operator first.
		peek, err := tx.GetOrder(ctx, in.OrderID, false)
		if err != nil {
			return err
		}
		if peek.OperatorID == nil {
			return fmt.Errorf("order %d has no operator: %w", peek.ID, models.ErrInvalidTransition)
		}
		if in.OperatorID != 0 && in.OperatorID != *peek.OperatorID {
			return fmt.Errorf("order %d was not hauled by operator %d: %w", peek.ID, in.OperatorID, models.ErrValidation)
		}
		op, err := tx.GetOperator(ctx, *peek.OperatorID, true)
		if err != nil {
			return err
		}
		order, err := tx.GetOrder(ctx, in.OrderID, true)
		if err != nil {
			return err
		}
		if order.Status != models.OrderCompleted {
			return fmt.Errorf("order %d is %s, only completed orders can be rated: %w", order.ID, order.Status, models.ErrInvalidTransition)
		}
		if _, err := tx.GetRatingByOrder(ctx, order.ID); err == nil {
			return fmt.Errorf("order %d already rated: %w", order.ID, models.ErrConflict)
		}

		r, err := tx.CreateRating(ctx, models.Rating{
			OrderID:       order.ID,
			OperatorID:    op.ID,
			ProviderID:    order.ProviderID,
			Score:         in.Score,
			Punctuality:   in.Punctuality,
			CargoCare:     in.CargoCare,
			Communication: in.Communication,
			Comment:       in.Comment,
		})
		if err != nil {
			return err
		}
		op.Reputation = Aggregate(op.Reputation, op.RatingCount, in.Score)
		op.RatingCount++
		if err := tx.UpdateOperator(ctx, op); err != nil {
			return fmt.Errorf("ratings.Service.Record: %w", err)
		}
		out = Result{Rating: r, Reputation: op.Reputation, RatingCount: op.RatingCount}
		rated = op
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	observability.RatingsTotal.Inc()
	s.Sync.Sync(ctx, rated)
	if s.Logger != nil {
		s.Logger.Info("rating recorded", "order_id", in.OrderID, "operator_id", out.Rating.OperatorID, "reputation", out.Reputation)
	}
	return out, nil
}

// ListByOperator returns the operator's ratings, newest first.
func (s *Service) ListByOperator(ctx context.Context, operatorID int64) ([]models.Rating, error) {
	var out []models.Rating
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetOperator(ctx, operatorID, false); err != nil {
			return err
		}
		var err error
		out, err = tx.ListRatings(ctx, operatorID)
		return err
	})
	return out, err
}
