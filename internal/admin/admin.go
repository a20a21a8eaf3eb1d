// Package admin exposes marketplace-wide statistics and user management for
// administrator accounts.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/storage"
	"github.com/example/freight-marketplace/internal/validation"
)

// activityPerKind bounds how many orders and how many users feed the recent
// activity feed.
const activityPerKind = 10

type Service struct {
	Store  storage.Store
	Logger *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// SystemStats summarises the whole marketplace.
type SystemStats struct {
	TotalUsers       int     `json:"total_users"`
	TotalProviders   int     `json:"total_providers"`
	TotalOperators   int     `json:"total_operators"`
	TotalOrders      int     `json:"total_orders"`
	CompletedOrders  int     `json:"completed_orders"`
	InProgressOrders int     `json:"in_progress_orders"`
	CompletedTrips   int     `json:"completed_trips"`
	CO2EmittedKg     float64 `json:"co2_emitted_kg"`
	CO2SavedKg       float64 `json:"co2_saved_kg"`
	Revenue          float64 `json:"revenue"`
	AvgReputation    float64 `json:"avg_reputation"`
}

// Stats aggregates users, orders and operators. Emissions and savings are
// taken from operator totals, which already include every delivered order.
func (s *Service) Stats(ctx context.Context) (SystemStats, error) {
	var st SystemStats
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		users, err := tx.ListUsers(ctx, storage.UserFilter{})
		if err != nil {
			return err
		}
		st.TotalUsers = len(users)
		for _, u := range users {
			switch u.Role {
			case models.RoleProvider:
				st.TotalProviders++
			case models.RoleOperator:
				st.TotalOperators++
			}
		}

		orders, err := tx.ListOrders(ctx, storage.OrderFilter{})
		if err != nil {
			return err
		}
		st.TotalOrders = len(orders)
		for _, o := range orders {
			switch o.Status {
			case models.OrderCompleted:
				st.CompletedOrders++
				st.Revenue += o.Price
			case models.OrderAccepted:
				st.InProgressOrders++
			}
		}

		ops, err := tx.ListOperators(ctx, storage.OperatorFilter{})
		if err != nil {
			return err
		}
		var repSum float64
		for _, op := range ops {
			st.CompletedTrips += op.CompletedTrips
			st.CO2EmittedKg += op.EmissionsKg
			st.CO2SavedKg += op.CO2SavedKg
			repSum += op.Reputation
		}
		if len(ops) > 0 {
			st.AvgReputation = repSum / float64(len(ops))
		}
		return nil
	})
	if err != nil {
		return SystemStats{}, fmt.Errorf("admin.Service.Stats: %w", err)
	}
	return st, nil
}

func (s *Service) ListUsers(ctx context.Context, f storage.UserFilter) ([]models.User, error) {
	var out []models.User
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListUsers(ctx, f)
		return err
	})
	return out, err
}

// UserUpdate changes the email and/or status of an account. Nil fields are
// left as they are.
type UserUpdate struct {
	Email  *string `json:"email,omitempty" validate:"omitempty,email"`
	Status *string `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
}

// UpdateUser applies upd. Taking an email another account already uses is a
// conflict.
func (s *Service) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (models.User, error) {
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		upd.Email = &email
	}
	if err := validation.Struct(upd); err != nil {
		return models.User{}, err
	}
	var out models.User
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		if upd.Email != nil {
			u.Email = *upd.Email
		}
		if upd.Status != nil {
			u.Status = *upd.Status
		}
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	s.logger().Info("user updated", "user_id", out.ID, "status", out.Status)
	return out, nil
}

// DeactivateUser soft-deletes an account: the row stays and its status
// becomes inactive, so Login refuses it from then on.
func (s *Service) DeactivateUser(ctx context.Context, id int64) (models.User, error) {
	status := models.UserInactive
	return s.UpdateUser(ctx, id, UserUpdate{Status: &status})
}

// Activity is one line of the admin activity feed.
type Activity struct {
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	User        string    `json:"user"`
	At          time.Time `json:"at"`
}

const (
	ActivityOrder = "order"
	ActivityUser  = "user"
)

// RecentActivity merges the latest orders and registrations, newest first.
func (s *Service) RecentActivity(ctx context.Context) ([]Activity, error) {
	var out []Activity
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		orders, err := tx.ListOrders(ctx, storage.OrderFilter{})
		if err != nil {
			return err
		}
		for _, o := range orders[:min(len(orders), activityPerKind)] {
			by := fmt.Sprintf("provider %d", o.ProviderID)
			if p, err := tx.GetProvider(ctx, o.ProviderID); err == nil && p.CompanyName != "" {
				by = p.CompanyName
			}
			out = append(out, Activity{
				Kind:        ActivityOrder,
				Description: fmt.Sprintf("New order #%d", o.ID),
				User:        by,
				At:          o.CreatedAt,
			})
		}

		users, err := tx.ListUsers(ctx, storage.UserFilter{})
		if err != nil {
			return err
		}
		for _, u := range users[:min(len(users), activityPerKind)] {
			out = append(out, Activity{
				Kind:        ActivityUser,
				Description: "New user registered: " + u.Email,
				User:        u.Email,
				At:          u.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("admin.Service.RecentActivity: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}
