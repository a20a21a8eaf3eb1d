// Package storage persists marketplace entities. Every read and write goes
// through a Tx obtained from Store.WithTx so that multi-entity updates commit
// or roll back together.
package storage

import (
	"context"

	"github.com/example/freight-marketplace/internal/models"
)

// Store opens transactions. The callback's error rolls the transaction back
// and is returned unchanged; a nil error commits.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of persistence operations available inside a transaction.
// Get* methods return models.ErrNotFound when the row does not exist. The
// forUpdate flag takes a row lock that is held until the transaction ends.
type Tx interface {
	CreateUser(ctx context.Context, u models.User) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	UpdateUser(ctx context.Context, u models.User) error
	ListUsers(ctx context.Context, f UserFilter) ([]models.User, error)

	CreateProvider(ctx context.Context, p models.Provider) (models.Provider, error)
	GetProvider(ctx context.Context, id int64) (models.Provider, error)
	GetProviderByUser(ctx context.Context, userID int64) (models.Provider, error)

	CreateOperator(ctx context.Context, o models.Operator) (models.Operator, error)
	GetOperator(ctx context.Context, id int64, forUpdate bool) (models.Operator, error)
	GetOperatorByUser(ctx context.Context, userID int64) (models.Operator, error)
	UpdateOperator(ctx context.Context, o models.Operator) error
	ListOperators(ctx context.Context, f OperatorFilter) ([]models.Operator, error)

	// GetOrCreatePlace returns the place stored at exactly c, inserting one
	// named name when none exists.
	GetOrCreatePlace(ctx context.Context, name string, c models.Coord) (models.Place, error)

	CreateOrder(ctx context.Context, o models.Order) (models.Order, error)
	GetOrder(ctx context.Context, id int64, forUpdate bool) (models.Order, error)
	UpdateOrder(ctx context.Context, o models.Order) error
	ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error)
	CountOrders(ctx context.Context, operatorID int64, status models.OrderStatus) (int, error)

	CreateTrip(ctx context.Context, t models.Trip) (models.Trip, error)
	GetTrip(ctx context.Context, id int64, forUpdate bool) (models.Trip, error)
	UpdateTrip(ctx context.Context, t models.Trip) error
	ListTrips(ctx context.Context, f TripFilter) ([]models.Trip, error)

	CreateRating(ctx context.Context, r models.Rating) (models.Rating, error)
	GetRatingByOrder(ctx context.Context, orderID int64) (models.Rating, error)
	ListRatings(ctx context.Context, operatorID int64) ([]models.Rating, error)

	CreateNotification(ctx context.Context, n models.Notification) (models.Notification, error)
	ListNotifications(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
}

// UserFilter narrows ListUsers. Empty fields match everything.
type UserFilter struct {
	Role   models.Role
	Status string
}

// OperatorFilter narrows ListOperators. Nil and zero fields match everything.
type OperatorFilter struct {
	Available *bool
	Reefer    *bool
	TruckType string
}

type OrderFilter struct {
	Status     models.OrderStatus
	ProviderID int64
	OperatorID int64
}

type TripFilter struct {
	Status     models.TripStatus
	OperatorID int64
	ProviderID int64
}
