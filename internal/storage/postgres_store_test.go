package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/models"
)

var errRollback = errors.New("rollback")

// newTestPostgres connects to TEST_DATABASE_URL and applies migrations. The
// test is skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestPostgresStoreOrderLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	// Everything runs inside one transaction that is rolled back at the end.
	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		pu, err := tx.CreateUser(ctx, models.User{Email: "provider-it@example.com", PasswordHash: "x", Role: models.RoleProvider})
		require.NoError(t, err)
		prov, err := tx.CreateProvider(ctx, models.Provider{UserID: pu.ID, CompanyName: "ACME"})
		require.NoError(t, err)

		ou, err := tx.CreateUser(ctx, models.User{Email: "operator-it@example.com", PasswordHash: "x", Role: models.RoleOperator})
		require.NoError(t, err)
		op, err := tx.CreateOperator(ctx, models.Operator{UserID: ou.ID, Available: true,
			Truck: &models.Truck{Plate: "1234ABC", Type: "trailer", Reefer: true}})
		require.NoError(t, err)
		require.NotNil(t, op.Truck)
		assert.Equal(t, "1234ABC", op.Truck.Plate)

		origin, err := tx.GetOrCreatePlace(ctx, "Madrid", models.Coord{Lat: 40.4168, Lon: -3.7038})
		require.NoError(t, err)
		again, err := tx.GetOrCreatePlace(ctx, "ignored", models.Coord{Lat: 40.4168, Lon: -3.7038})
		require.NoError(t, err)
		assert.Equal(t, origin.ID, again.ID)
		dest, err := tx.GetOrCreatePlace(ctx, "Barcelona", models.Coord{Lat: 41.3851, Lon: 2.1734})
		require.NoError(t, err)

		order, err := tx.CreateOrder(ctx, models.Order{ProviderID: prov.ID, Origin: origin, Destination: dest, Status: models.OrderPublished})
		require.NoError(t, err)

		order, err = tx.GetOrder(ctx, order.ID, true)
		require.NoError(t, err)
		order.OperatorID = &op.ID
		order.Status = models.OrderAccepted
		require.NoError(t, tx.UpdateOrder(ctx, order))

		n, err := tx.CountOrders(ctx, op.ID, models.OrderAccepted)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		now := time.Now().UTC()
		trip, err := tx.CreateTrip(ctx, models.Trip{OrderID: order.ID, OperatorID: op.ID, OriginID: origin.ID,
			DestinationID: dest.ID, Status: models.TripInProgress, StartedAt: now, LastUpdateAt: now,
			Path: []byte(`[{"lat":40.4168,"lng":-3.7038},{"lat":41.3851,"lng":2.1734}]`)})
		require.NoError(t, err)

		got, err := tx.GetTrip(ctx, trip.ID, true)
		require.NoError(t, err)
		assert.JSONEq(t, string(trip.Path), string(got.Path))

		_, err = tx.CreateNotification(ctx, models.Notification{UserID: pu.ID, Event: "Oferta aceptada",
			Payload: models.NotificationPayload{Kind: models.KindOrderAccepted, OrderID: order.ID}})
		require.NoError(t, err)
		list, err := tx.ListNotifications(ctx, pu.ID, 50)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, order.ID, list[0].Payload.OrderID)

		_, err = tx.GetOrder(ctx, -1, false)
		assert.ErrorIs(t, err, models.ErrNotFound)

		pu.Status = models.UserInactive
		require.NoError(t, tx.UpdateUser(ctx, pu))
		inactive, err := tx.ListUsers(ctx, UserFilter{Role: models.RoleProvider, Status: models.UserInactive})
		require.NoError(t, err)
		require.NotEmpty(t, inactive)
		assert.Equal(t, pu.ID, inactive[0].ID)

		// aborts the transaction, so it runs last
		_, err = tx.CreateTrip(ctx, models.Trip{OrderID: order.ID, OperatorID: op.ID, OriginID: origin.ID,
			DestinationID: dest.ID, Status: models.TripInProgress, StartedAt: now, LastUpdateAt: now})
		assert.ErrorIs(t, err, models.ErrConflict)
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)
}
