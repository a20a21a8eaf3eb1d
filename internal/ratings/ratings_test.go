package ratings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/storage"
)

type fixture struct {
	store    *storage.MemoryStore
	svc      *Service
	provider models.Provider
	operator models.Operator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore()}
	f.svc = &Service{Store: f.store}
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		pu, err := tx.CreateUser(ctx, models.User{Email: "shipper@example.com", Role: models.RoleProvider})
		if err != nil {
			return err
		}
		if f.provider, err = tx.CreateProvider(ctx, models.Provider{UserID: pu.ID}); err != nil {
			return err
		}
		ou, err := tx.CreateUser(ctx, models.User{Email: "driver@example.com", Role: models.RoleOperator})
		if err != nil {
			return err
		}
		f.operator, err = tx.CreateOperator(ctx, models.Operator{UserID: ou.ID, Available: true, Reputation: 5})
		return err
	}))
	return f
}

func (f *fixture) order(t *testing.T, status models.OrderStatus, assigned bool) models.Order {
	t.Helper()
	var o models.Order
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		in := models.Order{ProviderID: f.provider.ID, WeightKg: 100, Status: status}
		if assigned {
			id := f.operator.ID
			in.OperatorID = &id
		}
		var err error
		o, err = tx.CreateOrder(ctx, in)
		return err
	}))
	return o
}

func intp(v int) *int { return &v }

func TestAggregate(t *testing.T) {
	assert.Equal(t, 3.0, Aggregate(5.0, 0, 3))
	assert.Equal(t, 4.0, Aggregate(3.0, 1, 5))
	assert.InDelta(t, 4.333, Aggregate(4.0, 2, 5), 0.001)
}

func TestRecordUpdatesReputation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Record(ctx, Input{OrderID: f.order(t, models.OrderCompleted, true).ID, Score: 3, Comment: "late pickup"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Reputation)
	assert.Equal(t, 1, res.RatingCount)
	assert.Equal(t, f.provider.ID, res.Rating.ProviderID)
	assert.Equal(t, f.operator.ID, res.Rating.OperatorID)

	res, err = f.svc.Record(ctx, Input{OrderID: f.order(t, models.OrderCompleted, true).ID, OperatorID: f.operator.ID, Score: 5, Punctuality: intp(5)})
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Reputation)
	assert.Equal(t, 2, res.RatingCount)

	list, err := f.svc.ListByOperator(ctx, f.operator.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 5, list[0].Score)
	require.NotNil(t, list[0].Punctuality)
}

func TestRecordOncePerOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, models.OrderCompleted, true)

	_, err := f.svc.Record(context.Background(), Input{OrderID: o.ID, Score: 4})
	require.NoError(t, err)
	_, err = f.svc.Record(context.Background(), Input{OrderID: o.ID, Score: 1})
	assert.ErrorIs(t, err, models.ErrConflict)

	list, err := f.svc.ListByOperator(context.Background(), f.operator.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecordRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Record(ctx, Input{OrderID: f.order(t, models.OrderAccepted, true).ID, Score: 4})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.svc.Record(ctx, Input{OrderID: f.order(t, models.OrderPublished, false).ID, Score: 4})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.svc.Record(ctx, Input{OrderID: f.order(t, models.OrderCompleted, true).ID, OperatorID: f.operator.ID + 100, Score: 4})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.Record(ctx, Input{OrderID: 9999, Score: 4})
	assert.ErrorIs(t, err, models.ErrNotFound)

	for _, in := range []Input{
		{OrderID: 1, Score: 0},
		{OrderID: 1, Score: 6},
		{Score: 3},
		{OrderID: 1, Score: 3, CargoCare: intp(9)},
	} {
		_, err = f.svc.Record(ctx, in)
		assert.ErrorIs(t, err, models.ErrValidation, "%+v", in)
	}

	op, err := f.operatorReputation(t)
	require.NoError(t, err)
	assert.Equal(t, 5.0, op.Reputation)
	assert.Zero(t, op.RatingCount)
}

func TestListByOperatorUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListByOperator(context.Background(), 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func (f *fixture) operatorReputation(t *testing.T) (models.Operator, error) {
	t.Helper()
	var op models.Operator
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		op, err = tx.GetOperator(ctx, f.operator.ID, false)
		return err
	})
	return op, err
}

func TestRecordRefreshesIndexedReputation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	index := geo.NewIndex()
	f.svc.Sync = &geo.Syncer{Geo: index}

	pos := models.Coord{Lat: 40.4168, Lon: -3.7038}
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		op, err := tx.GetOperator(ctx, f.operator.ID, true)
		if err != nil {
			return err
		}
		op.Position = &pos
		return tx.UpdateOperator(ctx, op)
	}))
	require.NoError(t, index.Upsert(ctx, models.PositionEvent{OperatorID: f.operator.ID, Loc: pos, Available: true, Reputation: 5}))

	_, err := f.svc.Record(ctx, Input{OrderID: f.order(t, models.OrderCompleted, true).ID, Score: 2})
	require.NoError(t, err)

	near, err := index.Nearby(ctx, pos.Lat, pos.Lon, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, 2.0, near[0].Reputation)
}
