package trips

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/storage"
)

var (
	madrid    = models.Coord{Lat: 40.4168, Lon: -3.7038}
	zaragoza  = models.Coord{Lat: 41.6488, Lon: -0.8891}
	barcelona = models.Coord{Lat: 41.3851, Lon: 2.1734}
)

type recorder struct {
	mu  sync.Mutex
	got []models.Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fixture struct {
	store    *storage.MemoryStore
	mgr      *Manager
	notes    *recorder
	now      time.Time
	provider models.Provider
	operator models.Operator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		notes: &recorder{},
		now:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(f.store, f.notes, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.mgr.Now = func() time.Time { return f.now }

	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		pu, err := tx.CreateUser(ctx, models.User{Email: "shipper@example.com", Role: models.RoleProvider})
		if err != nil {
			return err
		}
		if f.provider, err = tx.CreateProvider(ctx, models.Provider{UserID: pu.ID, CompanyName: "Acme Foods"}); err != nil {
			return err
		}
		ou, err := tx.CreateUser(ctx, models.User{Email: "driver@example.com", Role: models.RoleOperator})
		if err != nil {
			return err
		}
		f.operator, err = tx.CreateOperator(ctx, models.Operator{UserID: ou.ID, Available: true, Reputation: 5})
		return err
	})
	require.NoError(t, err)
	return f
}

// startTrip stores an accepted Madrid to Barcelona order and opens its trip.
func (f *fixture) startTrip(t *testing.T, route models.Route) models.Trip {
	t.Helper()
	var trip models.Trip
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		origin, err := tx.GetOrCreatePlace(ctx, "Madrid", madrid)
		if err != nil {
			return err
		}
		dest, err := tx.GetOrCreatePlace(ctx, "Barcelona", barcelona)
		if err != nil {
			return err
		}
		opID := f.operator.ID
		order, err := tx.CreateOrder(ctx, models.Order{
			ProviderID:    f.provider.ID,
			OperatorID:    &opID,
			CargoType:     "general",
			WeightKg:      1200,
			Origin:        origin,
			Destination:   dest,
			Status:        models.OrderAccepted,
			Price:         900,
			CO2EstimateKg: 120,
			CO2SavedKg:    15,
		})
		if err != nil {
			return err
		}
		op, err := tx.GetOperator(ctx, opID, true)
		if err != nil {
			return err
		}
		trip, err = f.mgr.Create(ctx, tx, order, op, route)
		return err
	})
	require.NoError(t, err)
	return trip
}

func (f *fixture) operatorNow(t *testing.T) models.Operator {
	t.Helper()
	var op models.Operator
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		op, err = tx.GetOperator(ctx, f.operator.ID, false)
		return err
	}))
	return op
}

func (f *fixture) order(t *testing.T, id int64) models.Order {
	t.Helper()
	var o models.Order
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id, false)
		return err
	}))
	return o
}

func (f *fixture) inbox(t *testing.T) []models.Notification {
	t.Helper()
	var ns []models.Notification
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		ns, err = tx.ListNotifications(ctx, f.provider.UserID, 0)
		return err
	}))
	return ns
}

func threePointRoute() models.Route {
	return models.Route{Points: []models.Coord{madrid, zaragoza, barcelona}, DistanceKm: 621.46, DurationMin: 372}
}

func TestCreateOpensTripInProgress(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	assert.Equal(t, models.TripInProgress, trip.Status)
	assert.Equal(t, 621.46, trip.TotalKm)
	assert.Equal(t, 372, trip.EstimatedMin)
	assert.Equal(t, f.now, trip.StartedAt)
	require.NotNil(t, trip.Position)
	assert.Equal(t, madrid, *trip.Position)

	path, err := geo.DecodePath(trip.Path)
	require.NoError(t, err)
	assert.Len(t, path, 3)

	assert.False(t, f.operatorNow(t).Available)
}

func TestCreateRejectsOrderNotAccepted(t *testing.T) {
	f := newFixture(t)
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := f.mgr.Create(ctx, tx, models.Order{ID: 99, Status: models.OrderPublished}, f.operator, threePointRoute())
		return err
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestUpdatePositionSnapsToNearestWaypoint(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	f.now = f.now.Add(95 * time.Minute)
	got, err := f.mgr.UpdatePosition(context.Background(), trip.ID, models.Coord{Lat: 41.65, Lon: -0.89})
	require.NoError(t, err)

	want := math.Round(geo.Distance(madrid, zaragoza)*100) / 100
	assert.InDelta(t, want, got.TravelledKm, 1e-9)
	assert.Equal(t, 95, got.ElapsedMin)
	assert.Zero(t, got.StoppedMin)
	assert.Equal(t, f.now, got.LastUpdateAt)
}

func TestUpdatePositionCountsStoppedMinutes(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	f.now = f.now.Add(10 * time.Minute)
	got, err := f.mgr.UpdatePosition(context.Background(), trip.ID, models.Coord{Lat: madrid.Lat + 0.0001, Lon: madrid.Lon})
	require.NoError(t, err)
	assert.Equal(t, 10, got.StoppedMin)

	f.now = f.now.Add(5 * time.Minute)
	got, err = f.mgr.UpdatePosition(context.Background(), trip.ID, zaragoza)
	require.NoError(t, err)
	assert.Equal(t, 10, got.StoppedMin)
	assert.Equal(t, 15, got.ElapsedMin)
}

func TestUpdatePositionKeepsTravelledWhenPathUnreadable(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		tr, err := tx.GetTrip(ctx, trip.ID, true)
		if err != nil {
			return err
		}
		tr.Path = json.RawMessage(`{"not":"a list"`)
		tr.TravelledKm = 12.5
		return tx.UpdateTrip(ctx, tr)
	}))

	got, err := f.mgr.UpdatePosition(context.Background(), trip.ID, zaragoza)
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.TravelledKm)
	assert.Equal(t, zaragoza, *got.Position)
}

func TestUpdatePositionValidation(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	_, err := f.mgr.UpdatePosition(context.Background(), trip.ID, models.Coord{Lat: 91, Lon: 0})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.mgr.UpdatePosition(context.Background(), 4242, madrid)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.mgr.Transition(context.Background(), trip.ID, models.TripDelivered)
	require.NoError(t, err)
	_, err = f.mgr.UpdatePosition(context.Background(), trip.ID, madrid)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestDeliveredThenFinalized(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	f.now = f.now.Add(6 * time.Hour)
	delivered, err := f.mgr.Transition(context.Background(), trip.ID, models.TripDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.TripDelivered, delivered.Status)
	require.NotNil(t, delivered.EndedAt)
	assert.Equal(t, 360, delivered.ElapsedMin)
	assert.Equal(t, models.OrderAccepted, f.order(t, trip.OrderID).Status)

	ns := f.inbox(t)
	require.Len(t, ns, 1)
	assert.Equal(t, "Package delivered - Trip #"+strconv.FormatInt(trip.ID, 10), ns[0].Event)
	assert.Equal(t, models.KindTripDelivered, ns[0].Payload.Kind)
	assert.Equal(t, 1, f.notes.count())

	f.now = f.now.Add(30 * time.Minute)
	final, err := f.mgr.Transition(context.Background(), trip.ID, models.TripFinalized)
	require.NoError(t, err)
	assert.Equal(t, models.TripFinalized, final.Status)

	order := f.order(t, trip.OrderID)
	assert.Equal(t, models.OrderCompleted, order.Status)
	require.NotNil(t, order.CompletedAt)
	assert.Equal(t, f.now, *order.CompletedAt)

	op := f.operatorNow(t)
	assert.Equal(t, 1, op.CompletedTrips)
	assert.True(t, op.Available)
	assert.Equal(t, 120.0, op.EmissionsKg)
	assert.Equal(t, 15.0, op.CO2SavedKg)
	assert.Len(t, f.inbox(t), 2)
	assert.Equal(t, 2, f.notes.count())
}

func TestFinalizeTwiceAppliesOnce(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	first, err := f.mgr.Transition(context.Background(), trip.ID, models.TripFinalized)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	second, err := f.mgr.Transition(context.Background(), trip.ID, models.TripFinalized)
	require.NoError(t, err)
	assert.Equal(t, first.EndedAt, second.EndedAt)

	op := f.operatorNow(t)
	assert.Equal(t, 1, op.CompletedTrips)
	assert.Equal(t, 120.0, op.EmissionsKg)
	assert.Len(t, f.inbox(t), 1)
	assert.Equal(t, 1, f.notes.count())
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())
	ctx := context.Background()

	_, err := f.mgr.Transition(ctx, trip.ID, models.TripStatus("teleported"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.mgr.Transition(ctx, trip.ID, models.TripInProgress)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.mgr.Transition(ctx, trip.ID, models.TripFinalized)
	require.NoError(t, err)
	for _, to := range []models.TripStatus{models.TripInProgress, models.TripDelivered, models.TripCancelled} {
		_, err = f.mgr.Transition(ctx, trip.ID, to)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "finalized -> %s", to)
	}

	_, err = f.mgr.Transition(ctx, 4242, models.TripDelivered)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelReleasesOperator(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	got, err := f.mgr.Transition(context.Background(), trip.ID, models.TripCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelled, got.Status)
	assert.Equal(t, models.OrderCancelled, f.order(t, trip.OrderID).Status)
	assert.True(t, f.operatorNow(t).Available)
	assert.Empty(t, f.inbox(t))

	_, err = f.mgr.Transition(context.Background(), trip.ID, models.TripFinalized)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.notes.err = errors.New("broker down")
	trip := f.startTrip(t, threePointRoute())

	_, err := f.mgr.Transition(context.Background(), trip.ID, models.TripDelivered)
	require.NoError(t, err)
	assert.Len(t, f.inbox(t), 1)
}

func TestFallbackRouteTrip(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, models.Route{Points: []models.Coord{madrid, barcelona}, Fallback: true})
	assert.Zero(t, trip.TotalKm)
	assert.Zero(t, trip.EstimatedMin)

	got, err := f.mgr.UpdatePosition(context.Background(), trip.ID, barcelona)
	require.NoError(t, err)
	assert.InDelta(t, math.Round(geo.Distance(madrid, barcelona)*100)/100, got.TravelledKm, 1e-9)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	a := f.startTrip(t, threePointRoute())
	b := f.startTrip(t, threePointRoute())
	_, err := f.mgr.Transition(context.Background(), a.ID, models.TripCancelled)
	require.NoError(t, err)

	active, err := f.mgr.List(context.Background(), storage.TripFilter{Status: models.TripInProgress})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	all, err := f.mgr.List(context.Background(), storage.TripFilter{OperatorID: f.operator.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := f.mgr.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.OrderID, got.OrderID)
}

func TestConcurrentFinalizeAppliesOnce(t *testing.T) {
	f := newFixture(t)
	trip := f.startTrip(t, threePointRoute())

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.mgr.Transition(context.Background(), trip.ID, models.TripFinalized)
			if err == nil && got.Status != models.TripFinalized {
				err = errors.New("trip returned as " + string(got.Status))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	op := f.operatorNow(t)
	assert.Equal(t, 1, op.CompletedTrips)
	assert.Equal(t, 120.0, op.EmissionsKg)
	assert.Equal(t, 15.0, op.CO2SavedKg)
	finalized := 0
	for _, n := range f.inbox(t) {
		if n.Payload.Kind == models.KindTripFinalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)
	assert.Equal(t, 1, f.notes.count())
}

func TestFreedOperatorIsReindexed(t *testing.T) {
	for _, target := range []models.TripStatus{models.TripFinalized, models.TripCancelled} {
		t.Run(string(target), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			index := geo.NewIndex()
			f.mgr.Sync = &geo.Syncer{Geo: index}

			require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
				op, err := tx.GetOperator(ctx, f.operator.ID, true)
				if err != nil {
					return err
				}
				pos := zaragoza
				op.Position = &pos
				return tx.UpdateOperator(ctx, op)
			}))
			trip := f.startTrip(t, threePointRoute())
			// last fix reported mid-haul, while unavailable
			require.NoError(t, index.Upsert(ctx, models.PositionEvent{OperatorID: f.operator.ID, Loc: zaragoza, Reputation: 5}))
			near, err := index.Nearby(ctx, zaragoza.Lat, zaragoza.Lon, 5)
			require.NoError(t, err)
			require.Empty(t, near)

			_, err = f.mgr.Transition(ctx, trip.ID, target)
			require.NoError(t, err)

			near, err = index.Nearby(ctx, zaragoza.Lat, zaragoza.Lon, 5)
			require.NoError(t, err)
			require.Len(t, near, 1)
			assert.Equal(t, f.operator.ID, near[0].OperatorID)
			assert.True(t, near[0].Available)
		})
	}
}
