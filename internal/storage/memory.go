package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-marketplace/internal/models"
)

// MemoryStore keeps everything in process memory. Transactions are serialised
// behind a single mutex and rolled back by restoring a snapshot taken when the
// transaction began. Used for local runs and tests when PG_DSN is unset.
type MemoryStore struct {
	mu sync.Mutex
	memoryData
}

type memoryData struct {
	seq           int64
	users         map[int64]models.User
	providers     map[int64]models.Provider
	operators     map[int64]models.Operator
	places        map[int64]models.Place
	orders        map[int64]models.Order
	trips         map[int64]models.Trip
	ratings       map[int64]models.Rating
	notifications map[int64]models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memoryData: memoryData{
		users:         make(map[int64]models.User),
		providers:     make(map[int64]models.Provider),
		operators:     make(map[int64]models.Operator),
		places:        make(map[int64]models.Place),
		orders:        make(map[int64]models.Order),
		trips:         make(map[int64]models.Trip),
		ratings:       make(map[int64]models.Rating),
		notifications: make(map[int64]models.Notification),
	}}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.memoryData.clone()
	if err := fn(ctx, &memoryTx{d: &m.memoryData}); err != nil {
		m.memoryData = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (d *memoryData) clone() memoryData {
	return memoryData{
		seq:           d.seq,
		users:         copyMap(d.users),
		providers:     copyMap(d.providers),
		operators:     copyMap(d.operators),
		places:        copyMap(d.places),
		orders:        copyMap(d.orders),
		trips:         copyMap(d.trips),
		ratings:       copyMap(d.ratings),
		notifications: copyMap(d.notifications),
	}
}

// copyMap is shallow; pointer fields are never mutated in place because the
// tx clones values on the way in and out.
func copyMap[V any](src map[int64]V) map[int64]V {
	dst := make(map[int64]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type memoryTx struct {
	d *memoryData
}

func (t *memoryTx) nextID() int64 {
	t.d.seq++
	return t.d.seq
}

func (t *memoryTx) CreateUser(_ context.Context, u models.User) (models.User, error) {
	for _, existing := range t.d.users {
		if existing.Email == u.Email {
			return models.User{}, fmt.Errorf("storage.CreateUser: email %q: %w", u.Email, models.ErrConflict)
		}
	}
	u.ID = t.nextID()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	t.d.users[u.ID] = u
	return u, nil
}

func (t *memoryTx) GetUser(_ context.Context, id int64) (models.User, error) {
	u, ok := t.d.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("storage.GetUser %d: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (t *memoryTx) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	for _, u := range t.d.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("storage.GetUserByEmail: %w", models.ErrNotFound)
}

// UpdateUser rejects an email already used by another account.
func (t *memoryTx) UpdateUser(_ context.Context, u models.User) error {
	if _, ok := t.d.users[u.ID]; !ok {
		return fmt.Errorf("storage.UpdateUser %d: %w", u.ID, models.ErrNotFound)
	}
	for _, existing := range t.d.users {
		if existing.ID != u.ID && existing.Email == u.Email {
			return fmt.Errorf("storage.UpdateUser: email %q: %w", u.Email, models.ErrConflict)
		}
	}
	t.d.users[u.ID] = u
	return nil
}

// ListUsers returns newest accounts first.
func (t *memoryTx) ListUsers(_ context.Context, f UserFilter) ([]models.User, error) {
	var out []models.User
	for _, u := range t.d.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memoryTx) CreateProvider(_ context.Context, p models.Provider) (models.Provider, error) {
	p.ID = t.nextID()
	t.d.providers[p.ID] = p
	return p, nil
}

func (t *memoryTx) GetProvider(_ context.Context, id int64) (models.Provider, error) {
	p, ok := t.d.providers[id]
	if !ok {
		return models.Provider{}, fmt.Errorf("storage.GetProvider %d: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (t *memoryTx) GetProviderByUser(_ context.Context, userID int64) (models.Provider, error) {
	for _, p := range t.d.providers {
		if p.UserID == userID {
			return p, nil
		}
	}
	return models.Provider{}, fmt.Errorf("storage.GetProviderByUser %d: %w", userID, models.ErrNotFound)
}

func (t *memoryTx) CreateOperator(_ context.Context, o models.Operator) (models.Operator, error) {
	o.ID = t.nextID()
	t.d.operators[o.ID] = cloneOperator(o)
	return cloneOperator(o), nil
}

func (t *memoryTx) GetOperator(_ context.Context, id int64, _ bool) (models.Operator, error) {
	o, ok := t.d.operators[id]
	if !ok {
		return models.Operator{}, fmt.Errorf("storage.GetOperator %d: %w", id, models.ErrNotFound)
	}
	return cloneOperator(o), nil
}

func (t *memoryTx) GetOperatorByUser(_ context.Context, userID int64) (models.Operator, error) {
	for _, o := range t.d.operators {
		if o.UserID == userID {
			return cloneOperator(o), nil
		}
	}
	return models.Operator{}, fmt.Errorf("storage.GetOperatorByUser %d: %w", userID, models.ErrNotFound)
}

func (t *memoryTx) UpdateOperator(_ context.Context, o models.Operator) error {
	if _, ok := t.d.operators[o.ID]; !ok {
		return fmt.Errorf("storage.UpdateOperator %d: %w", o.ID, models.ErrNotFound)
	}
	t.d.operators[o.ID] = cloneOperator(o)
	return nil
}

func (t *memoryTx) ListOperators(_ context.Context, f OperatorFilter) ([]models.Operator, error) {
	out := make([]models.Operator, 0, len(t.d.operators))
	for _, o := range t.d.operators {
		if f.Available != nil && o.Available != *f.Available {
			continue
		}
		if f.Reefer != nil && (o.Truck == nil || o.Truck.Reefer != *f.Reefer) {
			continue
		}
		if f.TruckType != "" && (o.Truck == nil || o.Truck.Type != f.TruckType) {
			continue
		}
		out = append(out, cloneOperator(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) GetOrCreatePlace(_ context.Context, name string, c models.Coord) (models.Place, error) {
	for _, p := range t.d.places {
		if p.Coord == c {
			return p, nil
		}
	}
	p := models.Place{ID: t.nextID(), Name: name, Coord: c}
	t.d.places[p.ID] = p
	return p, nil
}

func (t *memoryTx) CreateOrder(_ context.Context, o models.Order) (models.Order, error) {
	o.ID = t.nextID()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	t.d.orders[o.ID] = cloneOrder(o)
	return cloneOrder(o), nil
}

func (t *memoryTx) GetOrder(_ context.Context, id int64, _ bool) (models.Order, error) {
	o, ok := t.d.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("storage.GetOrder %d: %w", id, models.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (t *memoryTx) UpdateOrder(_ context.Context, o models.Order) error {
	if _, ok := t.d.orders[o.ID]; !ok {
		return fmt.Errorf("storage.UpdateOrder %d: %w", o.ID, models.ErrNotFound)
	}
	t.d.orders[o.ID] = cloneOrder(o)
	return nil
}

func (t *memoryTx) ListOrders(_ context.Context, f OrderFilter) ([]models.Order, error) {
	var out []models.Order
	for _, o := range t.d.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.ProviderID != 0 && o.ProviderID != f.ProviderID {
			continue
		}
		if f.OperatorID != 0 && (o.OperatorID == nil || *o.OperatorID != f.OperatorID) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memoryTx) CountOrders(_ context.Context, operatorID int64, status models.OrderStatus) (int, error) {
	n := 0
	for _, o := range t.d.orders {
		if o.OperatorID != nil && *o.OperatorID == operatorID && o.Status == status {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) CreateTrip(_ context.Context, tr models.Trip) (models.Trip, error) {
	for _, existing := range t.d.trips {
		if existing.OrderID == tr.OrderID {
			return models.Trip{}, fmt.Errorf("storage.CreateTrip: order %d already has a trip: %w", tr.OrderID, models.ErrConflict)
		}
	}
	tr.ID = t.nextID()
	t.d.trips[tr.ID] = cloneTrip(tr)
	return cloneTrip(tr), nil
}

func (t *memoryTx) GetTrip(_ context.Context, id int64, _ bool) (models.Trip, error) {
	tr, ok := t.d.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("storage.GetTrip %d: %w", id, models.ErrNotFound)
	}
	return cloneTrip(tr), nil
}

func (t *memoryTx) UpdateTrip(_ context.Context, tr models.Trip) error {
	if _, ok := t.d.trips[tr.ID]; !ok {
		return fmt.Errorf("storage.UpdateTrip %d: %w", tr.ID, models.ErrNotFound)
	}
	t.d.trips[tr.ID] = cloneTrip(tr)
	return nil
}

func (t *memoryTx) ListTrips(_ context.Context, f TripFilter) ([]models.Trip, error) {
	var out []models.Trip
	for _, tr := range t.d.trips {
		if f.Status != "" && tr.Status != f.Status {
			continue
		}
		if f.OperatorID != 0 && tr.OperatorID != f.OperatorID {
			continue
		}
		if f.ProviderID != 0 && t.d.orders[tr.OrderID].ProviderID != f.ProviderID {
			continue
		}
		out = append(out, cloneTrip(tr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memoryTx) CreateRating(_ context.Context, r models.Rating) (models.Rating, error) {
	for _, existing := range t.d.ratings {
		if existing.OrderID == r.OrderID {
			return models.Rating{}, fmt.Errorf("storage.CreateRating: order %d: %w", r.OrderID, models.ErrConflict)
		}
	}
	r.ID = t.nextID()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	t.d.ratings[r.ID] = r
	return r, nil
}

func (t *memoryTx) GetRatingByOrder(_ context.Context, orderID int64) (models.Rating, error) {
	for _, r := range t.d.ratings {
		if r.OrderID == orderID {
			return r, nil
		}
	}
	return models.Rating{}, fmt.Errorf("storage.GetRatingByOrder %d: %w", orderID, models.ErrNotFound)
}

func (t *memoryTx) ListRatings(_ context.Context, operatorID int64) ([]models.Rating, error) {
	var out []models.Rating
	for _, r := range t.d.ratings {
		if r.OperatorID == operatorID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memoryTx) CreateNotification(_ context.Context, n models.Notification) (models.Notification, error) {
	n.ID = t.nextID()
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	t.d.notifications[n.ID] = n
	return n, nil
}

func (t *memoryTx) ListNotifications(_ context.Context, userID int64, limit int) ([]models.Notification, error) {
	var out []models.Notification
	for _, n := range t.d.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) MarkNotificationRead(_ context.Context, id int64) error {
	n, ok := t.d.notifications[id]
	if !ok {
		return fmt.Errorf("storage.MarkNotificationRead %d: %w", id, models.ErrNotFound)
	}
	n.Read = true
	t.d.notifications[id] = n
	return nil
}

func cloneOperator(o models.Operator) models.Operator {
	if o.Position != nil {
		p := *o.Position
		o.Position = &p
	}
	if o.Truck != nil {
		tr := *o.Truck
		o.Truck = &tr
	}
	return o
}

func cloneOrder(o models.Order) models.Order {
	if o.OperatorID != nil {
		id := *o.OperatorID
		o.OperatorID = &id
	}
	o.WindowFrom = cloneTime(o.WindowFrom)
	o.WindowTo = cloneTime(o.WindowTo)
	o.CompletedAt = cloneTime(o.CompletedAt)
	return o
}

func cloneTrip(t models.Trip) models.Trip {
	if t.Position != nil {
		p := *t.Position
		t.Position = &p
	}
	t.EndedAt = cloneTime(t.EndedAt)
	if t.Path != nil {
		t.Path = append([]byte(nil), t.Path...)
	}
	return t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
