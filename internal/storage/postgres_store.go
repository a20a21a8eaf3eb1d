package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/storage/migrations"
)

// PostgresStore is the production Store backed by lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened connection pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded goose migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, p.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("storage.Migrate: provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("storage.Migrate: up: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.WithTx: begin: %w", err)
	}
	if err := fn(ctx, &pgTx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage.WithTx: commit: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type pgTx struct {
	q querier
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func lockClause(forUpdate bool, of string) string {
	if !forUpdate {
		return ""
	}
	if of != "" {
		return " FOR UPDATE OF " + of
	}
	return " FOR UPDATE"
}

// where accumulates positional filter clauses.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// Users

const userColumns = `id, email, password_hash, role, status, created_at`

func scanUser(row scanner) (models.User, error) {
	var u models.User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.Status, &u.CreatedAt)
	u.Role = models.Role(role)
	return u, err
}

func (t *pgTx) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	const q = `INSERT INTO users (email, password_hash, role, status) VALUES ($1, $2, $3, $4) RETURNING ` + userColumns
	if u.Status == "" {
		u.Status = models.UserActive
	}
	out, err := scanUser(t.q.QueryRowContext(ctx, q, u.Email, u.PasswordHash, string(u.Role), u.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("storage.CreateUser: email %q: %w", u.Email, models.ErrConflict)
		}
		return models.User{}, fmt.Errorf("storage.CreateUser: %w", err)
	}
	return out, nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (models.User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return models.User{}, notFound("storage.GetUser", err)
	}
	return u, nil
}

func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return models.User{}, notFound("storage.GetUserByEmail", err)
	}
	return u, nil
}

func (t *pgTx) UpdateUser(ctx context.Context, u models.User) error {
	res, err := t.q.ExecContext(ctx, `UPDATE users SET email = $1, password_hash = $2, role = $3, status = $4 WHERE id = $5`,
		u.Email, u.PasswordHash, string(u.Role), u.Status, u.ID)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("storage.UpdateUser: email %q: %w", u.Email, models.ErrConflict)
	}
	return checkAffected("storage.UpdateUser", res, err)
}

func (t *pgTx) ListUsers(ctx context.Context, f UserFilter) ([]models.User, error) {
	var w where
	if f.Role != "" {
		w.add("role = $%d", string(f.Role))
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users`+w.String()+` ORDER BY created_at DESC, id DESC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListUsers: %w", err)
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListUsers: scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Providers

func (t *pgTx) CreateProvider(ctx context.Context, p models.Provider) (models.Provider, error) {
	const q = `INSERT INTO providers (user_id, company_name, tax_id, phone) VALUES ($1, $2, $3, $4) RETURNING id`
	if err := t.q.QueryRowContext(ctx, q, p.UserID, p.CompanyName, p.TaxID, p.Phone).Scan(&p.ID); err != nil {
		return models.Provider{}, fmt.Errorf("storage.CreateProvider: %w", err)
	}
	return p, nil
}

func (t *pgTx) GetProvider(ctx context.Context, id int64) (models.Provider, error) {
	const q = `SELECT id, user_id, company_name, tax_id, phone FROM providers WHERE id = $1`
	var p models.Provider
	if err := t.q.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.UserID, &p.CompanyName, &p.TaxID, &p.Phone); err != nil {
		return models.Provider{}, notFound("storage.GetProvider", err)
	}
	return p, nil
}

func (t *pgTx) GetProviderByUser(ctx context.Context, userID int64) (models.Provider, error) {
	const q = `SELECT id, user_id, company_name, tax_id, phone FROM providers WHERE user_id = $1`
	var p models.Provider
	if err := t.q.QueryRowContext(ctx, q, userID).Scan(&p.ID, &p.UserID, &p.CompanyName, &p.TaxID, &p.Phone); err != nil {
		return models.Provider{}, notFound("storage.GetProviderByUser", err)
	}
	return p, nil
}

// Operators

const operatorColumns = `id, user_id, tax_id, phone, available, lat, lon, completed_trips, reputation,
	rating_count, emissions_kg, co2_saved_kg, truck_plate, truck_type, truck_capacity_kg,
	truck_volume_m3, truck_reefer, truck_adr, truck_fuel`

func scanOperator(row scanner) (models.Operator, error) {
	var (
		o                models.Operator
		lat, lon         sql.NullFloat64
		plate, typ, fuel sql.NullString
		capacity, volume sql.NullFloat64
		reefer, adr      sql.NullBool
	)
	err := row.Scan(&o.ID, &o.UserID, &o.TaxID, &o.Phone, &o.Available, &lat, &lon,
		&o.CompletedTrips, &o.Reputation, &o.RatingCount, &o.EmissionsKg, &o.CO2SavedKg,
		&plate, &typ, &capacity, &volume, &reefer, &adr, &fuel)
	if err != nil {
		return models.Operator{}, err
	}
	if lat.Valid && lon.Valid {
		o.Position = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	if plate.Valid {
		o.Truck = &models.Truck{
			Plate:      plate.String,
			Type:       typ.String,
			CapacityKg: capacity.Float64,
			VolumeM3:   volume.Float64,
			Reefer:     reefer.Bool,
			ADR:        adr.Bool,
			Fuel:       fuel.String,
		}
	}
	return o, nil
}

func operatorArgs(o models.Operator) []any {
	var lat, lon sql.NullFloat64
	if o.Position != nil {
		lat = sql.NullFloat64{Float64: o.Position.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: o.Position.Lon, Valid: true}
	}
	var (
		plate, typ, fuel sql.NullString
		capacity, volume sql.NullFloat64
		reefer, adr      sql.NullBool
	)
	if tr := o.Truck; tr != nil {
		plate = sql.NullString{String: tr.Plate, Valid: true}
		typ = sql.NullString{String: tr.Type, Valid: true}
		fuel = sql.NullString{String: tr.Fuel, Valid: true}
		capacity = sql.NullFloat64{Float64: tr.CapacityKg, Valid: true}
		volume = sql.NullFloat64{Float64: tr.VolumeM3, Valid: true}
		reefer = sql.NullBool{Bool: tr.Reefer, Valid: true}
		adr = sql.NullBool{Bool: tr.ADR, Valid: true}
	}
	return []any{o.UserID, o.TaxID, o.Phone, o.Available, lat, lon, o.CompletedTrips, o.Reputation,
		o.RatingCount, o.EmissionsKg, o.CO2SavedKg, plate, typ, capacity, volume, reefer, adr, fuel}
}

func (t *pgTx) CreateOperator(ctx context.Context, o models.Operator) (models.Operator, error) {
	const q = `INSERT INTO operators (user_id, tax_id, phone, available, lat, lon, completed_trips, reputation,
		rating_count, emissions_kg, co2_saved_kg, truck_plate, truck_type, truck_capacity_kg,
		truck_volume_m3, truck_reefer, truck_adr, truck_fuel)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING ` + operatorColumns
	out, err := scanOperator(t.q.QueryRowContext(ctx, q, operatorArgs(o)...))
	if err != nil {
		return models.Operator{}, fmt.Errorf("storage.CreateOperator: %w", err)
	}
	return out, nil
}

func (t *pgTx) GetOperator(ctx context.Context, id int64, forUpdate bool) (models.Operator, error) {
	q := `SELECT ` + operatorColumns + ` FROM operators WHERE id = $1` + lockClause(forUpdate, "")
	o, err := scanOperator(t.q.QueryRowContext(ctx, q, id))
	if err != nil {
		return models.Operator{}, notFound("storage.GetOperator", err)
	}
	return o, nil
}

func (t *pgTx) GetOperatorByUser(ctx context.Context, userID int64) (models.Operator, error) {
	o, err := scanOperator(t.q.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM operators WHERE user_id = $1`, userID))
	if err != nil {
		return models.Operator{}, notFound("storage.GetOperatorByUser", err)
	}
	return o, nil
}

func (t *pgTx) UpdateOperator(ctx context.Context, o models.Operator) error {
	const q = `UPDATE operators SET user_id = $1, tax_id = $2, phone = $3, available = $4, lat = $5, lon = $6,
		completed_trips = $7, reputation = $8, rating_count = $9, emissions_kg = $10, co2_saved_kg = $11,
		truck_plate = $12, truck_type = $13, truck_capacity_kg = $14, truck_volume_m3 = $15,
		truck_reefer = $16, truck_adr = $17, truck_fuel = $18
		WHERE id = $19`
	args := append(operatorArgs(o), o.ID)
	res, err := t.q.ExecContext(ctx, q, args...)
	return checkAffected("storage.UpdateOperator", res, err)
}

func (t *pgTx) ListOperators(ctx context.Context, f OperatorFilter) ([]models.Operator, error) {
	var w where
	if f.Available != nil {
		w.add("available = $%d", *f.Available)
	}
	if f.Reefer != nil {
		w.add("truck_reefer = $%d", *f.Reefer)
	}
	if f.TruckType != "" {
		w.add("truck_type = $%d", f.TruckType)
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+operatorColumns+` FROM operators`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOperators: %w", err)
	}
	defer rows.Close()
	var out []models.Operator
	for rows.Next() {
		o, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListOperators: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Places

func (t *pgTx) GetOrCreatePlace(ctx context.Context, name string, c models.Coord) (models.Place, error) {
	const q = `INSERT INTO places (name, lat, lon) VALUES ($1, $2, $3)
		ON CONFLICT (lat, lon) DO UPDATE SET lat = EXCLUDED.lat
		RETURNING id, name, lat, lon`
	var p models.Place
	if err := t.q.QueryRowContext(ctx, q, name, c.Lat, c.Lon).Scan(&p.ID, &p.Name, &p.Coord.Lat, &p.Coord.Lon); err != nil {
		return models.Place{}, fmt.Errorf("storage.GetOrCreatePlace: %w", err)
	}
	return p, nil
}

// Orders

const orderSelect = `SELECT o.id, o.provider_id, o.operator_id, o.cargo_type, o.weight_kg, o.volume_m3,
	po.id, po.name, po.lat, po.lon, pd.id, pd.name, pd.lat, pd.lon,
	o.window_from, o.window_to, o.needs_reefer, o.needs_adr, o.status, o.price, o.distance_km,
	o.co2_estimate_kg, o.co2_saved_kg, o.created_at, o.completed_at
	FROM orders o
	JOIN places po ON po.id = o.origin_id
	JOIN places pd ON pd.id = o.destination_id`

func scanOrder(row scanner) (models.Order, error) {
	var (
		o                            models.Order
		operatorID                   sql.NullInt64
		windowFrom, windowTo, doneAt sql.NullTime
		status                       string
	)
	err := row.Scan(&o.ID, &o.ProviderID, &operatorID, &o.CargoType, &o.WeightKg, &o.VolumeM3,
		&o.Origin.ID, &o.Origin.Name, &o.Origin.Coord.Lat, &o.Origin.Coord.Lon,
		&o.Destination.ID, &o.Destination.Name, &o.Destination.Coord.Lat, &o.Destination.Coord.Lon,
		&windowFrom, &windowTo, &o.NeedsReefer, &o.NeedsADR, &status, &o.Price, &o.DistanceKm,
		&o.CO2EstimateKg, &o.CO2SavedKg, &o.CreatedAt, &doneAt)
	if err != nil {
		return models.Order{}, err
	}
	o.Status = models.OrderStatus(status)
	if operatorID.Valid {
		id := operatorID.Int64
		o.OperatorID = &id
	}
	o.WindowFrom = timePtr(windowFrom)
	o.WindowTo = timePtr(windowTo)
	o.CompletedAt = timePtr(doneAt)
	return o, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, o models.Order) (models.Order, error) {
	const q = `INSERT INTO orders (provider_id, operator_id, cargo_type, weight_kg, volume_m3, origin_id,
		destination_id, window_from, window_to, needs_reefer, needs_adr, status, price, distance_km,
		co2_estimate_kg, co2_saved_kg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at`
	err := t.q.QueryRowContext(ctx, q, o.ProviderID, nullInt(o.OperatorID), o.CargoType, o.WeightKg, o.VolumeM3,
		o.Origin.ID, o.Destination.ID, nullTime(o.WindowFrom), nullTime(o.WindowTo), o.NeedsReefer, o.NeedsADR,
		string(o.Status), o.Price, o.DistanceKm, o.CO2EstimateKg, o.CO2SavedKg).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return models.Order{}, fmt.Errorf("storage.CreateOrder: %w", err)
	}
	return o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id int64, forUpdate bool) (models.Order, error) {
	o, err := scanOrder(t.q.QueryRowContext(ctx, orderSelect+` WHERE o.id = $1`+lockClause(forUpdate, "o"), id))
	if err != nil {
		return models.Order{}, notFound("storage.GetOrder", err)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o models.Order) error {
	const q = `UPDATE orders SET operator_id = $1, cargo_type = $2, weight_kg = $3, volume_m3 = $4,
		window_from = $5, window_to = $6, needs_reefer = $7, needs_adr = $8, status = $9, price = $10,
		distance_km = $11, co2_estimate_kg = $12, co2_saved_kg = $13, completed_at = $14
		WHERE id = $15`
	res, err := t.q.ExecContext(ctx, q, nullInt(o.OperatorID), o.CargoType,
		o.WeightKg, o.VolumeM3, nullTime(o.WindowFrom), nullTime(o.WindowTo), o.NeedsReefer, o.NeedsADR,
		string(o.Status), o.Price, o.DistanceKm, o.CO2EstimateKg, o.CO2SavedKg, nullTime(o.CompletedAt), o.ID)
	return checkAffected("storage.UpdateOrder", res, err)
}

func (t *pgTx) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	var w where
	if f.Status != "" {
		w.add("o.status = $%d", string(f.Status))
	}
	if f.ProviderID != 0 {
		w.add("o.provider_id = $%d", f.ProviderID)
	}
	if f.OperatorID != 0 {
		w.add("o.operator_id = $%d", f.OperatorID)
	}
	rows, err := t.q.QueryContext(ctx, orderSelect+w.String()+` ORDER BY o.created_at DESC, o.id DESC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOrders: %w", err)
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListOrders: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) CountOrders(ctx context.Context, operatorID int64, status models.OrderStatus) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT count(*) FROM orders WHERE operator_id = $1 AND status = $2`,
		operatorID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.CountOrders: %w", err)
	}
	return n, nil
}

// Trips

const tripColumns = `id, order_id, operator_id, origin_id, destination_id, lat, lon, total_km, travelled_km,
	estimated_min, elapsed_min, status, started_at, ended_at, last_update_at, stopped_min, route`

func scanTrip(row scanner) (models.Trip, error) {
	var (
		tr       models.Trip
		lat, lon sql.NullFloat64
		status   string
		endedAt  sql.NullTime
		route    sql.NullString
	)
	err := row.Scan(&tr.ID, &tr.OrderID, &tr.OperatorID, &tr.OriginID, &tr.DestinationID, &lat, &lon,
		&tr.TotalKm, &tr.TravelledKm, &tr.EstimatedMin, &tr.ElapsedMin, &status, &tr.StartedAt, &endedAt,
		&tr.LastUpdateAt, &tr.StoppedMin, &route)
	if err != nil {
		return models.Trip{}, err
	}
	tr.Status = models.TripStatus(status)
	if lat.Valid && lon.Valid {
		tr.Position = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	tr.EndedAt = timePtr(endedAt)
	if route.Valid && route.String != "" {
		tr.Path = json.RawMessage(route.String)
	}
	return tr, nil
}

func tripArgs(tr models.Trip) []any {
	var lat, lon sql.NullFloat64
	if tr.Position != nil {
		lat = sql.NullFloat64{Float64: tr.Position.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: tr.Position.Lon, Valid: true}
	}
	var route sql.NullString
	if len(tr.Path) > 0 {
		route = sql.NullString{String: string(tr.Path), Valid: true}
	}
	return []any{tr.OrderID, tr.OperatorID, tr.OriginID, tr.DestinationID, lat, lon, tr.TotalKm, tr.TravelledKm,
		tr.EstimatedMin, tr.ElapsedMin, string(tr.Status), tr.StartedAt, nullTime(tr.EndedAt), tr.LastUpdateAt,
		tr.StoppedMin, route}
}

func (t *pgTx) CreateTrip(ctx context.Context, tr models.Trip) (models.Trip, error) {
	const q = `INSERT INTO trips (order_id, operator_id, origin_id, destination_id, lat, lon, total_km, travelled_km,
		estimated_min, elapsed_min, status, started_at, ended_at, last_update_at, stopped_min, route)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`
	if err := t.q.QueryRowContext(ctx, q, tripArgs(tr)...).Scan(&tr.ID); err != nil {
		if isUniqueViolation(err) {
			return models.Trip{}, fmt.Errorf("storage.CreateTrip: order %d already has a trip: %w", tr.OrderID, models.ErrConflict)
		}
		return models.Trip{}, fmt.Errorf("storage.CreateTrip: %w", err)
	}
	return tr, nil
}

func (t *pgTx) GetTrip(ctx context.Context, id int64, forUpdate bool) (models.Trip, error) {
	q := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1` + lockClause(forUpdate, "")
	tr, err := scanTrip(t.q.QueryRowContext(ctx, q, id))
	if err != nil {
		return models.Trip{}, notFound("storage.GetTrip", err)
	}
	return tr, nil
}

func (t *pgTx) UpdateTrip(ctx context.Context, tr models.Trip) error {
	const q = `UPDATE trips SET order_id = $1, operator_id = $2, origin_id = $3, destination_id = $4, lat = $5,
		lon = $6, total_km = $7, travelled_km = $8, estimated_min = $9, elapsed_min = $10, status = $11,
		started_at = $12, ended_at = $13, last_update_at = $14, stopped_min = $15, route = $16
		WHERE id = $17`
	args := append(tripArgs(tr), tr.ID)
	res, err := t.q.ExecContext(ctx, q, args...)
	return checkAffected("storage.UpdateTrip", res, err)
}

func (t *pgTx) ListTrips(ctx context.Context, f TripFilter) ([]models.Trip, error) {
	var w where
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.OperatorID != 0 {
		w.add("operator_id = $%d", f.OperatorID)
	}
	if f.ProviderID != 0 {
		w.add("order_id IN (SELECT id FROM orders WHERE provider_id = $%d)", f.ProviderID)
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips`+w.String()+` ORDER BY id DESC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListTrips: %w", err)
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		tr, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListTrips: scan: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Ratings

const ratingColumns = `id, order_id, operator_id, provider_id, score, punctuality, cargo_care, communication, comment, created_at`

func scanRating(row scanner) (models.Rating, error) {
	var (
		r                                     models.Rating
		punctuality, cargoCare, communication sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.OrderID, &r.OperatorID, &r.ProviderID, &r.Score, &punctuality, &cargoCare,
		&communication, &r.Comment, &r.CreatedAt)
	if err != nil {
		return models.Rating{}, err
	}
	r.Punctuality = intPtr(punctuality)
	r.CargoCare = intPtr(cargoCare)
	r.Communication = intPtr(communication)
	return r, nil
}

func (t *pgTx) CreateRating(ctx context.Context, r models.Rating) (models.Rating, error) {
	const q = `INSERT INTO ratings (order_id, operator_id, provider_id, score, punctuality, cargo_care, communication, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING ` + ratingColumns
	out, err := scanRating(t.q.QueryRowContext(ctx, q, r.OrderID, r.OperatorID, r.ProviderID, r.Score,
		nullSmall(r.Punctuality), nullSmall(r.CargoCare), nullSmall(r.Communication), r.Comment))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Rating{}, fmt.Errorf("storage.CreateRating: order %d: %w", r.OrderID, models.ErrConflict)
		}
		return models.Rating{}, fmt.Errorf("storage.CreateRating: %w", err)
	}
	return out, nil
}

func (t *pgTx) GetRatingByOrder(ctx context.Context, orderID int64) (models.Rating, error) {
	r, err := scanRating(t.q.QueryRowContext(ctx, `SELECT `+ratingColumns+` FROM ratings WHERE order_id = $1`, orderID))
	if err != nil {
		return models.Rating{}, notFound("storage.GetRatingByOrder", err)
	}
	return r, nil
}

func (t *pgTx) ListRatings(ctx context.Context, operatorID int64) ([]models.Rating, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+ratingColumns+` FROM ratings WHERE operator_id = $1
		ORDER BY created_at DESC, id DESC`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListRatings: %w", err)
	}
	defer rows.Close()
	var out []models.Rating
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListRatings: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Notifications

func (t *pgTx) CreateNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return models.Notification{}, fmt.Errorf("storage.CreateNotification: payload: %w", err)
	}
	const q = `INSERT INTO notifications (user_id, event, payload, read) VALUES ($1, $2, $3, $4) RETURNING id, sent_at`
	if err := t.q.QueryRowContext(ctx, q, n.UserID, n.Event, string(payload), n.Read).Scan(&n.ID, &n.SentAt); err != nil {
		return models.Notification{}, fmt.Errorf("storage.CreateNotification: %w", err)
	}
	return n, nil
}

func (t *pgTx) ListNotifications(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, user_id, event, payload, read, sent_at FROM notifications
		WHERE user_id = $1 ORDER BY sent_at DESC, id DESC LIMIT $2`
	rows, err := t.q.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListNotifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var (
			n       models.Notification
			payload string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Event, &payload, &n.Read, &n.SentAt); err != nil {
			return nil, fmt.Errorf("storage.ListNotifications: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, fmt.Errorf("storage.ListNotifications: payload %d: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkNotificationRead(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	return checkAffected("storage.MarkNotificationRead", res, err)
}

func checkAffected(op string, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullSmall(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
