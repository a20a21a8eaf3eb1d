package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Waypoint is one persisted point of a route polyline. Fields are pointers so
// that points missing a coordinate survive decoding and can be skipped.
type Waypoint struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// Route is an ordered polyline plus the aggregate figures reported by the
// routing service. DistanceKm and DurationMin are zero for a fallback route.
type Route struct {
	Points      []Coord `json:"points"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
	Fallback    bool    `json:"fallback"`
}

type Role string

const (
	RoleProvider Role = "provider"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// User account states. Inactive users cannot log in.
const (
	UserActive   = "active"
	UserInactive = "inactive"
)

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Provider ships cargo and publishes orders.
type Provider struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id"`
	Phone       string `json:"phone"`
}

type Truck struct {
	Plate      string  `json:"plate"`
	Type       string  `json:"type"`
	CapacityKg float64 `json:"capacity_kg"`
	VolumeM3   float64 `json:"volume_m3"`
	Reefer     bool    `json:"reefer"`
	ADR        bool    `json:"adr"`
	Fuel       string  `json:"fuel"`
}

// Operator owns a truck and hauls accepted orders.
type Operator struct {
	ID             int64   `json:"id"`
	UserID         int64   `json:"user_id"`
	TaxID          string  `json:"tax_id"`
	Phone          string  `json:"phone"`
	Available      bool    `json:"available"`
	Position       *Coord  `json:"position,omitempty"`
	CompletedTrips int     `json:"completed_trips"`
	Reputation     float64 `json:"reputation"`
	RatingCount    int     `json:"rating_count"`
	EmissionsKg    float64 `json:"emissions_kg"`
	CO2SavedKg     float64 `json:"co2_saved_kg"`
	Truck          *Truck  `json:"truck,omitempty"`
}

// Place is a named origin or destination.
type Place struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Coord Coord  `json:"coord"`
}

type OrderStatus string

const (
	OrderPublished OrderStatus = "published"
	OrderAccepted  OrderStatus = "accepted"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPublished: {OrderAccepted, OrderRejected, OrderCancelled},
	OrderAccepted:  {OrderCompleted, OrderCancelled},
}

// CanTransitionOrder reports whether an order may move from one state to another.
func CanTransitionOrder(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID            int64       `json:"id"`
	ProviderID    int64       `json:"provider_id"`
	OperatorID    *int64      `json:"operator_id,omitempty"`
	CargoType     string      `json:"cargo_type"`
	WeightKg      float64     `json:"weight_kg"`
	VolumeM3      float64     `json:"volume_m3"`
	Origin        Place       `json:"origin"`
	Destination   Place       `json:"destination"`
	WindowFrom    *time.Time  `json:"window_from,omitempty"`
	WindowTo      *time.Time  `json:"window_to,omitempty"`
	NeedsReefer   bool        `json:"needs_reefer"`
	NeedsADR      bool        `json:"needs_adr"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	DistanceKm    float64     `json:"distance_km"`
	CO2EstimateKg float64     `json:"co2_estimate_kg"`
	CO2SavedKg    float64     `json:"co2_saved_kg"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

type TripStatus string

const (
	TripInProgress TripStatus = "in_progress"
	TripDelivered  TripStatus = "delivered"
	TripFinalized  TripStatus = "finalized"
	TripCancelled  TripStatus = "cancelled"
)

var tripTransitions = map[TripStatus][]TripStatus{
	TripInProgress: {TripDelivered, TripFinalized, TripCancelled},
	TripDelivered:  {TripFinalized},
}

// CanTransitionTrip reports whether a trip may move from one state to another.
// finalized and cancelled are terminal.
func CanTransitionTrip(from, to TripStatus) bool {
	for _, s := range tripTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseTripStatus accepts only the fixed set of trip states.
func ParseTripStatus(s string) (TripStatus, bool) {
	switch st := TripStatus(s); st {
	case TripInProgress, TripDelivered, TripFinalized, TripCancelled:
		return st, true
	}
	return "", false
}

type Trip struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"order_id"`
	OperatorID    int64           `json:"operator_id"`
	OriginID      int64           `json:"origin_id"`
	DestinationID int64           `json:"destination_id"`
	Position      *Coord          `json:"position,omitempty"`
	TotalKm       float64         `json:"total_km"`
	TravelledKm   float64         `json:"travelled_km"`
	EstimatedMin  int             `json:"estimated_min"`
	ElapsedMin    int             `json:"elapsed_min"`
	Status        TripStatus      `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	LastUpdateAt  time.Time       `json:"last_update_at"`
	StoppedMin    int             `json:"stopped_min"`
	Path          json.RawMessage `json:"route,omitempty"`
}

// MarshalJSON renders the stored path as waypoints. Geometry that does not
// decode is rendered as null so one corrupt row cannot break a response.
func (t Trip) MarshalJSON() ([]byte, error) {
	type plain Trip
	out := struct {
		plain
		Path []Waypoint `json:"route"`
	}{plain: plain(t)}
	if len(t.Path) > 0 {
		var wps []Waypoint
		if err := json.Unmarshal(t.Path, &wps); err == nil {
			out.Path = wps
		}
	}
	return json.Marshal(out)
}

type Rating struct {
	ID            int64     `json:"id"`
	OrderID       int64     `json:"order_id"`
	OperatorID    int64     `json:"operator_id"`
	ProviderID    int64     `json:"provider_id"`
	Score         int       `json:"score"`
	Punctuality   *int      `json:"punctuality,omitempty"`
	CargoCare     *int      `json:"cargo_care,omitempty"`
	Communication *int      `json:"communication,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Notification is an event addressed to a user. The payload is a typed
// struct rather than a free-form map.
type Notification struct {
	ID      int64               `json:"id"`
	UserID  int64               `json:"user_id"`
	Event   string              `json:"event"`
	Payload NotificationPayload `json:"payload"`
	Read    bool                `json:"read"`
	SentAt  time.Time           `json:"sent_at"`
}

type NotificationPayload struct {
	Kind       string `json:"kind"`
	OrderID    int64  `json:"order_id,omitempty"`
	TripID     int64  `json:"trip_id,omitempty"`
	OperatorID int64  `json:"operator_id,omitempty"`
}

const (
	KindOrderAccepted = "order_accepted"
	KindTripDelivered = "trip_delivered"
	KindTripFinalized = "trip_finalized"
)

// PositionEvent is published whenever an operator reports a GPS fix.
type PositionEvent struct {
	OperatorID int64     `json:"operator_id"`
	Loc        Coord     `json:"loc"`
	Available  bool      `json:"available"`
	Reputation float64   `json:"reputation"`
	At         time.Time `json:"at"`
}
