package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/freight-marketplace/internal/admin"
	"github.com/example/freight-marketplace/internal/auth"
	"github.com/example/freight-marketplace/internal/dispatch"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/operators"
	"github.com/example/freight-marketplace/internal/orders"
	"github.com/example/freight-marketplace/internal/ratings"
	"github.com/example/freight-marketplace/internal/storage"
	"github.com/example/freight-marketplace/internal/trips"
)

// Services are the domain services the API exposes.
type Services struct {
	Auth      *auth.Service
	Admin     *admin.Service
	Operators *operators.Service
	Orders    *orders.Service
	Trips     *trips.Manager
	Ratings   *ratings.Service
	Inbox     *dispatch.Inbox
	Store     storage.Store
}

type Server struct {
	Services
	logger  *slog.Logger
	mux     *mux.Router
	handler http.Handler
}

func NewServer(svc Services, logger *slog.Logger, corsOrigins []string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Services: svc, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})

	api := s.mux.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/register/provider", s.handleRegisterProvider).Methods(http.MethodPost)
	api.HandleFunc("/auth/register/operator", s.handleRegisterOperator).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	api.HandleFunc("/operators", s.handleListOperators).Methods(http.MethodGet)
	api.HandleFunc("/operators/nearby", s.handleNearbyOperators).Methods(http.MethodGet)
	api.HandleFunc("/operators/{id:[0-9]+}", s.handleGetOperator).Methods(http.MethodGet)
	api.HandleFunc("/operators/{id:[0-9]+}/availability", s.handleSetAvailability).Methods(http.MethodPut)
	api.HandleFunc("/operators/{id:[0-9]+}/location", s.handleOperatorLocation).Methods(http.MethodPut)
	api.HandleFunc("/operators/{id:[0-9]+}/stats", s.handleOperatorStats).Methods(http.MethodGet)

	api.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id:[0-9]+}/status", s.handleOrderStatus).Methods(http.MethodPut)
	api.HandleFunc("/orders/{id:[0-9]+}/candidates", s.handleOrderCandidates).Methods(http.MethodGet)

	api.HandleFunc("/trips", s.handleListTrips).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id:[0-9]+}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id:[0-9]+}/status", s.handleTripStatus).Methods(http.MethodPut)
	api.HandleFunc("/trips/{id:[0-9]+}/position", s.handleTripPosition).Methods(http.MethodPut)

	api.HandleFunc("/ratings", s.handleCreateRating).Methods(http.MethodPost)
	api.HandleFunc("/ratings/operator/{id:[0-9]+}", s.handleOperatorRatings).Methods(http.MethodGet)

	api.HandleFunc("/notifications/{userID:[0-9]+}", s.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id:[0-9]+}/read", s.handleMarkRead).Methods(http.MethodPut)

	api.HandleFunc("/admin/login", s.handleAdminLogin).Methods(http.MethodPost)
	api.HandleFunc("/admin/stats", s.handleAdminStats).Methods(http.MethodGet)
	api.HandleFunc("/admin/users", s.handleAdminListUsers).Methods(http.MethodGet)
	api.HandleFunc("/admin/users/{id:[0-9]+}", s.handleAdminUpdateUser).Methods(http.MethodPut)
	api.HandleFunc("/admin/users/{id:[0-9]+}", s.handleAdminDeleteUser).Methods(http.MethodDelete)
	api.HandleFunc("/admin/activity", s.handleAdminActivity).Methods(http.MethodGet)

	api.HandleFunc("/config/truck-types", s.handleTruckTypes).Methods(http.MethodGet)
	api.HandleFunc("/config/cargo-types", s.handleCargoTypes).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Store != nil {
		if err := s.Store.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store not reachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterProviderInput
	if err := decode(r, &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sess, err := s.Auth.RegisterProvider(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleRegisterOperator(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterOperatorInput
	if err := decode(r, &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sess, err := s.Auth.RegisterOperator(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in auth.Credentials
	if err := decode(r, &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sess, err := s.Auth.Login(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	var (
		f   storage.OperatorFilter
		err error
	)
	if f.Available, err = queryBool(r, "available"); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if f.Reefer, err = queryBool(r, "reefer"); err != nil {
		s.writeErr(w, r, err)
		return
	}
	f.TruckType = strings.TrimSpace(r.URL.Query().Get("truck_type"))

	out, err := s.Operators.List(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleNearbyOperators(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lon")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if limit <= 0 {
		limit = 10
	}
	cands, err := s.Operators.Nearby(r.Context(), lat, lon, int(limit))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	type nearby struct {
		OperatorID int64        `json:"operator_id"`
		Position   models.Coord `json:"position"`
		DistanceKm float64      `json:"distance_km"`
		Reputation float64      `json:"reputation"`
	}
	out := make([]nearby, 0, len(cands))
	for _, c := range cands {
		out = append(out, nearby{OperatorID: c.OperatorID, Position: c.Loc, DistanceKm: c.DistanceKm, Reputation: c.Reputation})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	op, err := s.Operators.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var body struct {
		Available *bool `json:"available"`
	}
	if err := decode(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if body.Available == nil {
		s.writeErr(w, r, fmt.Errorf("available is required: %w", models.ErrValidation))
		return
	}
	op, err := s.Operators.SetAvailability(r.Context(), id, *body.Available)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

// positionBody is a raw coordinate pair; both fields must be present.
type positionBody struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (p positionBody) coord() (models.Coord, error) {
	if p.Lat == nil || p.Lon == nil {
		return models.Coord{}, fmt.Errorf("lat and lon are required: %w", models.ErrValidation)
	}
	return models.Coord{Lat: *p.Lat, Lon: *p.Lon}, nil
}

func (s *Server) handleOperatorLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var body positionBody
	if err := decode(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	pos, err := body.coord()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	op, updated, err := s.Operators.ReportPosition(r.Context(), id, pos)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"operator": op, "trips": nonNil(updated)})
}

func (s *Server) handleOperatorStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	st, err := s.Operators.Stats(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
