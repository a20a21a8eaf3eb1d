package httpapi

import (
	"fmt"
	"net/http"

	"github.com/example/freight-marketplace/internal/dispatch"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/orders"
	"github.com/example/freight-marketplace/internal/ratings"
	"github.com/example/freight-marketplace/internal/storage"
)

func parseOrderStatus(raw string) (models.OrderStatus, error) {
	switch st := models.OrderStatus(raw); st {
	case "", models.OrderPublished, models.OrderAccepted, models.OrderCompleted, models.OrderCancelled, models.OrderRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q: %w", raw, errBadRequest)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var (
		f   storage.OrderFilter
		err error
	)
	if f.Status, err = parseOrderStatus(r.URL.Query().Get("status")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if f.ProviderID, err = queryInt64(r, "provider_id"); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if f.OperatorID, err = queryInt64(r, "operator_id"); err != nil {
		s.writeErr(w, r, err)
		return
	}
	out, err := s.Orders.List(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var in orders.CreateInput
	if err := decode(r, &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	o, err := s.Orders.Create(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	o, err := s.Orders.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var upd orders.StatusUpdate
	if err := decode(r, &upd); err != nil {
		s.writeErr(w, r, err)
		return
	}
	o, trip, err := s.Orders.UpdateStatus(r.Context(), id, upd)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := map[string]any{"order": o}
	if trip != nil {
		resp["trip"] = trip
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrderCandidates(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	offers, err := s.Orders.Candidates(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(offers))
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	var (
		f   storage.TripFilter
		err error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := models.ParseTripStatus(raw)
		if !ok {
			s.writeErr(w, r, fmt.Errorf("unknown trip status %q: %w", raw, errBadRequest))
			return
		}
		f.Status = st
	}
	if f.OperatorID, err = queryInt64(r, "operator_id"); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if f.ProviderID, err = queryInt64(r, "provider_id"); err != nil {
		s.writeErr(w, r, err)
		return
	}
	out, err := s.Trips.List(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	t, err := s.Trips.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var body struct {
		Status models.TripStatus `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	t, err := s.Trips.Transition(r.Context(), id, body.Status)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTripPosition(w http.ResponseWriter, r *http.Request) {
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
	t, err := s.Trips.UpdatePosition(r.Context(), id, pos)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateRating(w http.ResponseWriter, r *http.Request) {
	var in ratings.Input
	if err := decode(r, &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.Ratings.Record(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleOperatorRatings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out, err := s.Ratings.ListByOperator(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out, err := s.Inbox.List(r.Context(), userID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"notifications": nonNil(out), "limit": dispatch.InboxLimit})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.Inbox.MarkRead(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
