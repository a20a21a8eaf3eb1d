package httpapi

import (
	"fmt"
	"net/http"

	"github.com/example/freight-marketplace/internal/admin"
	"github.com/example/freight-marketplace/internal/auth"
	"github.com/example/freight-marketplace/internal/catalog"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/storage"
)

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in auth.Credentials
	if err := decode(r, &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sess, err := s.Auth.AdminLogin(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Admin.Stats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func parseUserFilter(r *http.Request) (storage.UserFilter, error) {
	q := r.URL.Query()
	f := storage.UserFilter{Role: models.Role(q.Get("role")), Status: q.Get("status")}
	switch f.Role {
	case "", models.RoleProvider, models.RoleOperator, models.RoleAdmin:
	default:
		return f, fmt.Errorf("unknown role %q: %w", f.Role, errBadRequest)
	}
	switch f.Status {
	case "", models.UserActive, models.UserInactive:
	default:
		return f, fmt.Errorf("unknown user status %q: %w", f.Status, errBadRequest)
	}
	return f, nil
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	f, err := parseUserFilter(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out, err := s.Admin.ListUsers(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var in admin.UserUpdate
	if err := decode(r, &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	u, err := s.Admin.UpdateUser(r.Context(), id, in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	u, err := s.Admin.DeactivateUser(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	out, err := s.Admin.RecentActivity(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleTruckTypes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, catalog.TruckTypes())
}

func (s *Server) handleCargoTypes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, catalog.CargoTypes())
}
