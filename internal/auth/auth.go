// Package auth registers providers and operators and verifies credentials.
// Passwords are stored only as bcrypt hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/storage"
)

const minPasswordLen = 6

// InitialReputation is the score a new operator starts with before any rating.
const InitialReputation = 5.0

type Service struct {
	Store  storage.Store
	Cost   int
	Logger *slog.Logger
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	return &Service{Store: store, Cost: bcrypt.DefaultCost, Logger: logger}
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterProviderInput struct {
	Credentials
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id"`
	Phone       string `json:"phone"`
}

type RegisterOperatorInput struct {
	Credentials
	TaxID string       `json:"tax_id"`
	Phone string       `json:"phone"`
	Truck models.Truck `json:"truck"`
}

// Session is what a successful registration or login returns. Exactly one of
// Provider and Operator is set for non-admin users.
type Session struct {
	User     models.User      `json:"user"`
	Provider *models.Provider `json:"provider,omitempty"`
	Operator *models.Operator `json:"operator,omitempty"`
}

func (s *Service) RegisterProvider(ctx context.Context, in RegisterProviderInput) (Session, error) {
	if strings.TrimSpace(in.CompanyName) == "" {
		return Session{}, fmt.Errorf("company_name is required: %w", models.ErrValidation)
	}
	var out Session
	err := s.register(ctx, in.Credentials, models.RoleProvider, func(ctx context.Context, tx storage.Tx, u models.User) error {
		p, err := tx.CreateProvider(ctx, models.Provider{UserID: u.ID, CompanyName: in.CompanyName, TaxID: in.TaxID, Phone: in.Phone})
		if err != nil {
			return err
		}
		out = Session{User: u, Provider: &p}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.logger().Info("provider registered", "user_id", out.User.ID, "provider_id", out.Provider.ID)
	return out, nil
}

func (s *Service) RegisterOperator(ctx context.Context, in RegisterOperatorInput) (Session, error) {
	if strings.TrimSpace(in.Truck.Plate) == "" {
		return Session{}, fmt.Errorf("truck plate is required: %w", models.ErrValidation)
	}
	if in.Truck.CapacityKg < 0 || in.Truck.VolumeM3 < 0 {
		return Session{}, fmt.Errorf("truck capacity must not be negative: %w", models.ErrValidation)
	}
	var out Session
	err := s.register(ctx, in.Credentials, models.RoleOperator, func(ctx context.Context, tx storage.Tx, u models.User) error {
		truck := in.Truck
		o, err := tx.CreateOperator(ctx, models.Operator{UserID: u.ID, TaxID: in.TaxID, Phone: in.Phone, Available: true, Reputation: InitialReputation, Truck: &truck})
		if err != nil {
			return err
		}
		out = Session{User: u, Operator: &o}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.logger().Info("operator registered", "user_id", out.User.ID, "operator_id", out.Operator.ID)
	return out, nil
}

func (s *Service) register(ctx context.Context, c Credentials, role models.Role, profile func(context.Context, storage.Tx, models.User) error) error {
	email, err := normaliseEmail(c.Email)
	if err != nil {
		return err
	}
	if len(c.Password) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters: %w", minPasswordLen, models.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), s.cost())
	if err != nil {
		return fmt.Errorf("auth.Service.register: hash: %w", err)
	}
	return s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetUserByEmail(ctx, email); err == nil {
			return fmt.Errorf("email %q already registered: %w", email, models.ErrConflict)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		u, err := tx.CreateUser(ctx, models.User{Email: email, PasswordHash: string(hash), Role: role, Status: models.UserActive})
		if err != nil {
			return err
		}
		return profile(ctx, tx, u)
	})
}

// Login verifies the credentials. Unknown emails, wrong passwords and
// deactivated accounts all produce the same ErrUnauthorized.
func (s *Service) Login(ctx context.Context, c Credentials) (Session, error) {
	return s.login(ctx, c, "")
}

// AdminLogin is Login restricted to administrator accounts.
func (s *Service) AdminLogin(ctx context.Context, c Credentials) (Session, error) {
	return s.login(ctx, c, models.RoleAdmin)
}

func (s *Service) login(ctx context.Context, c Credentials, want models.Role) (Session, error) {
	email, err := normaliseEmail(c.Email)
	if err != nil {
		return Session{}, models.ErrUnauthorized
	}
	var out Session
	err = s.Store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		u, err := tx.GetUserByEmail(ctx, email)
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrUnauthorized
		}
		if err != nil {
			return err
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(c.Password)) != nil {
			return models.ErrUnauthorized
		}
		if u.Status == models.UserInactive || (want != "" && u.Role != want) {
			return models.ErrUnauthorized
		}
		out.User = u
		switch u.Role {
		case models.RoleProvider:
			p, err := tx.GetProviderByUser(ctx, u.ID)
			if err != nil {
				return err
			}
			out.Provider = &p
		case models.RoleOperator:
			o, err := tx.GetOperatorByUser(ctx, u.ID)
			if err != nil {
				return err
			}
			out.Operator = &o
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			s.logger().Warn("login rejected", "email", email, "required_role", string(want))
		}
		return Session{}, err
	}
	return out, nil
}

// EnsureAdmin creates the administrator account unless the email is already
// registered. An existing account is left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	err := s.register(ctx, Credentials{Email: email, Password: password}, models.RoleAdmin,
		func(context.Context, storage.Tx, models.User) error { return nil })
	if errors.Is(err, models.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth.Service.EnsureAdmin: %w", err)
	}
	s.logger().Info("admin account created", "email", strings.ToLower(strings.TrimSpace(email)))
	return nil
}

func (s *Service) cost() int {
	if s.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return s.Cost
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func normaliseEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return "", fmt.Errorf("invalid email %q: %w", raw, models.ErrValidation)
	}
	return email, nil
}
