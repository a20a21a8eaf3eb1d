package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("invalid credentials")
)

// CapacityError reports that an operator already holds the maximum number of
// simultaneously accepted orders.
type CapacityError struct {
	OperatorID int64
	Limit      int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("operator %d already holds %d accepted orders (limit %d)", e.OperatorID, e.Limit, e.Limit)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }
