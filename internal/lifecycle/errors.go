package lifecycle

import (
	"errors"
	"fmt"

	"github.com/jogardn/harvest-orders/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminalState     = errors.New("order is in a terminal state")
	ErrForbidden         = errors.New("actor may not perform this action")
	ErrOrderNotFound     = errors.New("order not found")
	ErrFeedbackLocked    = errors.New("feedback is only accepted for delivered orders")
	ErrFeedbackExists    = errors.New("feedback already submitted")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrInvalidOrder      = errors.New("invalid order")
)

// TransitionError carries the order and edge a rejected transition was
// evaluated against. Err is one of the sentinel errors above.
type TransitionError struct {
	OrderID string
	From    models.Status
	To      models.Status
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: %s -> %s: %v", e.OrderID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
