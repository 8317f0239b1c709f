package lifecycle

import "github.com/jogardn/harvest-orders/pkg/models"

// checkTransition decides whether actor may move o to requested. Status
// legality is checked before permissions so a stale request always reports
// the state it lost against.
func checkTransition(o models.Order, requested models.Status, actor models.Actor) error {
	fail := func(err error) error {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: requested, Err: err}
	}

	if !actor.Valid() || !actor.Owns(o) {
		return fail(ErrForbidden)
	}
	if o.Status.IsTerminal() {
		return fail(ErrTerminalState)
	}
	edge, ok := o.Status.EdgeTo(requested)
	if !ok {
		return fail(ErrInvalidTransition)
	}

	fulfiller := actor.Role == models.RoleFarmer || actor.Role == models.RoleAdmin
	if edge.FulfillerOnly && !fulfiller {
		return fail(ErrForbidden)
	}
	return nil
}

// CanSubmitFeedback reports whether the one-time feedback capability is open.
func CanSubmitFeedback(o models.Order) bool {
	return o.Status == models.StatusDelivered && o.Feedback == nil
}
