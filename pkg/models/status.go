package models

import "fmt"

// Status is an order's fulfillment state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusPacked         Status = "packed"
	StatusDispatched     Status = "dispatched"
	StatusShipped        Status = "shipped"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRejected       Status = "rejected"
)

// fulfillmentChain is the linear happy path. Order matters.
var fulfillmentChain = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPacked,
	StatusDispatched,
	StatusShipped,
	StatusOutForDelivery,
	StatusDelivered,
}

// Edge describes one legal status change.
type Edge struct {
	To Status
	// Branch is true for the cancelled/rejected side branches.
	Branch bool
	// FulfillerOnly restricts the edge to the order's farmer or an admin.
	// Only cancelling a pending order is open to the customer.
	FulfillerOnly bool
}

var (
	validNext = map[Status][]Edge{}
	labels    = map[Status]string{
		StatusPending:        "Pending",
		StatusConfirmed:      "Confirmed",
		StatusPacked:         "Packed",
		StatusDispatched:     "Dispatched",
		StatusShipped:        "Shipped",
		StatusOutForDelivery: "Out for delivery",
		StatusDelivered:      "Delivered",
		StatusCancelled:      "Cancelled",
		StatusRejected:       "Rejected",
	}
)

func init() {
	for i, s := range fulfillmentChain {
		if i+1 < len(fulfillmentChain) {
			validNext[s] = append(validNext[s], Edge{To: fulfillmentChain[i+1], FulfillerOnly: true})
			validNext[s] = append(validNext[s], Edge{To: StatusCancelled, Branch: true, FulfillerOnly: s != StatusPending})
		}
	}
	validNext[StatusPending] = append(validNext[StatusPending], Edge{To: StatusRejected, Branch: true, FulfillerOnly: true})
	validNext[StatusDelivered] = nil
	validNext[StatusCancelled] = nil
	validNext[StatusRejected] = nil

	for s := range validNext {
		if _, ok := labels[s]; !ok {
			panic(fmt.Sprintf("models: status %q has no label", s))
		}
	}
}

func (s Status) String() string { return string(s) }

// Label is the human readable form used in notifications.
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// Next returns the chain successor of s, or false for terminal and branch states.
func (s Status) Next() (Status, bool) {
	for _, e := range validNext[s] {
		if !e.Branch {
			return e.To, true
		}
	}
	return "", false
}

// EdgeTo returns the edge from s to the requested status if one exists.
func (s Status) EdgeTo(to Status) (Edge, bool) {
	for _, e := range validNext[s] {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

func CanTransition(from, to Status) bool {
	_, ok := from.EdgeTo(to)
	return ok
}

// FulfillmentChain returns a copy of the linear status chain.
func FulfillmentChain() []Status {
	out := make([]Status, len(fulfillmentChain))
	copy(out, fulfillmentChain)
	return out
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}
